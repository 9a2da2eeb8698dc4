package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ErrStoreFault marks failures of the backing store, as opposed to problems
// with the caller's input.
var ErrStoreFault = errors.New("store_fault")

type ListFilter struct {
	Dataset    string
	SortColumn string
	Descending bool
	Limit      int
}

type Repository interface {
	// LookupHashes returns record_key -> content_hash for the keys that exist.
	LookupHashes(ctx context.Context, db *gorm.DB, store Store, dataset string, keys []string) (map[string]string, error)
	// Upsert inserts rows or replaces the row holding the same business key.
	// Replaced rows keep their id.
	Upsert(ctx context.Context, db *gorm.DB, store Store, rows []*Record) error
	FindByID(ctx context.Context, db *gorm.DB, store Store, dataset string, id snowflake.ID) (*Record, error)
	FindByIDs(ctx context.Context, db *gorm.DB, store Store, dataset string, ids []snowflake.ID) ([]*Record, error)
	List(ctx context.Context, db *gorm.DB, store Store, filter ListFilter) ([]*Record, error)
	// Replace overwrites the keyed content of the row with rec.ID.
	Replace(ctx context.Context, db *gorm.DB, store Store, rec *Record) (int64, error)
	DeleteByIDs(ctx context.Context, db *gorm.DB, store Store, dataset string, ids []snowflake.ID) (int64, error)
}
