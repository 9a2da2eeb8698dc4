package domain

import (
	"context"
	"errors"
	"time"

	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 10_000
)

const (
	MessageRecordUpdated = "Approval record updated"
	MessageRecordDeleted = "Approval record deleted"
)

type ApproveRequest struct {
	Dataset string
	IDs     []string
}

// MigrationSummary reports one approval. DeletedFromApproval is the number of
// staged records fetched for migration, not the number the delete removed.
type MigrationSummary struct {
	Message             string `json:"message"`
	MigrationID         string `json:"migration_id"`
	Migrated            int    `json:"migrated"`
	InsertedNew         int    `json:"inserted_new"`
	UpdatedExisting     int    `json:"updated_existing"`
	DeletedFromApproval int    `json:"deleted_from_approval"`
}

type ListRequest struct {
	Dataset    string
	Store      recorddomain.Store
	Sort       string
	Descending bool
	Limit      int
}

type UpdateRequest struct {
	Dataset string
	ID      string
	Patch   map[string]any
}

type UpdateResponse struct {
	Message string         `json:"message"`
	Updated []string       `json:"updated_fields"`
	Record  map[string]any `json:"record"`
}

type DeleteResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

type Service interface {
	Approve(ctx context.Context, req ApproveRequest) (MigrationSummary, error)
	List(ctx context.Context, req ListRequest) ([]map[string]any, error)
	Update(ctx context.Context, req UpdateRequest) (UpdateResponse, error)
	Delete(ctx context.Context, dataset, id string) (DeleteResponse, error)
}

// Locker guards concurrent approvals of the same id set.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

var (
	ErrInvalidIDs         = errors.New("invalid_ids")
	ErrInvalidID          = errors.New("invalid_id")
	ErrNoMatchingRecords  = errors.New("no_matching_records")
	ErrRecordNotFound     = errors.New("record_not_found")
	ErrKeyConflict        = errors.New("key_conflict")
	ErrInvalidSort        = errors.New("invalid_sort")
	ErrInvalidLimit       = errors.New("invalid_limit")
	ErrApprovalInProgress = errors.New("approval_in_progress")
	ErrStoreFault         = recorddomain.ErrStoreFault
)
