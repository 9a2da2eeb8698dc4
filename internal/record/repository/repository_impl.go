package repository

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/powercasting/internal/record/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

var upsertColumns = []string{
	"recorded_at",
	"subject",
	"document",
	"content_hash",
	"uploaded_by",
	"uploaded_at",
	"migration_id",
	"updated_at",
}

func (r *repo) LookupHashes(ctx context.Context, db *gorm.DB, store domain.Store, dataset string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var rows []struct {
		RecordKey   string
		ContentHash string
	}
	err := db.WithContext(ctx).Table(store.Table()).
		Select("record_key", "content_hash").
		Where("dataset = ? AND record_key IN ?", dataset, keys).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.RecordKey] = row.ContentHash
	}
	return out, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, store domain.Store, rows []*domain.Record) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Table(store.Table()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dataset"}, {Name: "record_key"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).
		Create(&rows).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, store domain.Store, dataset string, id snowflake.ID) (*domain.Record, error) {
	var rec domain.Record
	err := db.WithContext(ctx).Table(store.Table()).
		Where("dataset = ? AND id = ?", dataset, id).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, store domain.Store, dataset string, ids []snowflake.ID) ([]*domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []*domain.Record
	err := db.WithContext(ctx).Table(store.Table()).
		Where("dataset = ? AND id IN ?", dataset, ids).
		Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, store domain.Store, filter domain.ListFilter) ([]*domain.Record, error) {
	column := filter.SortColumn
	if column == "" {
		column = "recorded_at"
	}

	stmt := db.WithContext(ctx).Table(store.Table()).
		Where("dataset = ?", filter.Dataset).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: column}, Desc: filter.Descending},
			{Column: clause.Column{Name: "id"}, Desc: filter.Descending},
		}})
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var recs []*domain.Record
	if err := stmt.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *repo) Replace(ctx context.Context, db *gorm.DB, store domain.Store, rec *domain.Record) (int64, error) {
	if rec == nil || rec.ID == 0 {
		return 0, fmt.Errorf("replace requires a record id")
	}
	res := db.WithContext(ctx).Table(store.Table()).
		Where("dataset = ? AND id = ?", rec.Dataset, rec.ID).
		Updates(map[string]any{
			"record_key":   rec.RecordKey,
			"recorded_at":  rec.RecordedAt,
			"subject":      rec.Subject,
			"document":     rec.Document,
			"content_hash": rec.ContentHash,
			"updated_at":   rec.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteByIDs(ctx context.Context, db *gorm.DB, store domain.Store, dataset string, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Table(store.Table()).
		Where("dataset = ? AND id IN ?", dataset, ids).
		Delete(&domain.Record{})
	return res.RowsAffected, res.Error
}
