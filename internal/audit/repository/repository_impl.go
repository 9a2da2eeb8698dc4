package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/powercasting/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO transaction_history (
			id, endpoint, method, request_body, uploader,
			response_status, response_body, request_id, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Endpoint,
		entry.Method,
		entry.RequestBody,
		entry.Uploader,
		entry.ResponseStatus,
		entry.ResponseBody,
		entry.RequestID,
		entry.Timestamp,
	).Error
}

func (r *repo) ListNewest(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := db.WithContext(ctx).Model(&domain.Entry{}).Order("timestamp desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteNewest resolves the ids first because MySQL rejects LIMIT inside an
// IN subquery.
func (r *repo) DeleteNewest(ctx context.Context, db *gorm.DB, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Model(&domain.Entry{}).
		Order("timestamp desc, id desc").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Entry{})
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteAll(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.Entry{})
	return res.RowsAffected, res.Error
}
