package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 1000
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	ListNewest(ctx context.Context, db *gorm.DB, limit int) ([]*Entry, error)
	DeleteNewest(ctx context.Context, db *gorm.DB, limit int) (int64, error)
	DeleteAll(ctx context.Context, db *gorm.DB) (int64, error)
}

// Capture is what the HTTP layer hands to the audit queue.
type Capture struct {
	Endpoint       string
	Method         string
	RequestBody    []byte
	Uploader       string
	ResponseStatus int
	ResponseBody   []byte
	RequestID      string
	At             time.Time
}

type Service interface {
	// Enqueue never blocks. It reports false when the entry was dropped.
	Enqueue(c Capture) bool
	List(ctx context.Context, limit int) ([]EntryView, error)
	// Delete removes the limit newest entries, or every entry when limit is nil.
	Delete(ctx context.Context, limit *int) (int64, error)
}

var (
	ErrInvalidLimit = errors.New("invalid_limit")
	ErrQueueFull    = errors.New("audit_queue_full")
	ErrQueueStopped = errors.New("audit_queue_stopped")
	ErrStopTimeout  = errors.New("audit_stop_timeout")
)
