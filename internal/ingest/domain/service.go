package domain

import (
	"context"
	"errors"

	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
)

const (
	MessageCompleted = "Bulk add completed"
	MessageEmpty     = "No records received"
)

// SampleError describes one rejected row. RowSample is the row as received.
type SampleError struct {
	RowIndex  int    `json:"row_index"`
	Error     string `json:"error"`
	RowSample any    `json:"row_sample"`
}

// Summary reports the outcome of one bulk upsert. Every received row lands in
// exactly one of inserted_new, replaced_existing, skipped_invalid or
// failed_writes; modified_existing is a subset of replaced_existing.
type Summary struct {
	Message          string        `json:"message"`
	Received         int           `json:"received"`
	InsertedNew      int           `json:"inserted_new"`
	ReplacedExisting int           `json:"replaced_existing"`
	ModifiedExisting int           `json:"modified_existing"`
	SkippedInvalid   int           `json:"skipped_invalid"`
	FailedWrites     int           `json:"failed_writes"`
	ChunkSize        int           `json:"chunk_size"`
	SampleErrors     []SampleError `json:"sample_errors"`
}

type BulkUpsertRequest struct {
	Dataset  string
	Uploader string
	// Payload is the decoded request body; anything but a JSON array is
	// rejected before any row is processed.
	Payload any
}

type AddRequest struct {
	Dataset  string
	Uploader string
	Row      any
}

type Service interface {
	BulkUpsert(ctx context.Context, req BulkUpsertRequest) (Summary, error)
	// Add stores a single row; an invalid row is returned as an error rather
	// than counted.
	Add(ctx context.Context, req AddRequest) (Summary, error)
	// Begin opens a streaming batch for producers that cannot hold the whole
	// payload in memory.
	Begin(ctx context.Context, dataset, uploader string) (Batch, error)
}

// Batch receives rows one at a time and flushes them in chunks.
type Batch interface {
	Push(row any) error
	Finish() (Summary, error)
}

var (
	ErrStoreFault    = recorddomain.ErrStoreFault
	ErrBatchFinished = errors.New("batch_finished")
)
