package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
	"gorm.io/datatypes"
)

// Store names one of the two keyed collections.
type Store string

const (
	Staging Store = "staging"
	Final   Store = "final"
)

func (s Store) Table() string {
	if s == Final {
		return "final_records"
	}
	return "staging_records"
}

// Record is the shared row shape of the staging and final tables. The business
// key (dataset, record_key) is unique per table; ID is the opaque store id.
type Record struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	Dataset     string            `gorm:"type:varchar(64);not null;index:,unique,composite:dataset_key,priority:1" json:"dataset"`
	RecordKey   string            `gorm:"type:varchar(191);not null;index:,unique,composite:dataset_key,priority:2" json:"record_key"`
	RecordedAt  time.Time         `gorm:"not null;index" json:"recorded_at"`
	Subject     *string           `gorm:"type:varchar(191)" json:"subject,omitempty"`
	Document    datatypes.JSONMap `gorm:"not null" json:"document"`
	ContentHash string            `gorm:"type:varchar(32);not null" json:"content_hash"`
	UploadedBy  *string           `gorm:"type:varchar(320)" json:"uploaded_by,omitempty"`
	UploadedAt  time.Time         `gorm:"not null" json:"uploaded_at"`
	MigrationID *string           `gorm:"type:varchar(26)" json:"migration_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// StagingRecord and FinalRecord exist so schema tooling can derive one table
// per store from the shared shape.
type StagingRecord struct {
	Record
}

func (StagingRecord) TableName() string { return Staging.Table() }

type FinalRecord struct {
	Record
}

func (FinalRecord) TableName() string { return Final.Table() }

// View renders the record the way clients see it: the stored document plus
// the store id and provenance fields.
func (r *Record) View() map[string]any {
	out := make(map[string]any, len(r.Document)+4)
	for k, v := range r.Document {
		out[k] = v
	}
	out[datasetdomain.FieldID] = r.ID.String()
	if r.UploadedBy != nil {
		out[datasetdomain.FieldUploadedBy] = *r.UploadedBy
	} else {
		out[datasetdomain.FieldUploadedBy] = nil
	}
	out[datasetdomain.FieldUploadedAt] = r.UploadedAt.UTC().Format(time.RFC3339Nano)
	if r.MigrationID != nil {
		out[datasetdomain.FieldMigrationID] = *r.MigrationID
	}
	return out
}
