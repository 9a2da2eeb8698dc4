package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Entry is one captured request/response exchange.
type Entry struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Endpoint       string       `gorm:"type:varchar(255);not null"`
	Method         string       `gorm:"type:varchar(16);not null"`
	RequestBody    string       `gorm:"type:text"`
	Uploader       *string      `gorm:"type:varchar(320)"`
	ResponseStatus int          `gorm:"not null"`
	ResponseBody   string       `gorm:"type:text"`
	RequestID      string       `gorm:"type:varchar(64)"`
	Timestamp      time.Time    `gorm:"not null;index"`
}

func (Entry) TableName() string { return "transaction_history" }

type EntryView struct {
	ID             string  `json:"_id"`
	Endpoint       string  `json:"endpoint"`
	Method         string  `json:"method"`
	RequestBody    any     `json:"request_body"`
	Uploader       *string `json:"uploader"`
	ResponseStatus int     `json:"response_status"`
	ResponseBody   any     `json:"response_body"`
	RequestID      string  `json:"request_id,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

// View renders bodies as embedded JSON when they parse, and as plain strings
// otherwise.
func (e *Entry) View() EntryView {
	return EntryView{
		ID:             e.ID.String(),
		Endpoint:       e.Endpoint,
		Method:         e.Method,
		RequestBody:    body(e.RequestBody),
		Uploader:       e.Uploader,
		ResponseStatus: e.ResponseStatus,
		ResponseBody:   body(e.ResponseBody),
		RequestID:      e.RequestID,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func body(raw string) any {
	if raw == "" {
		return nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	return raw
}
