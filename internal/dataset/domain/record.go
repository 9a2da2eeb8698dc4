package domain

import "time"

// Record is a normalized row ready for the store. Values is the JSON-ready
// document: floats, trimmed strings, nested values, and timestamps rendered
// as UTC RFC 3339.
type Record struct {
	Dataset     string
	Key         string
	RecordedAt  time.Time
	Subject     *string
	Values      map[string]any
	ContentHash string
}
