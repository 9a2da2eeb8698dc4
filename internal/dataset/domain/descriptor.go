package domain

import "strings"

type FieldType string

const (
	FieldTimestamp FieldType = "timestamp"
	FieldFloat     FieldType = "float"
	FieldString    FieldType = "string"
	FieldNested    FieldType = "nested"
)

type PatchPolicy string

const (
	// PatchStrict rejects edits naming fields outside the descriptor.
	PatchStrict PatchPolicy = "strict"
	// PatchPermissive stores unknown fields verbatim.
	PatchPermissive PatchPolicy = "permissive"
)

// Reserved document fields are owned by the store or the engine and can never
// be supplied by producers or reviewers.
const (
	FieldID          = "_id"
	FieldUploadedBy  = "uploaded_by"
	FieldUploadedAt  = "uploaded_at"
	FieldMigrationID = "migration_id"
)

var reservedFields = map[string]struct{}{
	FieldID:          {},
	FieldUploadedBy:  {},
	FieldUploadedAt:  {},
	FieldMigrationID: {},
}

func IsReserved(name string) bool {
	_, ok := reservedFields[name]
	return ok
}

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Descriptor is the typed schema of one dataset. The timestamp field plus the
// secondary key fields form the business key.
type Descriptor struct {
	Code           string      `json:"code"`
	Name           string      `json:"name"`
	RouteSegments  []string    `json:"-"`
	Route          string      `json:"route"`
	TimestampField string      `json:"timestamp_field"`
	SecondaryKeys  []string    `json:"secondary_keys,omitempty"`
	Fields         []Field     `json:"fields"`
	ExtraLayouts   []string    `json:"-"`
	PatchPolicy    PatchPolicy `json:"patch_policy"`
}

// KeyFields returns the business key field names in key order.
func (d Descriptor) KeyFields() []string {
	keys := make([]string, 0, 1+len(d.SecondaryKeys))
	keys = append(keys, d.TimestampField)
	keys = append(keys, d.SecondaryKeys...)
	return keys
}

func (d Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (d Descriptor) IsKeyField(name string) bool {
	for _, key := range d.KeyFields() {
		if key == name {
			return true
		}
	}
	return false
}

// SortColumns maps accepted sort parameters onto store columns.
func (d Descriptor) SortColumns() map[string]string {
	cols := map[string]string{
		d.TimestampField: "recorded_at",
		FieldUploadedAt:  "uploaded_at",
		FieldID:          "id",
	}
	// Only a single secondary key is materialized as a column.
	if len(d.SecondaryKeys) == 1 {
		cols[d.SecondaryKeys[0]] = "subject"
	}
	return cols
}

// SortColumn resolves a sort parameter, case-insensitively, falling back to
// the timestamp column when the parameter is empty.
func (d Descriptor) SortColumn(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "recorded_at", true
	}
	for field, col := range d.SortColumns() {
		if strings.EqualFold(field, name) {
			return col, true
		}
	}
	return "", false
}
