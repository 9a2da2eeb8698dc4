package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/smallbiznis/powercasting/internal/dataset/domain"
	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins the parts of a business key.
const KeySeparator = "|"

// MaxKeyFieldLength bounds a string key field so the joined business key fits
// the record_key and subject columns.
const MaxKeyFieldLength = 128

// Row validates and coerces one decoded JSON row against d. Fields the
// descriptor does not define are dropped. It never touches a store and never
// mutates raw.
func Row(d domain.Descriptor, raw any) (domain.Record, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return domain.Record{}, domain.ErrRowShape
	}

	values := make(map[string]any, len(d.Fields))
	var recordedAt time.Time
	subjectParts := make([]string, 0, len(d.SecondaryKeys))

	for _, f := range d.Fields {
		value, present := obj[f.Name]
		coerced, keep, err := coerce(d, f, value, present)
		if err != nil {
			return domain.Record{}, err
		}
		if !keep {
			continue
		}
		switch v := coerced.(type) {
		case time.Time:
			if f.Name == d.TimestampField {
				recordedAt = v
			}
			values[f.Name] = FormatTimestamp(v)
		default:
			values[f.Name] = v
		}
	}

	for _, key := range d.SecondaryKeys {
		s, _ := values[key].(string)
		subjectParts = append(subjectParts, s)
	}

	rec := domain.Record{
		Dataset:    d.Code,
		Key:        BusinessKey(recordedAt, subjectParts...),
		RecordedAt: recordedAt,
		Values:     values,
	}
	if len(subjectParts) > 0 {
		subject := strings.Join(subjectParts, KeySeparator)
		rec.Subject = &subject
	}

	hash, err := ContentHash(values)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	rec.ContentHash = hash
	return rec, nil
}

// Patch merges a partial edit into an existing document and re-validates the
// result. It returns the normalized record and the sorted names of the fields
// the patch touched. A null value removes an optional field. Datasets with a
// permissive policy keep fields the descriptor does not define.
func Patch(d domain.Descriptor, existing, patch map[string]any) (domain.Record, []string, error) {
	if len(patch) == 0 {
		return domain.Record{}, nil, domain.ErrEmptyPatch
	}

	merged := make(map[string]any, len(existing)+len(patch))
	for name, value := range existing {
		if domain.IsReserved(name) {
			continue
		}
		merged[name] = value
	}

	touched := make([]string, 0, len(patch))
	for name, value := range patch {
		if domain.IsReserved(name) {
			return domain.Record{}, nil, domain.NewFieldError(name, domain.ErrReservedField, value)
		}
		if _, known := d.Field(name); !known && d.PatchPolicy != domain.PatchPermissive {
			return domain.Record{}, nil, domain.NewFieldError(name, domain.ErrUnknownField, value)
		}
		if value == nil {
			delete(merged, name)
		} else {
			merged[name] = value
		}
		touched = append(touched, name)
	}
	sort.Strings(touched)

	rec, err := Row(d, merged)
	if err != nil {
		return domain.Record{}, nil, err
	}
	if d.PatchPolicy != domain.PatchPermissive {
		return rec, touched, nil
	}

	for name, value := range merged {
		if _, known := d.Field(name); known {
			continue
		}
		rec.Values[name] = value
	}
	hash, err := ContentHash(rec.Values)
	if err != nil {
		return domain.Record{}, nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	rec.ContentHash = hash
	return rec, touched, nil
}

// BusinessKey renders the uniqueness key of a record.
func BusinessKey(recordedAt time.Time, secondary ...string) string {
	parts := make([]string, 0, 1+len(secondary))
	parts = append(parts, FormatTimestamp(recordedAt))
	parts = append(parts, secondary...)
	return strings.Join(parts, KeySeparator)
}

// ContentHash fingerprints a document so unchanged replacements can be told
// apart from modifications. encoding/json sorts map keys, which makes the
// encoding canonical.
func ContentHash(values map[string]any) (string, error) {
	buf, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxh3.Hash(buf), 16), nil
}

func coerce(d domain.Descriptor, f domain.Field, value any, present bool) (any, bool, error) {
	if !present || isBlank(value) {
		if f.Required {
			return nil, false, domain.NewFieldError(f.Name, domain.ErrMissingField, value)
		}
		return nil, false, nil
	}

	switch f.Type {
	case domain.FieldTimestamp:
		t, err := coerceTimestamp(d, f, value)
		return t, err == nil, err
	case domain.FieldFloat:
		v, err := coerceFloat(f, value)
		return v, err == nil, err
	case domain.FieldString:
		v, err := coerceString(f, value)
		return v, err == nil, err
	case domain.FieldNested:
		switch value.(type) {
		case map[string]any, []any:
			return value, true, nil
		default:
			return nil, false, domain.NewFieldError(f.Name, domain.ErrType, value)
		}
	default:
		return nil, false, domain.NewFieldError(f.Name, domain.ErrType, value)
	}
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}

func coerceTimestamp(d domain.Descriptor, f domain.Field, value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		if t, ok := ParseTimestamp(v, d.ExtraLayouts...); ok {
			return t, nil
		}
	}
	return time.Time{}, domain.NewFieldError(f.Name, domain.ErrTimestampFormat, value)
}

func coerceFloat(f domain.Field, value any) (float64, error) {
	var (
		parsed float64
		err    error
	)
	switch v := value.(type) {
	case float64:
		parsed = v
	case float32:
		parsed = float64(v)
	case int:
		parsed = float64(v)
	case int64:
		parsed = float64(v)
	case json.Number:
		parsed, err = v.Float64()
	case string:
		parsed, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, domain.NewFieldError(f.Name, domain.ErrType, value)
	}
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return 0, domain.NewFieldError(f.Name, domain.ErrType, value)
	}
	return parsed, nil
}

func coerceString(f domain.Field, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", domain.NewFieldError(f.Name, domain.ErrType, value)
	}
	s = norm.NFC.String(strings.TrimSpace(s))
	if s == "" {
		return "", domain.NewFieldError(f.Name, domain.ErrMissingField, value)
	}
	if utf8.RuneCountInString(s) > MaxKeyFieldLength {
		return "", domain.NewFieldError(f.Name, domain.ErrTooLong, value)
	}
	return s, nil
}
