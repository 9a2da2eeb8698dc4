package normalize

import (
	"strings"
	"time"
)

// StrictLayout is tried before any ISO-8601 variant.
const StrictLayout = "2006-01-02 15:04:05"

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04Z07:00",
	"2006-01-02",
}

// ParseTimestamp parses s with the strict layout, then ISO-8601 variants, then
// any dataset-specific layouts. Literals without an offset are read as UTC.
// The result is always in UTC.
func ParseTimestamp(s string, extra ...string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(StrictLayout, s); err == nil {
		return t.UTC(), true
	}

	iso := s
	if strings.HasSuffix(iso, "Z") || strings.HasSuffix(iso, "z") {
		iso = iso[:len(iso)-1] + "+00:00"
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.UTC(), true
		}
	}

	legacy := strings.TrimSuffix(s, " GMT")
	for _, layout := range extra {
		if t, err := time.Parse(layout, legacy); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way stored documents carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
