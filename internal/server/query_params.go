package server

import (
	"strconv"
	"strings"

	approvaldomain "github.com/smallbiznis/powercasting/internal/approval/domain"
	auditdomain "github.com/smallbiznis/powercasting/internal/audit/domain"
)

type listQuery struct {
	Sort  string `form:"sort"`
	Order string `form:"order"`
	Limit string `form:"limit"`
}

func (q listQuery) descending() bool {
	return strings.EqualFold(strings.TrimSpace(q.Order), "desc")
}

// parseOptionalInt returns nil for an empty value.
func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseListLimit leaves range checks to the service: 0 means default.
func parseListLimit(value string) (int, error) {
	parsed, err := parseOptionalInt(value)
	if err != nil {
		return 0, approvaldomain.ErrInvalidLimit
	}
	if parsed == nil {
		return 0, nil
	}
	if *parsed <= 0 {
		return 0, approvaldomain.ErrInvalidLimit
	}
	return *parsed, nil
}

func parseHistoryLimit(value string) (*int, error) {
	parsed, err := parseOptionalInt(value)
	if err != nil {
		return nil, auditdomain.ErrInvalidLimit
	}
	if parsed != nil && *parsed <= 0 {
		return nil, auditdomain.ErrInvalidLimit
	}
	return parsed, nil
}
