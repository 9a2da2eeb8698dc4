package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	approvaldomain "github.com/smallbiznis/powercasting/internal/approval/domain"
	auditdomain "github.com/smallbiznis/powercasting/internal/audit/domain"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
)

const (
	errTypeValidation  = "validation_error"
	errTypeNotFound    = "not_found"
	errTypeConflict    = "conflict"
	errTypeTooLarge    = "payload_too_large"
	errTypeRateLimited = "rate_limited"
	errTypeUnavailable = "service_unavailable"
	errTypeInternal    = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInvalidJSON        = errors.New("invalid_json")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrNotFound           = errors.New("not_found")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrInternal           = errors.New("internal_error")
)

type mappedError struct {
	status  int
	kind    string
	message string
}

// ErrorHandlingMiddleware renders the last handler error as {"error": msg}
// unless a response was already written.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		m := mapError(lastErr.Err)
		c.AbortWithStatusJSON(m.status, errorResponse{Error: m.message})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) mappedError {
	if err == nil {
		return mappedError{http.StatusInternalServerError, errTypeInternal, "Internal server error"}
	}

	switch {
	case errors.Is(err, datasetdomain.ErrPayloadShape):
		return mappedError{http.StatusBadRequest, errTypeValidation, "Payload must be a list of records"}
	case errors.Is(err, approvaldomain.ErrInvalidIDs):
		return mappedError{http.StatusBadRequest, errTypeValidation, "ids must be a non-empty list"}
	case errors.Is(err, approvaldomain.ErrInvalidID):
		return mappedError{http.StatusBadRequest, errTypeValidation, "Invalid record id"}
	case errors.Is(err, approvaldomain.ErrInvalidSort):
		return mappedError{http.StatusBadRequest, errTypeValidation, "Invalid sort field"}
	case errors.Is(err, approvaldomain.ErrInvalidLimit),
		errors.Is(err, auditdomain.ErrInvalidLimit):
		return mappedError{http.StatusBadRequest, errTypeValidation, "limit must be a positive integer"}
	case errors.Is(err, ErrInvalidJSON):
		return mappedError{http.StatusBadRequest, errTypeValidation, "Request body must be valid JSON"}
	case errors.Is(err, ErrInvalidRequest):
		return mappedError{http.StatusBadRequest, errTypeValidation, "Invalid request"}
	case errors.Is(err, datasetdomain.ErrValidation):
		return mappedError{http.StatusBadRequest, errTypeValidation, validationMessage(err)}
	case errors.Is(err, approvaldomain.ErrNoMatchingRecords):
		return mappedError{http.StatusNotFound, errTypeNotFound, "No matching documents found"}
	case errors.Is(err, approvaldomain.ErrRecordNotFound):
		return mappedError{http.StatusNotFound, errTypeNotFound, "Approval record not found"}
	case errors.Is(err, datasetdomain.ErrUnknownDataset),
		errors.Is(err, ErrNotFound):
		return mappedError{http.StatusNotFound, errTypeNotFound, "Not found"}
	case errors.Is(err, approvaldomain.ErrKeyConflict):
		return mappedError{http.StatusConflict, errTypeConflict, "Another record already uses this key"}
	case errors.Is(err, approvaldomain.ErrApprovalInProgress):
		return mappedError{http.StatusConflict, errTypeConflict, "Approval already in progress for these ids"}
	case errors.Is(err, ErrPayloadTooLarge):
		return mappedError{http.StatusRequestEntityTooLarge, errTypeTooLarge, "Request body too large"}
	case errors.Is(err, ErrRateLimited):
		return mappedError{http.StatusTooManyRequests, errTypeRateLimited, "Too many requests"}
	case errors.Is(err, ErrServiceUnavailable):
		return mappedError{http.StatusServiceUnavailable, errTypeUnavailable, "Service unavailable"}
	default:
		return mappedError{http.StatusInternalServerError, errTypeInternal, "Internal server error"}
	}
}

// validationMessage strips the sentinel prefix so clients see the field
// message alone.
func validationMessage(err error) string {
	var fieldErr *datasetdomain.FieldError
	if errors.As(err, &fieldErr) {
		return fieldErr.Error()
	}
	msg := strings.TrimPrefix(err.Error(), datasetdomain.ErrValidation.Error()+": ")
	if msg == "" {
		return "Invalid request"
	}
	return msg
}

func classifyErrorForLog(err error) (string, string) {
	m := mapError(err)
	if m.status >= http.StatusInternalServerError {
		return m.kind, errTypeInternal
	}
	var fieldErr *datasetdomain.FieldError
	if errors.As(err, &fieldErr) && fieldErr.Kind != nil {
		return m.kind, fieldErr.Kind.Error()
	}
	code := err.Error()
	if idx := strings.Index(code, ":"); idx > 0 {
		code = code[:idx]
	}
	return m.kind, code
}
