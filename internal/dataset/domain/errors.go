package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadShape    = errors.New("payload_shape")
	ErrValidation      = errors.New("validation_error")
	ErrMissingField    = errors.New("missing_field")
	ErrTimestampFormat = errors.New("timestamp_format")
	ErrType            = errors.New("type_error")
	ErrTooLong         = errors.New("too_long")
	ErrUnknownField    = errors.New("unknown_field")
	ErrReservedField   = errors.New("reserved_field")
	ErrUnknownDataset  = errors.New("unknown_dataset")

	ErrRowShape   = fmt.Errorf("%w: row must be a JSON object", ErrValidation)
	ErrEmptyPatch = fmt.Errorf("%w: request must contain fields to update", ErrValidation)
)

// FieldError describes why a single field of a row was rejected. It matches
// both its kind and ErrValidation under errors.Is.
type FieldError struct {
	Field string
	Kind  error
	Value any
}

func NewFieldError(field string, kind error, value any) *FieldError {
	return &FieldError{Field: field, Kind: kind, Value: value}
}

func (e *FieldError) Error() string {
	switch e.Kind {
	case ErrMissingField:
		return fmt.Sprintf("missing required field '%s'", e.Field)
	case ErrTimestampFormat:
		return fmt.Sprintf("invalid timestamp format for '%s': %q", e.Field, fmt.Sprint(e.Value))
	case ErrType:
		return fmt.Sprintf("field '%s' has invalid value %s", e.Field, describe(e.Value))
	case ErrTooLong:
		return fmt.Sprintf("field '%s' is too long", e.Field)
	case ErrUnknownField:
		return fmt.Sprintf("unknown field '%s'", e.Field)
	case ErrReservedField:
		return fmt.Sprintf("field '%s' cannot be set", e.Field)
	default:
		return fmt.Sprintf("invalid field '%s'", e.Field)
	}
}

func (e *FieldError) Unwrap() []error {
	return []error{e.Kind, ErrValidation}
}

func describe(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v (%T)", v, v)
	}
}
