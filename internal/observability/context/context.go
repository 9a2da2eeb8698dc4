package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	uploaderKey  ctxKey = "uploader"
	datasetKey   ctxKey = "dataset"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithUploader records the caller-supplied uploader identity. The value is
// trusted as-is.
func WithUploader(ctx stdcontext.Context, uploader string) stdcontext.Context {
	return withString(ctx, uploaderKey, uploader)
}

func UploaderFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, uploaderKey)
}

func WithDataset(ctx stdcontext.Context, dataset string) stdcontext.Context {
	return withString(ctx, datasetKey, dataset)
}

func DatasetFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, datasetKey)
}

func withString(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func stringFrom(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
