package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/powercasting/internal/audit/domain"
	obscontext "github.com/smallbiznis/powercasting/internal/observability/context"
)

const defaultAuditBodyBytes = 64 * 1024

// boundedBuffer keeps the first max bytes written to it and drops the rest.
type boundedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

type captureWriter struct {
	gin.ResponseWriter
	body *boundedBuffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	_, _ = w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	_, _ = w.body.Write([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

// AuditCapture hands every mutating request and its response to the audit
// queue after the handler has run. Enqueue never blocks, so a saturated
// audit store never slows the request down.
func (s *Server) AuditCapture() gin.HandlerFunc {
	maxBody := s.cfg.Audit.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultAuditBodyBytes
	}

	return func(c *gin.Context) {
		if s.auditSvc == nil || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		reqBody := &boundedBuffer{max: maxBody}
		if c.Request.Body != nil {
			c.Request.Body = readCloser{
				Reader: io.TeeReader(c.Request.Body, reqBody),
				Closer: c.Request.Body,
			}
		}

		respBody := &boundedBuffer{max: maxBody}
		c.Writer = &captureWriter{ResponseWriter: c.Writer, body: respBody}

		c.Next()

		if !c.Writer.Written() {
			// ErrorHandlingMiddleware renders after us; render the error
			// here so the entry records what the client saw.
			if lastErr := c.Errors.Last(); lastErr != nil {
				m := mapError(lastErr.Err)
				c.AbortWithStatusJSON(m.status, errorResponse{Error: m.message})
			}
		}

		s.auditSvc.Enqueue(auditdomain.Capture{
			Endpoint:       c.Request.URL.Path,
			Method:         c.Request.Method,
			RequestBody:    reqBody.buf.Bytes(),
			Uploader:       uploaderFrom(c),
			ResponseStatus: c.Writer.Status(),
			ResponseBody:   respBody.buf.Bytes(),
			RequestID:      obscontext.RequestIDFromContext(c.Request.Context()),
			At:             time.Now().UTC(),
		})
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
