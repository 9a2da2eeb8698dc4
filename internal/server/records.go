package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	approvaldomain "github.com/smallbiznis/powercasting/internal/approval/domain"
	"github.com/smallbiznis/powercasting/internal/config"
	ingestdomain "github.com/smallbiznis/powercasting/internal/ingest/domain"
	obscontext "github.com/smallbiznis/powercasting/internal/observability/context"
	obslogger "github.com/smallbiznis/powercasting/internal/observability/logger"
	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
)

const contextDatasetKey = "dataset"

type approveRequest struct {
	IDs []string `json:"ids"`
}

// withDataset pins the dataset code for every handler in a route group.
func withDataset(code string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(contextDatasetKey, code)
		c.Request = c.Request.WithContext(obscontext.WithDataset(c.Request.Context(), code))
		c.Next()
	}
}

func datasetFrom(c *gin.Context) string {
	return c.GetString(contextDatasetKey)
}

func uploaderFrom(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(obslogger.UploaderHeader))
}

func (s *Server) BulkAdd(c *gin.Context) {
	payload, err := decodeJSON(c, requestLimit(s.cfg))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.ingestSvc.BulkUpsert(c.Request.Context(), ingestdomain.BulkUpsertRequest{
		Dataset:  datasetFrom(c),
		Uploader: uploaderFrom(c),
		Payload:  payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if summary.Received == 0 {
		c.JSON(http.StatusOK, gin.H{"message": summary.Message})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) AddRecord(c *gin.Context) {
	row, err := decodeJSON(c, requestLimit(s.cfg))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.ingestSvc.Add(c.Request.Context(), ingestdomain.AddRequest{
		Dataset:  datasetFrom(c),
		Uploader: uploaderFrom(c),
		Row:      row,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) ListApprovals(c *gin.Context) {
	s.listStore(c, recorddomain.Staging)
}

func (s *Server) ListRecords(c *gin.Context) {
	s.listStore(c, recorddomain.Final)
}

func (s *Server) listStore(c *gin.Context, store recorddomain.Store) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	limit, err := parseListLimit(query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	records, err := s.approvalSvc.List(c.Request.Context(), approvaldomain.ListRequest{
		Dataset:    datasetFrom(c),
		Store:      store,
		Sort:       query.Sort,
		Descending: query.descending(),
		Limit:      limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, records)
}

func (s *Server) ApproveRecords(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, requestLimit(s.cfg))

	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, approvaldomain.ErrInvalidIDs)
		return
	}

	summary, err := s.approvalSvc.Approve(c.Request.Context(), approvaldomain.ApproveRequest{
		Dataset: datasetFrom(c),
		IDs:     req.IDs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) UpdateApproval(c *gin.Context) {
	body, err := decodeJSON(c, requestLimit(s.cfg))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	patch, ok := body.(map[string]any)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.approvalSvc.Update(c.Request.Context(), approvaldomain.UpdateRequest{
		Dataset: datasetFrom(c),
		ID:      c.Param("id"),
		Patch:   patch,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) DeleteApproval(c *gin.Context) {
	resp, err := s.approvalSvc.Delete(c.Request.Context(), datasetFrom(c), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// decodeJSON reads exactly one JSON value of at most limit bytes from the
// body. Numbers are kept as json.Number so integer readings survive without
// float rounding.
func decodeJSON(c *gin.Context, limit int64) (any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrPayloadTooLarge
		}
		return nil, ErrInvalidRequest
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, ErrInvalidJSON
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrInvalidJSON
	}
	return out, nil
}

func requestLimit(cfg config.Config) int64 {
	if cfg.MaxRequestBytes <= 0 {
		return config.DefaultMaxRequestBytes
	}
	return cfg.MaxRequestBytes
}
