package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const messageHistoryDeleted = "Transaction history deleted"

type historyQuery struct {
	Limit string `form:"limit"`
}

func (s *Server) ListTransactionHistory(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	limit, err := parseHistoryLimit(query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	n := 0
	if limit != nil {
		n = *limit
	}
	entries, err := s.auditSvc.List(c.Request.Context(), n)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

func (s *Server) DeleteTransactionHistory(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	limit, err := parseHistoryLimit(query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	deleted, err := s.auditSvc.Delete(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":       messageHistoryDeleted,
		"deleted_count": deleted,
	})
}
