package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListDatasets(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.All())
}
