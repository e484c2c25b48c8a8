package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleGetRequest(c *gin.Context) {
	rec, ok := s.tracker.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
