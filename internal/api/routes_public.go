package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	snap := s.session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "framelink",
		"phase":   snap.Phase,
	})
}

// handleGetVersion returns the build version.
func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":       "framelink",
		"version":    s.version,
		"go_version": runtime.Version(),
	})
}
