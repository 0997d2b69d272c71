package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/framelink-project/framelink/internal/util"
)

const redacted = "********"

// handleGetSession returns the last session snapshot.
func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

// handleGetParticipants returns the participant records.
func (s *Server) handleGetParticipants(c *gin.Context) {
	snap := s.session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"participants": snap.Participants,
		"pending":      snap.Pending,
		"active":       snap.Active,
		"max_players":  snap.MaxPlayers,
	})
}

// handleGetLag returns long tick statistics and history.
func (s *Server) handleGetLag(c *gin.Context) {
	lag := s.session.Lag()
	c.JSON(http.StatusOK, gin.H{
		"stats":   lag.Stats(),
		"history": lag.History(),
	})
}

// handleGetSystem returns host information and load.
func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"usage":  util.GetResourceUsage(),
	})
}

// handleGetConfig returns the current configuration with secrets redacted.
func (s *Server) handleGetConfig(c *gin.Context) {
	app := s.cfg.GetApplicationData()
	if app.Auth.Secret != "" {
		app.Auth.Secret = redacted
	}
	if app.API.AuthToken != "" {
		app.API.AuthToken = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"session":          s.cfg.GetSession(),
		"client":           s.cfg.GetClient(),
		"application_data": app,
	})
}
