package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/network"
)

type kickRequest struct {
	Reason string `json:"reason"`
}

// handleKick asks the session to remove a participant. The kick is applied
// on the next tick.
func (s *Server) handleKick(c *gin.Context) {
	identity, err := network.ParseIdentity(c.Param("identity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req kickRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if _, ok := s.session.Snapshot().Participant(uint64(identity)); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant not found", "identity": identity.String()})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.New(events.EventKickParticipant, "api", events.KickPayload{
		Identity: uint64(identity),
		Reason:   req.Reason,
	}))

	s.logger.Info().
		Str("remote", identity.String()).
		Str("reason", req.Reason).
		Msg("API: kick requested")

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "kick_requested",
		"identity": identity.String(),
	})
}

var outcomePhases = map[string]events.MatchPhase{
	"draw":   events.PhaseDraw,
	"winner": events.PhaseWinner,
}

// handleSetOutcome records the match result.
func (s *Server) handleSetOutcome(c *gin.Context) {
	phase, ok := outcomePhases[c.Param("phase")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be draw or winner"})
		return
	}

	if s.session.Snapshot().Phase.Ended() {
		c.JSON(http.StatusConflict, gin.H{"error": "match already ended"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.New(events.EventSetOutcome, "api", events.OutcomePayload{
		Phase: phase,
	}))

	s.logger.Info().Str("outcome", phase.String()).Msg("API: outcome requested")

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "outcome_requested",
		"outcome": phase,
	})
}
