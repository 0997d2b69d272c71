package platform

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/network"
)

// LogPresence records play state transitions in the log.
type LogPresence struct {
	logger zerolog.Logger

	mu    sync.Mutex
	state PlayState
}

// NewLogPresence creates a presence service for identity.
func NewLogPresence(identity network.Identity) *LogPresence {
	return &LogPresence{
		logger: log.With().
			Str("component", "presence").
			Str("identity", identity.String()).
			Logger(),
	}
}

// SetPlayState implements Presence.
func (p *LogPresence) SetPlayState(state PlayState) {
	p.mu.Lock()
	prev := p.state
	p.state = state
	p.mu.Unlock()

	if prev != state {
		p.logger.Info().Str("from", prev.String()).Str("to", state.String()).Msg("play state changed")
	}
}

// State returns the current play state.
func (p *LogPresence) State() PlayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
