package server

import (
	"time"

	"github.com/framelink-project/framelink/internal/network"
)

// ParticipantState is the admission state of a participant record.
type ParticipantState int

const (
	StatePending ParticipantState = iota
	StateValidating
	StateActive
)

var participantStateStrings = map[ParticipantState]string{
	StatePending:    "pending",
	StateValidating: "validating",
	StateActive:     "active",
}

// String returns the string representation of ParticipantState.
func (s ParticipantState) String() string {
	if str, ok := participantStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ParticipantState as a JSON string.
func (s ParticipantState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// participant is one connected identity. Records move from the pending list
// to the active list when their ticket validates; the position assigned on
// admission never changes.
type participant struct {
	identity network.Identity
	conn     network.Connection
	position uint32

	validating   bool
	validated    bool
	loadComplete bool

	connectedAt  time.Time
	lastActivity time.Time
}

func (p *participant) state() ParticipantState {
	switch {
	case p.validated:
		return StateActive
	case p.validating:
		return StateValidating
	default:
		return StatePending
	}
}

func (p *participant) info() ParticipantInfo {
	return ParticipantInfo{
		Identity:     uint64(p.identity),
		Position:     p.position,
		State:        p.state(),
		LoadComplete: p.loadComplete,
		ConnectedAt:  p.connectedAt,
		LastActivity: p.lastActivity,
	}
}

// roster is an ordered participant list. Lookups are linear; sessions hold
// at most a few hundred records.
type roster []*participant

func (r roster) find(identity network.Identity) *participant {
	for _, p := range r {
		if p.identity == identity {
			return p
		}
	}
	return nil
}

func (r roster) without(p *participant) roster {
	for i, q := range r {
		if q == p {
			return append(r[:i], r[i+1:]...)
		}
	}
	return r
}

func (r roster) validating() int {
	n := 0
	for _, p := range r {
		if p.validating {
			n++
		}
	}
	return n
}
