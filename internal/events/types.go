// Package events defines the session events published on the EventBus.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Server session
	EventParticipantConnecting    EventType = "participant_connecting"
	EventParticipantRejected      EventType = "participant_rejected"
	EventParticipantAuthenticated EventType = "participant_authenticated"
	EventAuthenticationFailed     EventType = "authentication_failed"
	EventParticipantLeft          EventType = "participant_left"
	EventAllReadyToGo             EventType = "all_ready_to_go"
	EventGameStarted              EventType = "game_started"
	EventPhaseChanged             EventType = "phase_changed"
	EventLongTick                 EventType = "long_tick"
	EventLagAlert                 EventType = "lag_alert"

	// Client session
	EventClientStateChanged EventType = "client_state_changed"

	// Commands
	EventKickParticipant EventType = "cmd_kick_participant"
	EventSetOutcome      EventType = "cmd_set_outcome"

	// System
	EventShutdown EventType = "shutdown"
)

// MatchPhase is the phase of a server session.
type MatchPhase int

const (
	PhaseWaitingForPlayers MatchPhase = iota
	PhaseActive
	PhaseDraw
	PhaseWinner
	PhaseExiting
)

var matchPhaseStrings = map[MatchPhase]string{
	PhaseWaitingForPlayers: "waiting_for_players",
	PhaseActive:            "active",
	PhaseDraw:              "draw",
	PhaseWinner:            "winner",
	PhaseExiting:           "exiting",
}

// String returns the string representation of MatchPhase.
func (p MatchPhase) String() string {
	if str, ok := matchPhaseStrings[p]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes MatchPhase as a JSON string (e.g. "active").
func (p MatchPhase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// Ended reports whether the match has a result or is shutting down.
func (p MatchPhase) Ended() bool {
	return p >= PhaseDraw
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// New creates an event stamped with the current time.
func New(eventType EventType, source string, payload interface{}) Event {
	return Event{
		Type:    eventType,
		Source:  source,
		Time:    time.Now(),
		Payload: payload,
	}
}

// ParticipantPayload describes a participant lifecycle change.
type ParticipantPayload struct {
	SessionID string `json:"session_id"`
	Identity  uint64 `json:"identity"`
	Position  uint32 `json:"position"`
	Reason    string `json:"reason,omitempty"`
	Debug     string `json:"debug,omitempty"`
}

// ReadyPayload is published when the readiness barrier fires.
type ReadyPayload struct {
	SessionID    string `json:"session_id"`
	Participants int    `json:"participants"`
}

// GameStartedPayload is published when the start payload goes out.
type GameStartedPayload struct {
	SessionID    string `json:"session_id"`
	Participants int    `json:"participants"`
	Frames       uint32 `json:"frames"`
	BufferSize   uint32 `json:"buffer_size"`
	Skipped      bool   `json:"skipped"`
}

// PhaseChangedPayload is published on every server phase transition.
type PhaseChangedPayload struct {
	SessionID string     `json:"session_id"`
	From      MatchPhase `json:"from"`
	To        MatchPhase `json:"to"`
}

// ClientStatePayload is published on client connection state changes.
type ClientStatePayload struct {
	Identity uint64 `json:"identity"`
	Server   uint64 `json:"server"`
	State    string `json:"state"`
	Phase    string `json:"phase"`
	Position uint32 `json:"position"`
	Reason   string `json:"reason,omitempty"`
}

// KickPayload asks a server session to remove a participant.
type KickPayload struct {
	Identity uint64 `json:"identity"`
	Reason   string `json:"reason,omitempty"`
}

// OutcomePayload asks a server session to record the match result.
type OutcomePayload struct {
	Phase MatchPhase `json:"phase"`
}

// LongTickPayload is published when one session tick overran its budget.
type LongTickPayload struct {
	SessionID  string `json:"session_id"`
	DurationMs uint32 `json:"duration_ms"`
	BudgetMs   uint32 `json:"budget_ms"`
}

// LagAlertPayload is published when long ticks cross a threshold.
type LagAlertPayload struct {
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Events    int    `json:"events"`
	Message   string `json:"message"`
}

// ShutdownPayload carries the reason the process is stopping.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
