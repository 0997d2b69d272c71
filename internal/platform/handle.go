// Package platform defines the identity, ticket and presence services a
// session depends on, and the queue their asynchronous results arrive on.
package platform

import (
	"errors"

	"github.com/framelink-project/framelink/internal/network"
)

// TicketHandle identifies an issued ticket so it can be cancelled.
type TicketHandle uint32

// InvalidTicketHandle is never returned by a successful IssueTicket.
const InvalidTicketHandle TicketHandle = 0

// TicketIssuer issues authentication tickets for the local identity.
type TicketIssuer interface {
	IssueTicket() (TicketHandle, []byte, error)
	CancelTicket(handle TicketHandle)
}

// TicketValidator checks tickets presented by remote identities. Results are
// posted to the queue as ValidateAuthTicketResponse events.
type TicketValidator interface {
	BeginValidation(identity network.Identity, ticket []byte) error
	// EndValidation forgets identity; a result still in flight is dropped.
	EndValidation(identity network.Identity)
}

// PlayState is the presence state shown to friends.
type PlayState int

const (
	PlayOffline PlayState = iota
	PlayActive
)

var playStateStrings = map[PlayState]string{
	PlayOffline: "offline",
	PlayActive:  "playing",
}

// String returns the string representation of PlayState.
func (s PlayState) String() string {
	if str, ok := playStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Presence publishes the local play state.
type Presence interface {
	SetPlayState(state PlayState)
}

// AuthOutcome is the result of a ticket validation.
type AuthOutcome int

const (
	AuthOK AuthOutcome = iota
	AuthInvalidTicket
	AuthExpired
	AuthReplayed
	AuthCancelled
	AuthIdentityMismatch
)

var authOutcomeStrings = map[AuthOutcome]string{
	AuthOK:               "ok",
	AuthInvalidTicket:    "invalid_ticket",
	AuthExpired:          "expired",
	AuthReplayed:         "replayed",
	AuthCancelled:        "cancelled",
	AuthIdentityMismatch: "identity_mismatch",
}

// String returns the string representation of AuthOutcome.
func (o AuthOutcome) String() string {
	if str, ok := authOutcomeStrings[o]; ok {
		return str
	}
	return "unknown"
}

// Errors returned synchronously by BeginValidation.
var (
	ErrInvalidTicket    = errors.New("ticket is malformed")
	ErrDuplicateRequest = errors.New("validation already in progress for identity")
)

// Handle bundles the platform services of one process. It is passed to a
// session explicitly; a client needs Tickets and Presence, a server needs
// Validator.
type Handle struct {
	Identity  network.Identity
	Tickets   TicketIssuer
	Validator TicketValidator
	Presence  Presence
	Queue     *EventQueue
}

// ErrIncompleteHandle is returned by the Check methods.
var ErrIncompleteHandle = errors.New("platform handle is incomplete")

// CheckClient verifies the services a client session uses.
func (h Handle) CheckClient() error {
	if h.Identity == 0 || h.Tickets == nil || h.Presence == nil || h.Queue == nil {
		return ErrIncompleteHandle
	}
	return nil
}

// CheckServer verifies the services a server session uses.
func (h Handle) CheckServer() error {
	if h.Identity == 0 || h.Validator == nil || h.Queue == nil {
		return ErrIncompleteHandle
	}
	return nil
}
