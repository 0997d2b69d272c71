// Package network defines the relay transport contract used by client and
// server sessions, and provides two implementations: an in-process memory
// hub and a WebSocket relay.
package network

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Identity is the opaque platform handle of a participant.
type Identity uint64

// String returns the decimal form of the identity.
func (id Identity) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseIdentity parses the decimal form of an identity.
func ParseIdentity(s string) (Identity, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	return Identity(v), nil
}

// SendFlags select the delivery guarantees of a message.
type SendFlags int

const (
	SendUnreliable      SendFlags = 0
	SendNoNagle         SendFlags = 1
	SendReliable        SendFlags = 8
	SendReliableNoNagle SendFlags = SendReliable | SendNoNagle
)

// EndReason is the application-defined reason a connection ended.
type EndReason int

const (
	EndGeneric          EndReason = 1000
	EndClientDisconnect EndReason = 1001
	EndServerClosed     EndReason = 1002
	EndServerReject     EndReason = 1003
	EndServerFull       EndReason = 1004
	EndClientKicked     EndReason = 1005
	EndAuthFailed       EndReason = 1006
	EndException        EndReason = 2000
)

var endReasonStrings = map[EndReason]string{
	EndGeneric:          "generic",
	EndClientDisconnect: "client_disconnect",
	EndServerClosed:     "server_closed",
	EndServerReject:     "server_reject",
	EndServerFull:       "server_full",
	EndClientKicked:     "client_kicked",
	EndAuthFailed:       "auth_failed",
	EndException:        "exception",
}

// String returns the snake_case name of the reason.
func (r EndReason) String() string {
	if s, ok := endReasonStrings[r]; ok {
		return s
	}
	return "reason_" + strconv.Itoa(int(r))
}

// MarshalJSON serializes EndReason as a JSON string.
func (r EndReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Send errors. Every failed Send returns one of these or an *OtherError.
var (
	ErrInvalidParameter = errors.New("invalid connection handle or message too big")
	ErrInvalidState     = errors.New("connection is not in a state that allows sending")
	ErrNoConnection     = errors.New("connection has ended")
	ErrLimitExceeded    = errors.New("too much data queued for sending")
)

// OtherError is a transport failure without a dedicated classification.
type OtherError struct {
	Code int
}

func (e *OtherError) Error() string {
	return fmt.Sprintf("transport error %d", e.Code)
}

// SendErrorKind classifies a Send error for logs and metrics.
func SendErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNoConnection):
		return "no_connection"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	default:
		return "other"
	}
}

// EndInfo describes why a connection ended.
type EndInfo struct {
	Reason EndReason `json:"reason"`
	Debug  string    `json:"debug,omitempty"`
}

// Message is one inbound message. Data is owned by the receiver.
type Message struct {
	Data   []byte
	Sender Identity
	Conn   Connection
}

// Connection is one end of an established or pending connection.
type Connection interface {
	// Remote returns the identity of the peer.
	Remote() Identity
	// Send queues data for delivery. It never blocks.
	Send(data []byte, flags SendFlags) error
	// Receive returns up to max queued messages without blocking.
	Receive(max int) []Message
	// Close ends the connection. With linger, queued messages are
	// delivered before the peer sees the end.
	Close(reason EndReason, debug string, linger bool)
	// Ended reports whether and why the connection has ended.
	Ended() (EndInfo, bool)
}

// ConnectionRequest is an incoming connection awaiting a decision.
type ConnectionRequest interface {
	Remote() Identity
	Accept() error
	Reject(reason EndReason, debug string)
}

// StatusKind is the kind of a connection status event.
type StatusKind int

const (
	StatusConnecting StatusKind = iota
	StatusConnected
	StatusDisconnected
)

var statusKindStrings = map[StatusKind]string{
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
}

// String returns the string representation of StatusKind.
func (k StatusKind) String() string {
	if s, ok := statusKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// StatusEvent is a connection status change observed by a listener.
// Request is set for StatusConnecting; Conn for the other kinds.
type StatusEvent struct {
	Kind    StatusKind
	Remote  Identity
	Request ConnectionRequest
	Conn    Connection
	End     EndInfo
}

// Listener accepts incoming connections for one local identity.
type Listener interface {
	// PollEvent returns the next status event without blocking.
	PollEvent() (StatusEvent, bool)
	// Close stops accepting and ends every connection it produced.
	Close() error
}

// Dialer opens outgoing connections.
type Dialer interface {
	// Connect starts a connection to target and returns immediately. The
	// connection completes or ends in the background.
	Connect(ctx context.Context, target Identity) (Connection, error)
}

// Source is anything messages can be received from in batches.
type Source interface {
	Receive(max int) []Message
}
