package platform

import (
	"sync"

	"github.com/framelink-project/framelink/internal/network"
)

// DefaultQueueSize is the capacity of a queue created with size <= 0.
const DefaultQueueSize = 256

// Event is something the platform tells a session about.
type Event interface {
	EventName() string
}

// ServerAssigned tells a client in a lobby which server to join.
type ServerAssigned struct {
	Server network.Identity
}

func (ServerAssigned) EventName() string { return "server_assigned" }

// ValidateAuthTicketResponse carries the result of BeginValidation.
type ValidateAuthTicketResponse struct {
	Identity network.Identity
	Outcome  AuthOutcome
}

func (ValidateAuthTicketResponse) EventName() string { return "validate_auth_ticket_response" }

// KickRequest asks a server session to remove a participant.
type KickRequest struct {
	Identity network.Identity
	Reason   string
}

func (KickRequest) EventName() string { return "kick_request" }

// EventQueue carries platform events to the session tick loop. Posting never
// races with Close: after Close every Post reports false.
type EventQueue struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewEventQueue creates a queue holding up to size events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &EventQueue{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Post enqueues ev, waiting while the queue is full. It returns false once
// the queue is closed.
func (q *EventQueue) Post(ev Event) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.events <- ev:
		return true
	case <-q.done:
		return false
	}
}

// TryNext returns the next event without blocking.
func (q *EventQueue) TryNext() (Event, bool) {
	select {
	case ev := <-q.events:
		return ev, true
	default:
		return nil, false
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.events)
}

// Close stops accepting events. Queued events can still be drained.
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}
