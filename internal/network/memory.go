package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryInboxLimit bounds the messages queued on one memory connection.
const MemoryInboxLimit = 4096

// ErrIdentityInUse is returned when two listeners claim one identity.
var ErrIdentityInUse = errors.New("identity already has a listener")

// MemoryHub connects listeners and dialers inside one process.
type MemoryHub struct {
	mu        sync.Mutex
	listeners map[Identity]*MemoryListener
}

// NewMemoryHub creates an empty MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		listeners: make(map[Identity]*MemoryListener),
	}
}

// Listen registers a listener for local.
func (h *MemoryHub) Listen(local Identity) (*MemoryListener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.listeners[local]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityInUse, local)
	}

	l := &MemoryListener{hub: h, local: local}
	h.listeners[local] = l
	return l, nil
}

// Dialer returns a Dialer that connects as local.
func (h *MemoryHub) Dialer(local Identity) Dialer {
	return &memoryDialer{hub: h, local: local}
}

func (h *MemoryHub) lookup(id Identity) (*MemoryListener, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.listeners[id]
	return l, ok
}

func (h *MemoryHub) remove(l *MemoryListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[l.local] == l {
		delete(h.listeners, l.local)
	}
}

type memoryDialer struct {
	hub   *MemoryHub
	local Identity
}

func (d *memoryDialer) Connect(ctx context.Context, target Identity) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, ok := d.hub.lookup(target)
	if !ok {
		return nil, fmt.Errorf("no listener for identity %s", target)
	}

	client := &memConn{local: d.local, remote: target}
	server := &memConn{local: target, remote: d.local, listener: l}
	client.peer = server
	server.peer = client

	if !l.track(server) {
		return nil, fmt.Errorf("listener for identity %s is closed", target)
	}

	l.push(StatusEvent{
		Kind:    StatusConnecting,
		Remote:  d.local,
		Request: &memRequest{conn: server},
	})

	return client, nil
}

// MemoryListener is the listening side of a MemoryHub identity.
type MemoryListener struct {
	hub   *MemoryHub
	local Identity

	mu     sync.Mutex
	events []StatusEvent
	conns  []*memConn
	closed bool
}

// Identity returns the identity the listener accepts connections for.
func (l *MemoryListener) Identity() Identity {
	return l.local
}

// PollEvent returns the next status event without blocking.
func (l *MemoryListener) PollEvent() (StatusEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		return StatusEvent{}, false
	}
	ev := l.events[0]
	l.events = l.events[1:]
	return ev, true
}

// Close unregisters the listener and ends all of its connections.
func (l *MemoryListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := l.conns
	l.conns = nil
	l.events = nil
	l.mu.Unlock()

	l.hub.remove(l)
	for _, c := range conns {
		c.Close(EndServerClosed, "listener closed", false)
	}
	return nil
}

func (l *MemoryListener) track(c *memConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns = append(l.conns, c)
	return true
}

func (l *MemoryListener) untrack(c *memConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.conns {
		if existing == c {
			l.conns = append(l.conns[:i], l.conns[i+1:]...)
			return
		}
	}
}

func (l *MemoryListener) push(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.events = append(l.events, ev)
}

type memRequest struct {
	conn *memConn
}

func (r *memRequest) Remote() Identity {
	return r.conn.remote
}

func (r *memRequest) Accept() error {
	c := r.conn
	c.mu.Lock()
	if c.end != nil || c.accepted {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.accepted = true
	c.mu.Unlock()

	c.listener.push(StatusEvent{
		Kind:   StatusConnected,
		Remote: c.remote,
		Conn:   c,
	})
	return nil
}

func (r *memRequest) Reject(reason EndReason, debug string) {
	r.conn.Close(reason, debug, false)
}

// memConn is one end of an in-process connection pair.
type memConn struct {
	local  Identity
	remote Identity
	peer   *memConn

	// listener is set on the accepting end.
	listener *MemoryListener

	mu       sync.Mutex
	inbox    []Message
	end      *EndInfo
	accepted bool
}

func (c *memConn) Remote() Identity {
	return c.remote
}

func (c *memConn) Send(data []byte, flags SendFlags) error {
	if len(data) > MaxMessageSize {
		return ErrInvalidParameter
	}

	c.mu.Lock()
	ended := c.end != nil
	c.mu.Unlock()
	if ended {
		return ErrNoConnection
	}

	return c.peer.deliver(data, c.local)
}

func (c *memConn) deliver(data []byte, sender Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.end != nil {
		return ErrNoConnection
	}
	if len(c.inbox) >= MemoryInboxLimit {
		return ErrLimitExceeded
	}

	c.inbox = append(c.inbox, Message{
		Data:   append([]byte(nil), data...),
		Sender: sender,
		Conn:   c,
	})
	return nil
}

// Receive returns queued messages. Messages delivered before the peer
// closed with linger stay readable after the connection ended.
func (c *memConn) Receive(max int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if max <= 0 || len(c.inbox) == 0 {
		return nil
	}
	n := max
	if n > len(c.inbox) {
		n = len(c.inbox)
	}
	out := make([]Message, n)
	copy(out, c.inbox[:n])
	c.inbox = c.inbox[n:]
	return out
}

func (c *memConn) Close(reason EndReason, debug string, linger bool) {
	info := EndInfo{Reason: reason, Debug: debug}

	c.mu.Lock()
	if c.end != nil {
		c.mu.Unlock()
		return
	}
	c.end = &info
	c.inbox = nil
	c.mu.Unlock()

	if c.listener != nil {
		c.listener.untrack(c)
	}
	c.peer.remoteClosed(info, linger)
}

func (c *memConn) remoteClosed(info EndInfo, linger bool) {
	c.mu.Lock()
	if c.end != nil {
		c.mu.Unlock()
		return
	}
	c.end = &info
	if !linger {
		c.inbox = nil
	}
	accepted := c.accepted
	c.mu.Unlock()

	if c.listener == nil {
		return
	}
	c.listener.untrack(c)
	if accepted {
		c.listener.push(StatusEvent{
			Kind:   StatusDisconnected,
			Remote: c.remote,
			Conn:   c,
			End:    info,
		})
	}
}

func (c *memConn) Ended() (EndInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.end == nil {
		return EndInfo{}, false
	}
	return *c.end, true
}
