package network

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// ReadTimeout is how long a relay connection may stay silent. Pings keep
	// idle connections inside the window.
	ReadTimeout  = 60 * time.Second
	PingInterval = 20 * time.Second
	WriteTimeout = 10 * time.Second

	inboxLimit  = 1024
	outboxLimit = 256

	// closeTextLimit is what remains of a close frame after the status code.
	closeTextLimit = 123
)

type closeRequest struct {
	info   EndInfo
	linger bool
}

// wsConn is a relay connection carried over a WebSocket. Sends queue on a
// bounded outbox drained by a writer goroutine; a reader goroutine fills a
// bounded inbox.
type wsConn struct {
	remote Identity
	logger zerolog.Logger

	// onEnd is called once when the peer or the socket ends the connection.
	onEnd func(*wsConn, EndInfo)
	// release is called once when the connection is closed locally.
	release func(*wsConn)

	mu           sync.Mutex
	ws           *websocket.Conn
	end          *EndInfo
	connectedAt  time.Time
	lastActivity time.Time

	inbox   chan Message
	outbox  chan []byte
	closing chan closeRequest

	stop     chan struct{}
	stopOnce sync.Once
}

func newWSConn(remote Identity, onEnd func(*wsConn, EndInfo)) *wsConn {
	return &wsConn{
		remote:  remote,
		onEnd:   onEnd,
		inbox:   make(chan Message, inboxLimit),
		outbox:  make(chan []byte, outboxLimit),
		closing: make(chan closeRequest, 1),
		stop:    make(chan struct{}),
		logger: log.With().
			Str("component", "relay_connection").
			Str("remote", remote.String()).
			Logger(),
	}
}

// attach binds an established socket and starts the pumps. A connection
// closed while dialing sends its close frame immediately.
func (c *wsConn) attach(ws *websocket.Conn) {
	ws.SetReadLimit(MaxMessageSize)

	c.mu.Lock()
	if c.end != nil {
		info := *c.end
		c.mu.Unlock()
		writeClose(ws, info)
		ws.Close()
		return
	}
	now := time.Now()
	c.ws = ws
	c.connectedAt = now
	c.lastActivity = now
	c.mu.Unlock()

	go c.readLoop(ws)
	go c.writeLoop(ws)
}

// fail ends a connection that never got a socket.
func (c *wsConn) fail(info EndInfo) {
	c.remoteEnded(info)
}

func (c *wsConn) Remote() Identity {
	return c.remote
}

func (c *wsConn) Send(data []byte, flags SendFlags) error {
	if len(data) > MaxMessageSize {
		return ErrInvalidParameter
	}

	c.mu.Lock()
	ended := c.end != nil
	c.mu.Unlock()
	if ended {
		return ErrNoConnection
	}

	select {
	case c.outbox <- append([]byte(nil), data...):
		return nil
	default:
		return ErrLimitExceeded
	}
}

func (c *wsConn) Receive(max int) []Message {
	var out []Message
	for len(out) < max {
		select {
		case msg := <-c.inbox:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

func (c *wsConn) Close(reason EndReason, debug string, linger bool) {
	info := EndInfo{Reason: reason, Debug: debug}

	c.mu.Lock()
	if c.end != nil {
		c.mu.Unlock()
		return
	}
	c.end = &info
	c.mu.Unlock()

	c.closing <- closeRequest{info: info, linger: linger}
	c.drainInbox()
	if c.release != nil {
		c.release(c)
	}

	c.logger.Debug().Str("reason", reason.String()).Str("debug", debug).Msg("connection closed")
}

func (c *wsConn) Ended() (EndInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.end == nil {
		return EndInfo{}, false
	}
	return *c.end, true
}

// LastActivity returns the time of the last inbound message.
func (c *wsConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *wsConn) drainInbox() {
	for {
		select {
		case <-c.inbox:
		default:
			return
		}
	}
}

func (c *wsConn) remoteEnded(info EndInfo) {
	c.mu.Lock()
	first := c.end == nil
	if first {
		c.end = &info
	}
	ws := c.ws
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if ws != nil {
		ws.Close()
	}

	if first {
		c.logger.Debug().Str("reason", info.Reason.String()).Str("debug", info.Debug).Msg("connection ended by peer")
		if c.onEnd != nil {
			c.onEnd(c, info)
		}
	}
}

func (c *wsConn) readLoop(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(ReadTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.remoteEnded(endInfoFromError(err))
			return
		}

		ws.SetReadDeadline(time.Now().Add(ReadTimeout))
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		select {
		case c.inbox <- Message{Data: data, Sender: c.remote, Conn: c}:
		case <-c.stop:
			return
		}
	}
}

func (c *wsConn) writeLoop(ws *websocket.Conn) {
	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-c.outbox:
			if err := writeBinary(ws, data); err != nil {
				c.remoteEnded(EndInfo{Reason: EndException, Debug: err.Error()})
				return
			}

		case req := <-c.closing:
			if req.linger {
				c.flushOutbox(ws)
			}
			writeClose(ws, req.info)
			ws.Close()
			c.stopOnce.Do(func() { close(c.stop) })
			return

		case <-ping.C:
			deadline := time.Now().Add(WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.remoteEnded(EndInfo{Reason: EndException, Debug: err.Error()})
				return
			}

		case <-c.stop:
			return
		}
	}
}

func (c *wsConn) flushOutbox(ws *websocket.Conn) {
	for {
		select {
		case data := <-c.outbox:
			if err := writeBinary(ws, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeBinary(ws *websocket.Conn, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

func writeClose(ws *websocket.Conn, info EndInfo) {
	text := info.Debug
	if len(text) > closeTextLimit {
		text = text[:closeTextLimit]
	}
	msg := websocket.FormatCloseMessage(closeCode(info.Reason), text)
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// closeCode maps an end reason into the private close code range.
func closeCode(r EndReason) int {
	if r >= EndGeneric && r < EndGeneric+999 {
		return 4000 + int(r-EndGeneric)
	}
	return 4999
}

func endInfoFromError(err error) EndInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == 4999:
			return EndInfo{Reason: EndException, Debug: ce.Text}
		case ce.Code >= 4000 && ce.Code < 4999:
			return EndInfo{Reason: EndGeneric + EndReason(ce.Code-4000), Debug: ce.Text}
		default:
			return EndInfo{Reason: EndGeneric, Debug: ce.Text}
		}
	}
	return EndInfo{Reason: EndException, Debug: err.Error()}
}

// ConnectionRegistry tracks the live relay connections of a listener.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[Identity]*wsConn
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[Identity]*wsConn),
	}
}

// Register adds a connection, ending any older connection of the same peer.
func (r *ConnectionRegistry) Register(conn *wsConn) {
	r.mu.Lock()
	existing, ok := r.conns[conn.remote]
	r.conns[conn.remote] = conn
	r.mu.Unlock()

	if ok && existing != conn {
		existing.Close(EndServerReject, "replaced by a newer connection", false)
	}
	log.Debug().Str("remote", conn.remote.String()).Msg("connection registered")
}

// Remove forgets conn if it is still the registered connection of its peer.
func (r *ConnectionRegistry) Remove(conn *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[conn.remote] == conn {
		delete(r.conns, conn.remote)
		log.Debug().Str("remote", conn.remote.String()).Msg("connection unregistered")
	}
}

// Get returns the connection registered for a peer.
func (r *ConnectionRegistry) Get(remote Identity) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[remote]
	if !ok {
		return nil, false
	}
	return conn, true
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll ends and forgets every registered connection.
func (r *ConnectionRegistry) CloseAll(reason EndReason, debug string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[Identity]*wsConn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(reason, debug, false)
	}
	log.Info().Int("count", len(conns)).Msg("all relay connections closed")
}
