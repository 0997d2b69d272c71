package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay handshake headers.
const (
	HeaderIdentity  = "X-Framelink-Identity"
	HeaderTarget    = "X-Framelink-Target"
	HeaderEndReason = "X-Framelink-End-Reason"
	HeaderEndDebug  = "X-Framelink-End-Debug"

	// RelayPath is the upgrade endpoint served by ListenWS.
	RelayPath = "/relay"
)

// WSOptions tune a WSListener.
type WSOptions struct {
	// DecisionTimeout bounds how long a handshake waits for Accept or
	// Reject from the session loop.
	DecisionTimeout time.Duration
	// EventBuffer is the capacity of the status event queue.
	EventBuffer int
	// CheckOrigin is passed to the upgrader; nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultWSOptions returns the default listener options.
func DefaultWSOptions() WSOptions {
	return WSOptions{
		DecisionTimeout: 10 * time.Second,
		EventBuffer:     1024,
	}
}

// WSListener accepts relay connections over WebSocket upgrades. Each
// handshake becomes a StatusConnecting event and waits for the session loop
// to accept or reject it.
type WSListener struct {
	local    Identity
	opts     WSOptions
	upgrader websocket.Upgrader
	registry *ConnectionRegistry
	events   chan StatusEvent
	logger   zerolog.Logger

	mu         sync.Mutex
	closed     bool
	httpServer *http.Server
	addr       net.Addr
}

// NewWSListener creates a listener to be mounted on an existing HTTP server.
func NewWSListener(local Identity, opts WSOptions) *WSListener {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultWSOptions().DecisionTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultWSOptions().EventBuffer
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &WSListener{
		local: local,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		registry: NewConnectionRegistry(),
		events:   make(chan StatusEvent, opts.EventBuffer),
		logger: log.With().
			Str("component", "relay_listener").
			Str("identity", local.String()).
			Logger(),
	}
}

// ListenWS binds addr and serves the relay endpoint until Close.
func ListenWS(ctx context.Context, addr string, local Identity, opts WSOptions) (*WSListener, error) {
	l := NewWSListener(local, opts)

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start relay listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(RelayPath, l)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	l.mu.Lock()
	l.httpServer = srv
	l.addr = ln.Addr()
	l.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("relay listener stopped")
		}
	}()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listener started")
	return l, nil
}

// Addr returns the bound address, or nil when mounted externally.
func (l *WSListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Identity returns the identity the listener accepts connections for.
func (l *WSListener) Identity() Identity {
	return l.local
}

// PollEvent returns the next status event without blocking.
func (l *WSListener) PollEvent() (StatusEvent, bool) {
	select {
	case ev := <-l.events:
		return ev, true
	default:
		return StatusEvent{}, false
	}
}

// Close stops serving and ends every relay connection.
func (l *WSListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	srv := l.httpServer
	l.mu.Unlock()

	l.registry.CloseAll(EndServerClosed, "server closed")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop relay listener: %w", err)
		}
	}

	l.logger.Info().Msg("relay listener stopped")
	return nil
}

func (l *WSListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *WSListener) push(ev StatusEvent) bool {
	if l.isClosed() {
		return false
	}
	select {
	case l.events <- ev:
		return true
	default:
		l.logger.Warn().Str("kind", ev.Kind.String()).Str("remote", ev.Remote.String()).Msg("status event queue full, dropping event")
		return false
	}
}

// ServeHTTP runs one relay handshake.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remote, err := ParseIdentity(r.Header.Get(HeaderIdentity))
	if err != nil || remote == 0 {
		http.Error(w, "missing or invalid caller identity", http.StatusBadRequest)
		return
	}

	target, err := ParseIdentity(r.Header.Get(HeaderTarget))
	if err != nil || target != l.local {
		http.Error(w, "unknown target identity", http.StatusNotFound)
		return
	}

	if l.isClosed() {
		rejectHandshake(w, EndInfo{Reason: EndServerClosed, Debug: "server closed"})
		return
	}

	req := newWSRequest(remote)
	if !l.push(StatusEvent{Kind: StatusConnecting, Remote: remote, Request: req}) {
		rejectHandshake(w, EndInfo{Reason: EndServerReject, Debug: "server busy"})
		return
	}

	timer := time.NewTimer(l.opts.DecisionTimeout)
	defer timer.Stop()

	var decision wsDecision
	select {
	case decision = <-req.decision:
	case <-timer.C:
		if !req.expire() {
			rejectHandshake(w, EndInfo{Reason: EndServerReject, Debug: "connection request timed out"})
			return
		}
		decision = <-req.decision
	case <-r.Context().Done():
		if !req.expire() {
			return
		}
		decision = <-req.decision
	}

	if !decision.accept {
		rejectHandshake(w, decision.info)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", remote.String()).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(remote, l.onEnd)
	conn.release = l.registry.Remove
	conn.attach(ws)
	l.registry.Register(conn)

	if !l.push(StatusEvent{Kind: StatusConnected, Remote: remote, Conn: conn}) {
		conn.Close(EndServerClosed, "server closed", false)
	}
}

func (l *WSListener) onEnd(conn *wsConn, info EndInfo) {
	l.registry.Remove(conn)
	l.push(StatusEvent{
		Kind:   StatusDisconnected,
		Remote: conn.remote,
		Conn:   conn,
		End:    info,
	})
}

func rejectHandshake(w http.ResponseWriter, info EndInfo) {
	w.Header().Set(HeaderEndReason, strconv.Itoa(int(info.Reason)))
	w.Header().Set(HeaderEndDebug, info.Debug)
	http.Error(w, info.Debug, http.StatusServiceUnavailable)
}

type wsDecision struct {
	accept bool
	info   EndInfo
}

const (
	requestPending = iota
	requestDecided
	requestExpired
)

// wsRequest is a handshake waiting for the session loop.
type wsRequest struct {
	remote   Identity
	decision chan wsDecision

	mu    sync.Mutex
	state int
}

func newWSRequest(remote Identity) *wsRequest {
	return &wsRequest{
		remote:   remote,
		decision: make(chan wsDecision, 1),
	}
}

func (r *wsRequest) Remote() Identity {
	return r.remote
}

func (r *wsRequest) Accept() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != requestPending {
		return ErrInvalidState
	}
	r.state = requestDecided
	r.decision <- wsDecision{accept: true}
	return nil
}

func (r *wsRequest) Reject(reason EndReason, debug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != requestPending {
		return
	}
	r.state = requestDecided
	r.decision <- wsDecision{info: EndInfo{Reason: reason, Debug: debug}}
}

// expire gives up on a pending request. It returns true when a decision
// arrived first and is waiting on the channel.
func (r *wsRequest) expire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == requestPending {
		r.state = requestExpired
		return false
	}
	return true
}
