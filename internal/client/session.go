// Package client implements the client side of a session: connecting to an
// assigned server, authenticating with a ticket, and exchanging frames.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/frame"
	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/platform"
	"github.com/framelink-project/framelink/internal/protocol"
	"github.com/framelink-project/framelink/internal/telemetry"
	"github.com/framelink-project/framelink/internal/util"
)

const (
	// DefaultReceiveBatch bounds the messages dispatched per tick.
	DefaultReceiveBatch = 32
	// DefaultTickInterval is used by Run when no tick rate is configured.
	DefaultTickInterval = 16 * time.Millisecond

	queueBatch = 16

	role = "client"
)

var (
	ErrNoDialer        = errors.New("dialer is required")
	ErrNotFree         = errors.New("session already initialized")
	ErrNotInLobby      = errors.New("session is not in a lobby")
	ErrNotConnected    = errors.New("not connected to a server")
	ErrReservedChannel = errors.New("channel 0 is reserved for game data")
	ErrEmptyPayload    = errors.New("payload is empty")
	ErrPayloadTooLarge = errors.New("payload exceeds the entry size limit")
	ErrInvalidServerID = errors.New("server identity is required")
)

// Options carries the optional collaborators of a Session.
type Options struct {
	Handler Handler
	Bus     *events.EventBus
	Metrics *telemetry.Metrics
}

// Session is one client session. All methods are safe for concurrent use;
// Handler callbacks are invoked without the session lock held.
type Session struct {
	cfg     config.ClientConfig
	handle  platform.Handle
	dialer  network.Dialer
	handler Handler
	bus     *events.EventBus
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	state    ConnectionState
	phase    SessionPhase
	server   network.Identity
	info     protocol.ServerSendInfo
	conn     network.Connection
	ticket   platform.TicketHandle
	position uint32
	counters Counters

	// notify holds the callbacks collected while the lock was held.
	notify []func()
}

// NewSession creates a client session for the local identity of handle.
func NewSession(cfg config.ClientConfig, handle platform.Handle, dialer network.Dialer, opts Options) (*Session, error) {
	if err := handle.CheckClient(); err != nil {
		return nil, fmt.Errorf("failed to create client session: %w", err)
	}
	if dialer == nil {
		return nil, ErrNoDialer
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = DefaultReceiveBatch
	}

	handler := opts.Handler
	if handler == nil {
		handler = NopHandler{}
	}

	return &Session{
		cfg:     cfg,
		handle:  handle,
		dialer:  dialer,
		handler: handler,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger: util.ComponentLogger("client_session").With().
			Str("identity", handle.Identity.String()).
			Logger(),
	}, nil
}

// unlock releases the session lock and runs the collected callbacks.
func (c *Session) unlock() {
	pending := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Initialize enters the lobby. The session then waits for a server
// assignment on the platform queue or an explicit ConnectTo.
func (c *Session) Initialize() error {
	c.mu.Lock()
	defer c.unlock()

	if c.phase != PhaseFree {
		return ErrNotFree
	}
	c.state = NotConnected
	c.setPhase(PhaseInLobby, "")
	return nil
}

// ConnectTo starts connecting to server. The session must be in the lobby.
func (c *Session) ConnectTo(ctx context.Context, server network.Identity) error {
	c.mu.Lock()
	defer c.unlock()
	return c.connect(ctx, server)
}

func (c *Session) connect(ctx context.Context, server network.Identity) error {
	if c.phase != PhaseInLobby {
		return fmt.Errorf("%w: phase is %s", ErrNotInLobby, c.phase)
	}
	if server == 0 {
		return ErrInvalidServerID
	}

	conn, err := c.dialer.Connect(ctx, server)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", server, err)
	}

	c.conn = conn
	c.server = server
	c.setPhase(PhaseConnecting, "")

	c.logger.Info().Str("server", server.String()).Msg("connecting to server")
	return nil
}

// Tick runs one step of the client loop: platform events, then received
// messages, then the connection end check.
func (c *Session) Tick() {
	c.mu.Lock()
	defer c.unlock()

	c.drainQueue()
	drained := c.receive()
	c.checkEnded(drained)
}

// Run ticks the session every interval until ctx is cancelled. A zero
// interval uses the configured tick rate.
func (c *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.TickInterval()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick()
		}
	}
}

func (c *Session) drainQueue() {
	for i := 0; i < queueBatch; i++ {
		ev, ok := c.handle.Queue.TryNext()
		if !ok {
			return
		}

		switch e := ev.(type) {
		case platform.ServerAssigned:
			if c.phase != PhaseInLobby {
				c.logger.Debug().
					Str("server", e.Server.String()).
					Str("phase", c.phase.String()).
					Msg("ignoring server assignment outside the lobby")
				continue
			}
			if err := c.connect(context.Background(), e.Server); err != nil {
				c.logger.Warn().Err(err).Msg("failed to join assigned server")
			}
		default:
			c.logger.Debug().Str("event", ev.EventName()).Msg("ignoring platform event")
		}
	}
}

// receive dispatches one batch and reports whether the inbox was emptied.
func (c *Session) receive() bool {
	if c.conn == nil {
		return true
	}

	msgs := c.conn.Receive(c.cfg.ReceiveBatch)
	for _, m := range msgs {
		c.dispatch(m)
	}
	return len(msgs) < c.cfg.ReceiveBatch
}

// checkEnded runs the disconnect path once the server has ended the
// connection and everything it sent before has been read.
func (c *Session) checkEnded(drained bool) {
	if c.conn == nil || !drained {
		return
	}
	end, ended := c.conn.Ended()
	if !ended {
		return
	}

	c.logger.Info().
		Str("server", c.server.String()).
		Str("reason", end.Reason.String()).
		Str("debug", end.Debug).
		Msg("server ended the connection")
	c.disconnect(end)
}

func (c *Session) dispatch(m network.Message) {
	if c.state == NotConnected && c.phase != PhaseConnecting {
		c.drop("not_connected", nil)
		return
	}

	msg, err := protocol.Unmarshal(m.Data)
	if err != nil {
		c.drop(protocol.ErrorKind(err), err)
		return
	}
	if !msg.Tag().ServerOrigin() {
		c.drop("wrong_direction", nil)
		return
	}
	c.counters.Received++
	c.metrics.MessageReceived(role, msg.Tag().String())

	switch body := msg.(type) {
	case protocol.ServerSendInfo:
		c.onServerInfo(body)
	case protocol.ServerPassAuthentication:
		c.onPassAuthentication(body)
	case protocol.ServerFailAuthentication:
		c.logger.Warn().Str("server", c.server.String()).Msg("authentication failed")
		c.disconnect(network.EndInfo{Reason: network.EndAuthFailed, Debug: "authentication failed"})
	case protocol.ServerAllReadyToGo:
		c.later(c.handler.OnAllReadyToGo)
	case protocol.ServerFramesData:
		c.onFramesData(body)
	case protocol.ServerGameStart:
		c.onGameStart(body)
	case protocol.ServerSetGameStartDataComplete:
		c.later(c.handler.OnGameStartDataComplete)
	case protocol.ServerBroadcast:
		b := Broadcast{
			ChannelType: body.ChannelType,
			Payload:     body.Payload,
			Sender:      network.Identity(body.Sender),
		}
		c.later(func() { c.handler.OnBroadcast(b) })
	default:
		c.drop("unexpected", nil)
	}
}

func (c *Session) drop(reason string, err error) {
	c.counters.Dropped++
	c.metrics.MessageDropped(role, reason)
	c.logger.Debug().Err(err).Str("reason", reason).Msg("dropping message")
}

func (c *Session) onServerInfo(body protocol.ServerSendInfo) {
	if c.state != NotConnected {
		c.logger.Debug().Str("state", c.state.String()).Msg("duplicate server info, ignoring")
		return
	}

	c.info = body
	c.setState(PendingAuthentication, "")

	handle, ticket, err := c.handle.Tickets.IssueTicket()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to issue authentication ticket")
		c.disconnect(network.EndInfo{Reason: network.EndException, Debug: "ticket issue failed"})
		return
	}
	if len(ticket) == 0 {
		c.logger.Warn().Msg("issued authentication ticket is empty")
	}
	c.ticket = handle

	c.logger.Info().
		Str("server", c.server.String()).
		Str("name", body.Name).
		Bool("secure", body.Secure).
		Msg("server info received, authenticating")

	c.send(protocol.ClientBeginAuthentication{Ticket: ticket})
}

func (c *Session) onPassAuthentication(body protocol.ServerPassAuthentication) {
	pos := body.PlayerPosition
	if c.state == Authenticated && c.position == pos {
		return
	}

	c.position = pos
	c.setState(Authenticated, "")
	c.handle.Presence.SetPlayState(platform.PlayActive)

	c.logger.Info().Uint32("position", pos).Msg("authenticated")
	c.later(func() { c.handler.OnAuthenticated(pos) })
}

func (c *Session) onFramesData(body protocol.ServerFramesData) {
	buf := frame.PackFrames(body.ChannelFrames, body.BufferSize)
	if buf.Empty() && len(body.ChannelFrames) > 0 {
		c.logger.Warn().
			Uint32("frame_id", body.FrameID).
			Int("frames", len(body.ChannelFrames)).
			Uint32("buffer_size", body.BufferSize).
			Msg("snapshot size mismatch, delivering empty buffer")
	}

	c.counters.Snapshots++
	c.counters.LastFrameID = body.FrameID

	update := FramesUpdate{Buffer: buf.Data, Count: buf.Count, FrameID: body.FrameID}
	c.later(func() { c.handler.OnFrames(update) })
}

func (c *Session) onGameStart(body protocol.ServerGameStart) {
	buf := frame.PackFrames(body.ChannelFrames, body.BufferSize)
	if buf.Empty() && len(body.ChannelFrames) > 0 {
		c.logger.Warn().
			Int("frames", len(body.ChannelFrames)).
			Uint32("buffer_size", body.BufferSize).
			Msg("game start size mismatch, delivering empty buffer")
	}

	c.logger.Info().Int("entries", buf.Count).Msg("game start received")

	start := GameStart{Buffer: buf.Data, Count: buf.Count}
	c.later(func() { c.handler.OnGameStart(start) })
}

// Disconnect leaves the current server. It is a no-op when there is
// nothing to leave.
func (c *Session) Disconnect() {
	c.mu.Lock()
	defer c.unlock()

	if c.conn == nil && c.state == NotConnected {
		return
	}
	c.disconnect(network.EndInfo{Reason: network.EndClientDisconnect, Debug: "client disconnect"})
}

// disconnect cancels the outstanding ticket before the connection is torn
// down, then returns the session to the lobby.
func (c *Session) disconnect(end network.EndInfo) {
	if c.ticket != platform.InvalidTicketHandle {
		c.handle.Tickets.CancelTicket(c.ticket)
		c.ticket = platform.InvalidTicketHandle
	}
	c.handle.Presence.SetPlayState(platform.PlayOffline)

	if c.conn != nil {
		c.conn.Close(network.EndClientDisconnect, end.Debug, false)
		c.conn = nil
	}

	c.server = 0
	c.info = protocol.ServerSendInfo{}
	c.position = 0
	c.setState(NotConnected, end.Reason.String())
	if c.phase == PhaseConnecting {
		c.setPhase(PhaseInLobby, end.Reason.String())
	}

	c.later(func() { c.handler.OnDisconnected(end) })
}

// Outbound

// SendFrameData submits the latest payload for a channel. Channel 0 is
// reserved; use SetGameData.
func (c *Session) SendFrameData(channel uint32, payload []byte) error {
	if channel == frame.StartChannel {
		return ErrReservedChannel
	}
	if err := checkPayload(payload); err != nil {
		return err
	}
	return c.sendLocked(protocol.ClientFrameData{ChannelType: channel, Payload: payload})
}

// SetGameData submits the initial snapshot the server includes in the game
// start payload.
func (c *Session) SetGameData(payload []byte) error {
	if err := checkPayload(payload); err != nil {
		return err
	}
	return c.sendLocked(protocol.ClientFrameData{ChannelType: frame.StartChannel, Payload: payload})
}

// Broadcast asks the server to relay payload to every participant.
func (c *Session) Broadcast(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	return c.sendLocked(protocol.ClientBroadcast{Payload: payload})
}

// LoadReadyToGo tells the server this client finished loading.
func (c *Session) LoadReadyToGo() error {
	return c.sendLocked(protocol.ClientLoadComplete{})
}

func checkPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > protocol.MaxEntrySize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return nil
}

func (c *Session) sendLocked(msg protocol.Message) error {
	c.mu.Lock()
	defer c.unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	return c.send(msg)
}

// send never disconnects: a failed send is logged with its classification
// and returned to the caller.
func (c *Session) send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("tag", msg.Tag().String()).Msg("failed to encode message")
		return fmt.Errorf("failed to encode %s: %w", msg.Tag(), err)
	}

	if err := c.conn.Send(data, network.SendReliableNoNagle); err != nil {
		kind := network.SendErrorKind(err)
		c.counters.SendFailures++
		c.metrics.SendFailed(role, kind)
		c.logger.Warn().
			Err(err).
			Str("kind", kind).
			Str("tag", msg.Tag().String()).
			Msg("failed sending data to server")
		return fmt.Errorf("failed to send %s: %w", msg.Tag(), err)
	}
	c.counters.Sent++
	return nil
}

// State

// IsConnectedToServer reports whether the server has admitted this client.
func (c *Session) IsConnectedToServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Authenticated
}

// State returns the connection state.
func (c *Session) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase returns the session phase.
func (c *Session) Phase() SessionPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Status returns a copy of the client state.
func (c *Session) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Identity:   uint64(c.handle.Identity),
		Server:     uint64(c.server),
		ServerName: c.info.Name,
		Secure:     c.info.Secure,
		State:      c.state,
		Phase:      c.phase,
		Position:   c.position,
		Counters:   c.counters,
	}
}

func (c *Session) later(fn func()) {
	c.notify = append(c.notify, fn)
}

func (c *Session) setState(to ConnectionState, reason string) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("connection state changed")
	c.emitState(reason)
}

func (c *Session) setPhase(to SessionPhase, reason string) {
	if c.phase == to {
		return
	}
	c.phase = to
	c.emitState(reason)
}

func (c *Session) emitState(reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(context.Background(), events.New(events.EventClientStateChanged, "client_session", events.ClientStatePayload{
		Identity: uint64(c.handle.Identity),
		Server:   uint64(c.server),
		State:    c.state.String(),
		Phase:    c.phase.String(),
		Position: c.position,
		Reason:   reason,
	}))
}
