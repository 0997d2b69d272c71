// Package server implements the authoritative server session: admission,
// ticket authentication, the readiness barrier, frame aggregation and the
// periodic snapshot broadcast.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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
	DefaultReceiveBatch = 128
	// DefaultFrameInterval is the snapshot flush period.
	DefaultFrameInterval = 50 * time.Millisecond

	// queueBatch bounds the platform events drained per tick.
	queueBatch = 64

	role = "server"
)

var (
	ErrInvalidCapacity = errors.New("max players out of range")
	ErrNoListener      = errors.New("listener is required")
	ErrInvalidOutcome  = errors.New("outcome must be draw or winner")
	ErrSessionClosed   = errors.New("session is closed")
)

// Options carries the optional collaborators of a Session.
type Options struct {
	Bus     *events.EventBus
	Metrics *telemetry.Metrics
	// Now is the clock used by Run. Defaults to time.Now.
	Now func() time.Time
}

// outcomeRequest is posted to the platform queue by SetOutcome.
type outcomeRequest struct {
	phase events.MatchPhase
}

func (outcomeRequest) EventName() string { return "set_outcome" }

// Session is one server session. Tick and Close serialize on an internal
// lock; everything else only reads the snapshot or posts to the queue.
type Session struct {
	cfg      config.SessionConfig
	id       string
	handle   platform.Handle
	listener network.Listener
	group    *network.PollGroup
	agg      *frame.Aggregator
	bus      *events.EventBus
	metrics  *telemetry.Metrics
	lag      *LagMonitor
	now      func() time.Time
	logger   zerolog.Logger

	tickMu sync.Mutex
	closed bool

	pending roster
	active  roster

	phase         events.MatchPhase
	readyFired    bool
	startConsumed bool
	frameID       uint32
	nextFlush     time.Time
	counters      Counters

	subscriber string

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewSession creates a server session accepting connections from listener.
func NewSession(cfg config.SessionConfig, handle platform.Handle, listener network.Listener, opts Options) (*Session, error) {
	if err := handle.CheckServer(); err != nil {
		return nil, fmt.Errorf("failed to create server session: %w", err)
	}
	if listener == nil {
		return nil, ErrNoListener
	}
	if cfg.MaxPlayers < 1 || cfg.MaxPlayers > config.MaxPlayersLimit {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, cfg.MaxPlayers)
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = DefaultReceiveBatch
	}
	if cfg.FrameIntervalMs <= 0 {
		cfg.FrameIntervalMs = int(DefaultFrameInterval / time.Millisecond)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	id := uuid.NewString()
	s := &Session{
		cfg:        cfg,
		id:         id,
		handle:     handle,
		listener:   listener,
		group:      network.NewPollGroup(),
		agg:        frame.NewAggregator(),
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		lag:        NewLagMonitor(id, opts.Bus),
		now:        now,
		subscriber: "server_session." + id,
		logger: util.ComponentLogger("server_session").With().
			Str("session_id", id).
			Uint64("identity", cfg.Identity).
			Logger(),
	}

	s.subscribeEvents()
	s.refreshSnapshot()

	s.logger.Info().
		Int("max_players", cfg.MaxPlayers).
		Str("name", cfg.ServerName).
		Dur("frame_interval", cfg.FrameInterval()).
		Msg("server session created")

	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Lag returns the long tick monitor.
func (s *Session) Lag() *LagMonitor {
	return s.lag
}

// subscribeEvents forwards bus commands into the platform queue so they are
// applied on the tick loop.
func (s *Session) subscribeEvents() {
	if s.bus == nil {
		return
	}

	s.bus.Subscribe(events.EventKickParticipant, s.subscriber, func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(events.KickPayload)
		if !ok {
			return nil
		}
		s.handle.Queue.Post(platform.KickRequest{
			Identity: network.Identity(payload.Identity),
			Reason:   payload.Reason,
		})
		return nil
	})

	s.bus.Subscribe(events.EventSetOutcome, s.subscriber, func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(events.OutcomePayload)
		if !ok {
			return nil
		}
		return s.SetOutcome(payload.Phase)
	})
}

func (s *Session) unsubscribeEvents() {
	if s.bus == nil {
		return
	}
	s.bus.Unsubscribe(events.EventKickParticipant, s.subscriber)
	s.bus.Unsubscribe(events.EventSetOutcome, s.subscriber)
}

// SetOutcome records the match result. It is applied on the next tick.
func (s *Session) SetOutcome(phase events.MatchPhase) error {
	if phase != events.PhaseDraw && phase != events.PhaseWinner {
		return fmt.Errorf("%w: %s", ErrInvalidOutcome, phase)
	}
	if !s.handle.Queue.Post(outcomeRequest{phase: phase}) {
		return ErrSessionClosed
	}
	return nil
}

// Run ticks the session every interval until ctx is cancelled or the
// session is closed. A zero interval uses the configured tick rate.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.TickInterval()
	}
	if interval <= 0 {
		return fmt.Errorf("invalid tick interval %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("server session running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if !s.Tick(s.now()) {
				return nil
			}

			elapsed := time.Since(start)
			s.metrics.ObserveTick(elapsed)
			if elapsed > LongTickFactor*interval {
				s.reportLongTick(elapsed, interval)
			}
		}
	}
}

func (s *Session) reportLongTick(elapsed, budget time.Duration) {
	s.lag.Record(time.Now(), elapsed)
	s.logger.Warn().
		Dur("duration", elapsed).
		Dur("budget", budget).
		Msg("long tick")
	s.emit(events.EventLongTick, events.LongTickPayload{
		SessionID:  s.id,
		DurationMs: uint32(elapsed / time.Millisecond),
		BudgetMs:   uint32(budget / time.Millisecond),
	})
}

// Tick runs one step of the session loop. It returns false once the
// session is closed.
func (s *Session) Tick(now time.Time) bool {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.closed {
		return false
	}

	s.pollStatus(now)
	s.drainQueue(now)
	s.receive(now)
	s.expirePending(now)
	s.flush(now)
	s.refreshSnapshot()

	return true
}

// Close ends the session. Bus subscriptions are revoked before any
// connection is torn down.
func (s *Session) Close() error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.unsubscribeEvents()
	s.handle.Queue.Close()

	err := s.listener.Close()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to close listener")
	}

	for _, p := range append(append(roster{}, s.pending...), s.active...) {
		s.handle.Validator.EndValidation(p.identity)
	}
	s.group.CloseAll(network.EndServerClosed, "server closed")
	s.pending = nil
	s.active = nil

	s.setPhase(events.PhaseExiting)
	s.refreshSnapshot()

	s.logger.Info().
		Uint64("accepted", s.counters.Accepted).
		Uint64("snapshots", s.counters.SnapshotsSent).
		Msg("server session closed")

	return err
}

// Snapshot returns the state as of the end of the last tick.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *Session) refreshSnapshot() {
	participants := make([]ParticipantInfo, 0, len(s.pending)+len(s.active))
	for _, p := range s.active {
		participants = append(participants, p.info())
	}
	for _, p := range s.pending {
		participants = append(participants, p.info())
	}

	snap := Snapshot{
		SessionID:     s.id,
		Identity:      s.cfg.Identity,
		Name:          s.cfg.ServerName,
		Phase:         s.phase,
		MaxPlayers:    s.cfg.MaxPlayers,
		Pending:       len(s.pending),
		Active:        len(s.active),
		ReadyFired:    s.readyFired,
		StartConsumed: s.startConsumed,
		FrameID:       s.frameID,
		Participants:  participants,
		Counters:      s.counters,
		Lag:           s.lag.Stats(),
		UpdatedAt:     time.Now(),
	}

	s.metrics.SetParticipants(snap.Pending, snap.Active)

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

// Connection status

func (s *Session) pollStatus(now time.Time) {
	for {
		ev, ok := s.listener.PollEvent()
		if !ok {
			return
		}

		switch ev.Kind {
		case network.StatusConnecting:
			s.onConnecting(ev.Request, now)
		case network.StatusConnected:
			s.onConnected(ev.Conn)
		case network.StatusDisconnected:
			s.onDisconnected(ev)
		}
	}
}

func (s *Session) onConnecting(req network.ConnectionRequest, now time.Time) {
	remote := req.Remote()
	capacity := s.cfg.MaxPlayers

	switch {
	case s.phase.Ended():
		s.reject(req, network.EndServerClosed, "match is over")
		return
	case len(s.pending) >= capacity || len(s.active) >= capacity:
		s.reject(req, network.EndServerFull, "Server full!")
		return
	case s.pending.find(remote) != nil || s.active.find(remote) != nil:
		s.reject(req, network.EndServerReject, "already connected")
		return
	}

	if err := req.Accept(); err != nil {
		s.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to accept connection")
		s.reject(req, network.EndException, "failed to accept connection")
		return
	}

	p := &participant{
		identity:     remote,
		position:     s.freePosition(),
		connectedAt:  now,
		lastActivity: now,
	}
	s.pending = append(s.pending, p)
	s.counters.Accepted++

	s.logger.Info().
		Str("remote", remote.String()).
		Uint32("position", p.position).
		Int("pending", len(s.pending)).
		Msg("connection accepted")

	s.emit(events.EventParticipantConnecting, s.participantPayload(p, "", ""))
}

func (s *Session) reject(req network.ConnectionRequest, reason network.EndReason, debug string) {
	req.Reject(reason, debug)
	s.counters.Rejected++
	s.metrics.ParticipantRejected(reason.String())

	s.logger.Info().
		Str("remote", req.Remote().String()).
		Str("reason", reason.String()).
		Msg("connection rejected")

	s.emit(events.EventParticipantRejected, events.ParticipantPayload{
		SessionID: s.id,
		Identity:  uint64(req.Remote()),
		Reason:    reason.String(),
		Debug:     debug,
	})
}

// freePosition returns the lowest position no current record holds.
func (s *Session) freePosition() uint32 {
	used := make(map[uint32]bool, len(s.pending)+len(s.active))
	for _, p := range s.pending {
		used[p.position] = true
	}
	for _, p := range s.active {
		used[p.position] = true
	}
	var pos uint32
	for used[pos] {
		pos++
	}
	return pos
}

func (s *Session) onConnected(conn network.Connection) {
	p := s.pending.find(conn.Remote())
	if p == nil || p.conn != nil {
		s.logger.Warn().Str("remote", conn.Remote().String()).Msg("connected without a pending record, closing")
		conn.Close(network.EndException, "no pending record", false)
		return
	}

	p.conn = conn
	s.group.Attach(conn)

	s.send(p, protocol.ServerSendInfo{
		ServerIdentity: s.cfg.Identity,
		Secure:         s.cfg.Secure,
		Name:           s.cfg.ServerName,
	})
}

func (s *Session) onDisconnected(ev network.StatusEvent) {
	owns := func(p *participant) bool {
		return p != nil && (p.conn == nil || ev.Conn == nil || p.conn == ev.Conn)
	}

	if p := s.active.find(ev.Remote); owns(p) {
		s.active = s.active.without(p)
		s.release(p, network.EndGeneric, "disconnected", false)
		s.participantLeft(p, ev.End)
	} else if p := s.pending.find(ev.Remote); owns(p) {
		s.pending = s.pending.without(p)
		s.release(p, network.EndGeneric, "disconnected", false)
		s.participantLeft(p, ev.End)
	} else {
		return
	}

	s.evaluateStart()
}

func (s *Session) participantLeft(p *participant, end network.EndInfo) {
	s.counters.Left++
	s.logger.Info().
		Str("remote", p.identity.String()).
		Uint32("position", p.position).
		Str("reason", end.Reason.String()).
		Msg("participant left")
	s.emit(events.EventParticipantLeft, s.participantPayload(p, end.Reason.String(), end.Debug))
}

// release ends everything the session holds for p. The record must already
// be removed from its list.
func (s *Session) release(p *participant, reason network.EndReason, debug string, linger bool) {
	s.handle.Validator.EndValidation(p.identity)
	s.agg.FlushChannels(p.identity)
	if p.conn != nil {
		s.group.Detach(p.conn)
		p.conn.Close(reason, debug, linger)
	}
}

// evict removes a pending record and closes its connection.
func (s *Session) evict(p *participant, reason network.EndReason, debug string) {
	s.pending = s.pending.without(p)
	s.release(p, reason, debug, false)
	s.counters.Rejected++
	s.metrics.ParticipantRejected(reason.String())

	s.logger.Info().
		Str("remote", p.identity.String()).
		Str("reason", reason.String()).
		Str("debug", debug).
		Msg("participant evicted")

	s.emit(events.EventParticipantRejected, s.participantPayload(p, reason.String(), debug))
}

// Platform queue

func (s *Session) drainQueue(now time.Time) {
	for i := 0; i < queueBatch; i++ {
		ev, ok := s.handle.Queue.TryNext()
		if !ok {
			return
		}

		switch e := ev.(type) {
		case platform.ValidateAuthTicketResponse:
			s.onValidated(e, now)
		case platform.KickRequest:
			s.kick(e.Identity, e.Reason)
		case outcomeRequest:
			s.applyOutcome(e.phase)
		default:
			s.logger.Debug().Str("event", ev.EventName()).Msg("ignoring platform event")
		}
	}
}

func (s *Session) onValidated(e platform.ValidateAuthTicketResponse, now time.Time) {
	p := s.pending.find(e.Identity)
	if p == nil || !p.validating {
		s.logger.Debug().Str("remote", e.Identity.String()).Msg("validation result for unknown participant")
		return
	}
	p.validating = false

	if e.Outcome != platform.AuthOK {
		s.pending = s.pending.without(p)
		s.send(p, protocol.ServerFailAuthentication{})
		s.release(p, network.EndAuthFailed, e.Outcome.String(), true)
		s.counters.AuthFailures++

		s.logger.Info().
			Str("remote", p.identity.String()).
			Str("outcome", e.Outcome.String()).
			Msg("authentication failed")

		s.emit(events.EventAuthenticationFailed, s.participantPayload(p, e.Outcome.String(), ""))
		return
	}

	if len(s.active) >= s.cfg.MaxPlayers {
		s.evict(p, network.EndServerFull, "Server full!")
		return
	}

	s.pending = s.pending.without(p)
	p.validated = true
	p.lastActivity = now
	s.active = append(s.active, p)
	s.counters.Authenticated++

	s.send(p, protocol.ServerPassAuthentication{PlayerPosition: p.position})

	s.logger.Info().
		Str("remote", p.identity.String()).
		Uint32("position", p.position).
		Int("active", len(s.active)).
		Msg("participant authenticated")

	s.emit(events.EventParticipantAuthenticated, s.participantPayload(p, "", ""))
	s.checkBarrier(now)
}

// checkBarrier broadcasts ServerAllReadyToGo once every seat is taken by a
// validated participant.
func (s *Session) checkBarrier(now time.Time) {
	if s.readyFired || len(s.active) < s.cfg.MaxPlayers {
		return
	}
	for _, p := range s.active {
		if !p.validated {
			return
		}
	}

	s.readyFired = true
	s.broadcast(protocol.ServerAllReadyToGo{})

	s.logger.Info().Int("participants", len(s.active)).Msg("all participants ready")
	s.emit(events.EventAllReadyToGo, events.ReadyPayload{
		SessionID:    s.id,
		Participants: len(s.active),
	})

	if s.phase == events.PhaseWaitingForPlayers {
		s.setPhase(events.PhaseActive)
		s.nextFlush = now.Add(s.cfg.FrameInterval())
	}
	s.evaluateStart()
}

func (s *Session) kick(identity network.Identity, reason string) {
	if reason == "" {
		reason = "kicked"
	}

	p := s.active.find(identity)
	if p != nil {
		s.active = s.active.without(p)
	} else if p = s.pending.find(identity); p != nil {
		s.pending = s.pending.without(p)
	} else {
		s.logger.Debug().Str("remote", identity.String()).Msg("kick for unknown participant")
		return
	}

	s.release(p, network.EndClientKicked, reason, false)
	s.counters.Kicked++

	s.logger.Info().
		Str("remote", identity.String()).
		Str("reason", reason).
		Msg("participant kicked")

	s.emit(events.EventParticipantLeft, s.participantPayload(p, network.EndClientKicked.String(), reason))
	s.evaluateStart()
}

func (s *Session) applyOutcome(phase events.MatchPhase) {
	if s.phase.Ended() {
		s.logger.Warn().Str("phase", s.phase.String()).Msg("outcome already recorded")
		return
	}
	s.setPhase(phase)
}

func (s *Session) setPhase(to events.MatchPhase) {
	if s.phase == to {
		return
	}
	from := s.phase
	s.phase = to

	s.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("phase changed")
	s.emit(events.EventPhaseChanged, events.PhaseChangedPayload{
		SessionID: s.id,
		From:      from,
		To:        to,
	})
}

// Messages

func (s *Session) receive(now time.Time) {
	for _, m := range s.group.Receive(s.cfg.ReceiveBatch) {
		s.dispatch(m, now)
	}
}

func (s *Session) dispatch(m network.Message, now time.Time) {
	msg, err := protocol.Unmarshal(m.Data)
	if err != nil {
		s.drop(m.Sender, protocol.ErrorKind(err), err)
		return
	}
	if !msg.Tag().ClientOrigin() {
		s.drop(m.Sender, "wrong_direction", nil)
		return
	}
	s.metrics.MessageReceived(role, msg.Tag().String())

	switch body := msg.(type) {
	case protocol.ClientBeginAuthentication:
		s.onBeginAuthentication(m.Sender, body, now)
	case protocol.ClientFrameData:
		s.onFrameData(m.Sender, body, now)
	case protocol.ClientBroadcast:
		s.onBroadcast(m.Sender, body, now)
	case protocol.ClientLoadComplete:
		s.onLoadComplete(m.Sender, now)
	}
}

func (s *Session) drop(sender network.Identity, reason string, err error) {
	s.counters.Dropped++
	s.metrics.MessageDropped(role, reason)
	s.logger.Debug().
		Err(err).
		Str("remote", sender.String()).
		Str("reason", reason).
		Msg("dropping message")
}

func (s *Session) onBeginAuthentication(sender network.Identity, body protocol.ClientBeginAuthentication, now time.Time) {
	if s.active.find(sender) != nil {
		s.logger.Debug().Str("remote", sender.String()).Msg("already authenticated, ignoring ticket")
		return
	}

	p := s.pending.find(sender)
	if p == nil {
		s.drop(sender, "unknown_sender", nil)
		return
	}
	if p.validating {
		s.logger.Debug().Str("remote", sender.String()).Msg("validation already in progress")
		return
	}

	if len(s.active)+s.pending.validating() >= s.cfg.MaxPlayers {
		s.evict(p, network.EndServerFull, "Server full!")
		return
	}

	if err := s.handle.Validator.BeginValidation(sender, body.Ticket); err != nil {
		s.logger.Warn().Err(err).Str("remote", sender.String()).Msg("failed to begin ticket validation")
		s.evict(p, network.EndException, "failed to begin authentication")
		return
	}

	p.validating = true
	p.lastActivity = now
}

func (s *Session) onFrameData(sender network.Identity, body protocol.ClientFrameData, now time.Time) {
	p := s.active.find(sender)
	if p == nil {
		s.drop(sender, "not_active", nil)
		return
	}
	p.lastActivity = now

	if body.ChannelType == frame.StartChannel {
		if s.startConsumed {
			s.logger.Debug().Str("remote", sender.String()).Msg("start payload already sent, ignoring snapshot")
			return
		}
		s.agg.SubmitStart(sender, body.Payload)
		return
	}
	s.agg.SubmitChannel(sender, body.ChannelType, body.Payload)
}

func (s *Session) onBroadcast(sender network.Identity, body protocol.ClientBroadcast, now time.Time) {
	p := s.active.find(sender)
	if p == nil {
		s.drop(sender, "not_active", nil)
		return
	}
	p.lastActivity = now

	out := protocol.ServerBroadcast{
		ChannelType: body.ChannelType,
		Payload:     body.Payload,
		Sender:      uint64(sender),
	}
	data, err := protocol.Marshal(out)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode broadcast")
		return
	}

	for _, q := range s.active {
		if q == p && !s.cfg.EchoBroadcast {
			continue
		}
		s.sendRaw(q, out.Tag(), data)
	}
	s.counters.Broadcasts++
}

func (s *Session) onLoadComplete(sender network.Identity, now time.Time) {
	p := s.active.find(sender)
	if p == nil {
		s.drop(sender, "not_active", nil)
		return
	}
	p.lastActivity = now
	p.loadComplete = true
	s.evaluateStart()
}

// evaluateStart sends the start payload once the barrier has fired and
// every active participant has finished loading. The payload is sent at
// most once; a corrupt payload is skipped but still consumed.
func (s *Session) evaluateStart() {
	if !s.readyFired || s.startConsumed || len(s.active) == 0 {
		return
	}
	for _, p := range s.active {
		if !p.loadComplete {
			return
		}
	}

	frames := s.agg.StartFrames()
	expected := s.agg.TotalSize()
	buf := s.agg.Pack()
	s.agg.ResetStart()
	s.startConsumed = true

	payload := events.GameStartedPayload{
		SessionID:    s.id,
		Participants: len(s.active),
		Frames:       uint32(len(frames)),
		BufferSize:   frame.PayloadSize(frames),
	}

	if expected > 0 && buf.Empty() {
		s.logger.Error().Int("expected", expected).Msg("start payload corrupt, skipping game start")
		s.skipStart(payload)
		return
	}

	sent := s.broadcast(protocol.ServerGameStart{
		ChannelFrames: frame.ToWire(frames),
		BufferSize:    payload.BufferSize,
	})
	if !sent {
		s.logger.Error().Int("frames", len(frames)).Msg("start payload not sendable, skipping game start")
		s.skipStart(payload)
		return
	}
	s.broadcast(protocol.ServerSetGameStartDataComplete{})

	s.logger.Info().
		Int("participants", len(s.active)).
		Int("frames", len(frames)).
		Msg("game start sent")
	s.emit(events.EventGameStarted, payload)
}

func (s *Session) skipStart(payload events.GameStartedPayload) {
	s.counters.StartSkipped = true
	s.metrics.AggregatorReset()
	payload.Skipped = true
	s.emit(events.EventGameStarted, payload)
}

// flush broadcasts one snapshot per elapsed frame interval while the match
// is active. Empty snapshots are sent too so clients advance in lockstep.
func (s *Session) flush(now time.Time) {
	if s.phase != events.PhaseActive || now.Before(s.nextFlush) {
		return
	}

	frames := s.agg.FlushAll()
	sent := s.broadcast(protocol.ServerFramesData{
		ChannelFrames: frame.ToWire(frames),
		BufferSize:    frame.PayloadSize(frames),
		FrameID:       s.frameID,
	})
	if sent {
		s.frameID++
		s.counters.SnapshotsSent++
		s.counters.FramesFlushed += uint64(len(frames))
		s.metrics.SnapshotSent(len(frames))
	} else {
		// The drained frames are discarded; the next snapshot reuses the id.
		s.counters.SnapshotsDropped++
		s.metrics.AggregatorReset()
		s.logger.Warn().
			Uint32("frame_id", s.frameID).
			Int("frames", len(frames)).
			Msg("snapshot dropped")
	}

	interval := s.cfg.FrameInterval()
	s.nextFlush = s.nextFlush.Add(interval)
	if !s.nextFlush.After(now) {
		s.nextFlush = now.Add(interval)
	}
}

func (s *Session) expirePending(now time.Time) {
	timeout := s.cfg.PendingTimeout()
	if timeout <= 0 {
		return
	}

	for _, p := range append(roster{}, s.pending...) {
		if now.Sub(p.connectedAt) >= timeout {
			s.evict(p, network.EndServerReject, "authentication timed out")
		}
	}
}

// Sending

func (s *Session) send(p *participant, msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("tag", msg.Tag().String()).Msg("failed to encode message")
		return
	}
	s.sendRaw(p, msg.Tag(), data)
}

// broadcast sends msg to every active participant. It reports false when
// the message could not be encoded or exceeds what any transport accepts,
// in which case nobody receives it.
func (s *Session) broadcast(msg protocol.Message) bool {
	data, err := protocol.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("tag", msg.Tag().String()).Msg("failed to encode message")
		return false
	}
	if len(data) > network.MaxMessageSize {
		s.metrics.MessageOversized(role, msg.Tag().String())
		s.logger.Error().
			Str("tag", msg.Tag().String()).
			Int("size", len(data)).
			Int("limit", network.MaxMessageSize).
			Msg("message exceeds transport limit, not sent")
		return false
	}
	for _, p := range s.active {
		s.sendRaw(p, msg.Tag(), data)
	}
	return true
}

// sendRaw never fails the session: a failed send is logged and counted.
func (s *Session) sendRaw(p *participant, tag protocol.MessageTag, data []byte) {
	if p.conn == nil {
		return
	}
	if err := p.conn.Send(data, network.SendReliable); err != nil {
		kind := network.SendErrorKind(err)
		s.counters.SendFailures++
		s.metrics.SendFailed(role, kind)
		s.logger.Warn().
			Err(err).
			Str("kind", kind).
			Str("tag", tag.String()).
			Str("remote", p.identity.String()).
			Msg("failed to send message")
	}
}

func (s *Session) participantPayload(p *participant, reason, debug string) events.ParticipantPayload {
	return events.ParticipantPayload{
		SessionID: s.id,
		Identity:  uint64(p.identity),
		Position:  p.position,
		Reason:    reason,
		Debug:     debug,
	}
}

func (s *Session) emit(eventType events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.New(eventType, "server_session", payload))
}
