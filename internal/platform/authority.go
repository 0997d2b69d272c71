package platform

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/db"
	"github.com/framelink-project/framelink/internal/network"
)

// Ticket layout: identity(8) | issued_unix_ms(8) | nonce(16) | mac(32).
const (
	ticketIdentityOffset = 0
	ticketIssuedOffset   = 8
	ticketNonceOffset    = 16
	ticketMACOffset      = 32
	nonceSize            = 16

	// TicketSize is the length of every ticket.
	TicketSize = 64

	// clockSkew tolerates tickets stamped slightly in the future.
	clockSkew = 5 * time.Second
)

// AuthorityConfig configures a LocalAuthority.
type AuthorityConfig struct {
	// Identity is the local identity tickets are issued for.
	Identity network.Identity
	Secret   []byte
	TTL      time.Duration
	Store    *db.TicketStore
	Queue    *EventQueue
	// Now overrides the clock in tests.
	Now func() time.Time
}

// LocalAuthority issues and validates HMAC-signed tickets. Every process
// sharing the secret accepts tickets from the others; the store prevents a
// ticket from being used twice.
type LocalAuthority struct {
	identity network.Identity
	secret   []byte
	ttl      time.Duration
	store    *db.TicketStore
	queue    *EventQueue
	now      func() time.Time
	logger   zerolog.Logger

	mu         sync.Mutex
	nextHandle TicketHandle
	issued     map[TicketHandle]string
	inflight   map[network.Identity]*validation

	wg sync.WaitGroup
}

type validation struct {
	ticket []byte
}

// NewLocalAuthority creates a ticket authority.
func NewLocalAuthority(cfg AuthorityConfig) (*LocalAuthority, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("ticket secret is empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("ticket store is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("invalid ticket TTL %s", cfg.TTL)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &LocalAuthority{
		identity: cfg.Identity,
		secret:   append([]byte(nil), cfg.Secret...),
		ttl:      cfg.TTL,
		store:    cfg.Store,
		queue:    cfg.Queue,
		now:      now,
		issued:   make(map[TicketHandle]string),
		inflight: make(map[network.Identity]*validation),
		logger: log.With().
			Str("component", "ticket_authority").
			Str("identity", cfg.Identity.String()).
			Logger(),
	}, nil
}

// IssueTicket implements TicketIssuer.
func (a *LocalAuthority) IssueTicket() (TicketHandle, []byte, error) {
	now := a.now()

	ticket := make([]byte, TicketSize)
	binary.LittleEndian.PutUint64(ticket[ticketIdentityOffset:], uint64(a.identity))
	binary.LittleEndian.PutUint64(ticket[ticketIssuedOffset:], uint64(now.UnixMilli()))
	if _, err := rand.Read(ticket[ticketNonceOffset:ticketMACOffset]); err != nil {
		return InvalidTicketHandle, nil, fmt.Errorf("failed to generate ticket nonce: %w", err)
	}
	copy(ticket[ticketMACOffset:], a.sign(ticket[:ticketMACOffset]))

	nonce := hex.EncodeToString(ticket[ticketNonceOffset:ticketMACOffset])
	if err := a.store.RecordIssued(nonce, uint64(a.identity), now); err != nil {
		return InvalidTicketHandle, nil, err
	}

	a.mu.Lock()
	a.nextHandle++
	if a.nextHandle == InvalidTicketHandle {
		a.nextHandle++
	}
	handle := a.nextHandle
	a.issued[handle] = nonce
	a.mu.Unlock()

	a.logger.Debug().Uint32("handle", uint32(handle)).Msg("ticket issued")
	return handle, ticket, nil
}

// CancelTicket implements TicketIssuer.
func (a *LocalAuthority) CancelTicket(handle TicketHandle) {
	a.mu.Lock()
	nonce, ok := a.issued[handle]
	delete(a.issued, handle)
	a.mu.Unlock()

	if !ok {
		return
	}
	if err := a.store.Cancel(nonce, a.now()); err != nil {
		a.logger.Warn().Err(err).Uint32("handle", uint32(handle)).Msg("failed to cancel ticket")
		return
	}
	a.logger.Debug().Uint32("handle", uint32(handle)).Msg("ticket cancelled")
}

// BeginValidation implements TicketValidator. Shape and duplicate checks
// happen here; signature, lifetime and replay checks run in the background
// and report through the queue.
func (a *LocalAuthority) BeginValidation(identity network.Identity, ticket []byte) error {
	if len(ticket) != TicketSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidTicket, len(ticket))
	}
	if a.queue == nil {
		return errors.New("ticket authority has no result queue")
	}

	v := &validation{ticket: append([]byte(nil), ticket...)}

	a.mu.Lock()
	if _, busy := a.inflight[identity]; busy {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, identity)
	}
	a.inflight[identity] = v
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		outcome := a.check(identity, v.ticket)

		a.mu.Lock()
		current := a.inflight[identity] == v
		if current {
			delete(a.inflight, identity)
		}
		a.mu.Unlock()

		if !current {
			a.logger.Debug().Str("remote", identity.String()).Msg("dropping result of ended validation")
			return
		}

		a.logger.Debug().
			Str("remote", identity.String()).
			Str("outcome", outcome.String()).
			Msg("ticket validated")
		a.queue.Post(ValidateAuthTicketResponse{Identity: identity, Outcome: outcome})
	}()

	return nil
}

// EndValidation implements TicketValidator.
func (a *LocalAuthority) EndValidation(identity network.Identity) {
	a.mu.Lock()
	delete(a.inflight, identity)
	a.mu.Unlock()
}

// Wait blocks until every background validation has finished.
func (a *LocalAuthority) Wait() {
	a.wg.Wait()
}

// Prune removes store records older than twice the ticket lifetime.
func (a *LocalAuthority) Prune() (int64, error) {
	return a.store.Prune(a.now().Add(-2 * a.ttl))
}

func (a *LocalAuthority) check(identity network.Identity, ticket []byte) AuthOutcome {
	if !hmac.Equal(ticket[ticketMACOffset:], a.sign(ticket[:ticketMACOffset])) {
		return AuthInvalidTicket
	}

	owner := network.Identity(binary.LittleEndian.Uint64(ticket[ticketIdentityOffset:]))
	if owner != identity {
		return AuthIdentityMismatch
	}

	now := a.now()
	issued := time.UnixMilli(int64(binary.LittleEndian.Uint64(ticket[ticketIssuedOffset:])))
	if issued.After(now.Add(clockSkew)) {
		return AuthInvalidTicket
	}
	if now.Sub(issued) > a.ttl {
		return AuthExpired
	}

	nonce := hex.EncodeToString(ticket[ticketNonceOffset:ticketMACOffset])
	result, err := a.store.Consume(nonce, uint64(identity), now)
	if err != nil {
		a.logger.Error().Err(err).Str("remote", identity.String()).Msg("ticket store unavailable")
		return AuthInvalidTicket
	}
	switch result {
	case db.ConsumeReplayed:
		return AuthReplayed
	case db.ConsumeCancelled:
		return AuthCancelled
	}
	return AuthOK
}

func (a *LocalAuthority) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(data)
	return mac.Sum(nil)
}
