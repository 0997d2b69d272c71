package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink-project/framelink/internal/db"
	"github.com/framelink-project/framelink/internal/network"
)

const (
	serverID network.Identity = 90001
	clientID network.Identity = 10001
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func newStore(t *testing.T) *db.TicketStore {
	t.Helper()
	store, err := db.NewTicketStore(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAuthority(t *testing.T, id network.Identity, store *db.TicketStore, q *EventQueue, c *clock) *LocalAuthority {
	t.Helper()
	a, err := NewLocalAuthority(AuthorityConfig{
		Identity: id,
		Secret:   testSecret,
		TTL:      time.Minute,
		Store:    store,
		Queue:    q,
		Now:      c.Now,
	})
	require.NoError(t, err)
	return a
}

func nextResponse(t *testing.T, q *EventQueue) ValidateAuthTicketResponse {
	t.Helper()
	ev, ok := q.TryNext()
	require.True(t, ok, "expected a validation result")
	resp, ok := ev.(ValidateAuthTicketResponse)
	require.True(t, ok, "unexpected event %T", ev)
	return resp
}

func TestTicketRoundTrip(t *testing.T) {
	c := &clock{now: time.Now()}
	q := NewEventQueue(8)
	client := newAuthority(t, clientID, newStore(t), nil, c)
	server := newAuthority(t, serverID, newStore(t), q, c)

	handle, ticket, err := client.IssueTicket()
	require.NoError(t, err)
	assert.NotEqual(t, InvalidTicketHandle, handle)
	assert.Len(t, ticket, TicketSize)

	require.NoError(t, server.BeginValidation(clientID, ticket))
	server.Wait()

	resp := nextResponse(t, q)
	assert.Equal(t, clientID, resp.Identity)
	assert.Equal(t, AuthOK, resp.Outcome)
}

func TestTicketReplay(t *testing.T) {
	c := &clock{now: time.Now()}
	q := NewEventQueue(8)
	client := newAuthority(t, clientID, newStore(t), nil, c)
	server := newAuthority(t, serverID, newStore(t), q, c)

	_, ticket, err := client.IssueTicket()
	require.NoError(t, err)

	require.NoError(t, server.BeginValidation(clientID, ticket))
	server.Wait()
	assert.Equal(t, AuthOK, nextResponse(t, q).Outcome)

	require.NoError(t, server.BeginValidation(clientID, ticket))
	server.Wait()
	assert.Equal(t, AuthReplayed, nextResponse(t, q).Outcome)
}

func TestTicketRejections(t *testing.T) {
	c := &clock{now: time.Now()}
	q := NewEventQueue(8)
	client := newAuthority(t, clientID, newStore(t), nil, c)
	server := newAuthority(t, serverID, newStore(t), q, c)

	t.Run("tampered", func(t *testing.T) {
		_, ticket, err := client.IssueTicket()
		require.NoError(t, err)
		ticket[ticketNonceOffset] ^= 0xFF

		require.NoError(t, server.BeginValidation(clientID, ticket))
		server.Wait()
		assert.Equal(t, AuthInvalidTicket, nextResponse(t, q).Outcome)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		_, ticket, err := client.IssueTicket()
		require.NoError(t, err)

		require.NoError(t, server.BeginValidation(clientID+1, ticket))
		server.Wait()
		assert.Equal(t, AuthIdentityMismatch, nextResponse(t, q).Outcome)
	})

	t.Run("expired", func(t *testing.T) {
		_, ticket, err := client.IssueTicket()
		require.NoError(t, err)

		later := &clock{now: c.now.Add(2 * time.Minute)}
		lateServer := newAuthority(t, serverID, newStore(t), q, later)
		require.NoError(t, lateServer.BeginValidation(clientID, ticket))
		lateServer.Wait()
		assert.Equal(t, AuthExpired, nextResponse(t, q).Outcome)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewLocalAuthority(AuthorityConfig{
			Identity: clientID,
			Secret:   []byte("another secret entirely"),
			TTL:      time.Minute,
			Store:    newStore(t),
			Now:      c.Now,
		})
		require.NoError(t, err)
		_, ticket, err := other.IssueTicket()
		require.NoError(t, err)

		require.NoError(t, server.BeginValidation(clientID, ticket))
		server.Wait()
		assert.Equal(t, AuthInvalidTicket, nextResponse(t, q).Outcome)
	})
}

func TestCancelledTicketSharedStore(t *testing.T) {
	c := &clock{now: time.Now()}
	q := NewEventQueue(8)
	store := newStore(t)
	client := newAuthority(t, clientID, store, nil, c)
	server := newAuthority(t, serverID, store, q, c)

	handle, ticket, err := client.IssueTicket()
	require.NoError(t, err)
	client.CancelTicket(handle)
	client.CancelTicket(handle)

	require.NoError(t, server.BeginValidation(clientID, ticket))
	server.Wait()
	assert.Equal(t, AuthCancelled, nextResponse(t, q).Outcome)
}

func TestBeginValidationSynchronousErrors(t *testing.T) {
	c := &clock{now: time.Now()}
	q := NewEventQueue(8)
	server := newAuthority(t, serverID, newStore(t), q, c)

	err := server.BeginValidation(clientID, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidTicket)

	ticket := make([]byte, TicketSize)
	server.mu.Lock()
	server.inflight[clientID] = &validation{}
	server.mu.Unlock()
	assert.ErrorIs(t, server.BeginValidation(clientID, ticket), ErrDuplicateRequest)

	server.EndValidation(clientID)
	require.NoError(t, server.BeginValidation(clientID, ticket))
	server.Wait()
	assert.Equal(t, AuthInvalidTicket, nextResponse(t, q).Outcome)
}

func TestEndValidationDropsResult(t *testing.T) {
	c := &clock{now: time.Now()}
	q := NewEventQueue(8)
	client := newAuthority(t, clientID, newStore(t), nil, c)
	server := newAuthority(t, serverID, newStore(t), q, c)

	_, ticket, err := client.IssueTicket()
	require.NoError(t, err)

	require.NoError(t, server.BeginValidation(clientID, ticket))
	server.EndValidation(clientID)
	server.Wait()

	// Either the result raced ahead of EndValidation or it was dropped;
	// it is never delivered twice and the identity is free again.
	assert.LessOrEqual(t, q.Len(), 1)
	server.mu.Lock()
	assert.NotContains(t, server.inflight, clientID)
	server.mu.Unlock()
}

func TestNewLocalAuthorityValidation(t *testing.T) {
	_, err := NewLocalAuthority(AuthorityConfig{Secret: nil, TTL: time.Minute, Store: newStore(t)})
	assert.Error(t, err)
	_, err = NewLocalAuthority(AuthorityConfig{Secret: testSecret, TTL: time.Minute})
	assert.Error(t, err)
	_, err = NewLocalAuthority(AuthorityConfig{Secret: testSecret, Store: newStore(t)})
	assert.Error(t, err)
}

func TestEventQueue(t *testing.T) {
	q := NewEventQueue(2)
	assert.True(t, q.Post(ServerAssigned{Server: serverID}))
	assert.True(t, q.Post(KickRequest{Identity: clientID}))
	assert.Equal(t, 2, q.Len())

	ev, ok := q.TryNext()
	require.True(t, ok)
	assert.Equal(t, "server_assigned", ev.EventName())

	q.Close()
	q.Close()
	assert.False(t, q.Post(ServerAssigned{}))

	ev, ok = q.TryNext()
	require.True(t, ok)
	assert.Equal(t, KickRequest{Identity: clientID}, ev)

	_, ok = q.TryNext()
	assert.False(t, ok)
}

func TestPostUnblocksOnClose(t *testing.T) {
	q := NewEventQueue(1)
	require.True(t, q.Post(ServerAssigned{}))

	done := make(chan bool)
	go func() { done <- q.Post(ServerAssigned{}) }()

	q.Close()
	select {
	case posted := <-done:
		assert.False(t, posted)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after Close")
	}
}

func TestLogPresence(t *testing.T) {
	p := NewLogPresence(clientID)
	assert.Equal(t, PlayOffline, p.State())
	p.SetPlayState(PlayActive)
	assert.Equal(t, PlayActive, p.State())
	assert.Equal(t, "playing", p.State().String())
}

func TestHandleChecks(t *testing.T) {
	q := NewEventQueue(1)
	assert.ErrorIs(t, Handle{}.CheckClient(), ErrIncompleteHandle)
	assert.ErrorIs(t, Handle{Identity: serverID, Queue: q}.CheckServer(), ErrIncompleteHandle)

	a := newAuthority(t, serverID, newStore(t), q, &clock{now: time.Now()})
	assert.NoError(t, Handle{Identity: serverID, Validator: a, Queue: q}.CheckServer())
	assert.NoError(t, Handle{Identity: clientID, Tickets: a, Presence: NewLogPresence(clientID), Queue: q}.CheckClient())
}
