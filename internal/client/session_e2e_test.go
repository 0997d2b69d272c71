package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink-project/framelink/internal/client"
	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/db"
	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/platform"
	"github.com/framelink-project/framelink/internal/server"
)

const (
	serverID network.Identity = 90001
	playerA  network.Identity = 10001
	playerB  network.Identity = 10002
)

var secret = []byte("0123456789abcdef0123456789abcdef")

// player loads as soon as it is admitted, like the demo client.
type player struct {
	client.NopHandler
	session *client.Session
	snap    []byte

	mu          sync.Mutex
	position    uint32
	admitted    int
	ready       bool
	start       *client.GameStart
	complete    bool
	frames      []client.FramesUpdate
	broadcasts  []client.Broadcast
	disconnects []network.EndInfo
}

func (p *player) OnAuthenticated(position uint32) {
	p.mu.Lock()
	p.position = position
	p.admitted++
	p.mu.Unlock()

	_ = p.session.SetGameData(p.snap)
	_ = p.session.LoadReadyToGo()
}

func (p *player) OnAllReadyToGo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
}

func (p *player) OnGameStart(s client.GameStart) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start = &s
}

func (p *player) OnGameStartDataComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
}

func (p *player) OnFrames(u client.FramesUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, u)
}

func (p *player) OnBroadcast(b client.Broadcast) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, b)
}

func (p *player) OnDisconnected(end network.EndInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, end)
}

func (p *player) with(fn func(p *player) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p)
}

type match struct {
	t       *testing.T
	store   *db.TicketStore
	server  *server.Session
	players []*player
	now     time.Time
}

func authority(t *testing.T, id network.Identity, store *db.TicketStore, q *platform.EventQueue) *platform.LocalAuthority {
	t.Helper()
	a, err := platform.NewLocalAuthority(platform.AuthorityConfig{
		Identity: id,
		Secret:   secret,
		TTL:      time.Minute,
		Store:    store,
		Queue:    q,
	})
	require.NoError(t, err)
	return a
}

func newMatch(t *testing.T, ids ...network.Identity) *match {
	t.Helper()

	store, err := db.NewTicketStore(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := network.NewMemoryHub()
	listener, err := hub.Listen(serverID)
	require.NoError(t, err)

	serverQueue := platform.NewEventQueue(0)
	srv, err := server.NewSession(config.SessionConfig{
		Identity:        uint64(serverID),
		ServerName:      "e2e",
		MaxPlayers:      len(ids),
		FrameIntervalMs: 50,
		EchoBroadcast:   false,
	}, platform.Handle{
		Identity:  serverID,
		Validator: authority(t, serverID, store, serverQueue),
		Queue:     serverQueue,
	}, listener, server.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	m := &match{
		t:      t,
		store:  store,
		server: srv,
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	for _, id := range ids {
		q := platform.NewEventQueue(0)
		p := &player{snap: []byte("snap-" + id.String())}
		p.session, err = client.NewSession(config.ClientConfig{Identity: uint64(id)}, platform.Handle{
			Identity: id,
			Tickets:  authority(t, id, store, q),
			Presence: platform.NewLogPresence(id),
			Queue:    q,
		}, hub.Dialer(id), client.Options{Handler: p})
		require.NoError(t, err)

		require.NoError(t, p.session.Initialize())
		q.Post(platform.ServerAssigned{Server: serverID})
		m.players = append(m.players, p)
	}
	return m
}

func (m *match) step() {
	m.now = m.now.Add(10 * time.Millisecond)
	m.server.Tick(m.now)
	for _, p := range m.players {
		p.session.Tick()
	}
}

// until steps the match until every player satisfies cond.
func (m *match) until(cond func(p *player) bool, msg string) {
	m.t.Helper()
	require.Eventually(m.t, func() bool {
		m.step()
		for _, p := range m.players {
			if !p.with(cond) {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond, msg)
}

func TestMatchLifecycle(t *testing.T) {
	m := newMatch(t, playerA, playerB)
	a, b := m.players[0], m.players[1]

	m.until(func(p *player) bool { return p.admitted == 1 }, "players not admitted")
	assert.True(t, a.session.IsConnectedToServer())
	assert.True(t, b.session.IsConnectedToServer())
	assert.NotEqual(t, a.position, b.position)

	m.until(func(p *player) bool { return p.ready && p.complete && p.start != nil }, "game did not start")
	for _, p := range m.players {
		assert.Equal(t, 2, p.start.Count)
		assert.Len(t, p.start.Buffer, len("snap-10001")+len("snap-10002")+4)
	}

	snap := m.server.Snapshot()
	assert.True(t, snap.ReadyFired)
	assert.True(t, snap.StartConsumed)
	assert.Equal(t, 2, snap.Active)

	require.NoError(t, a.session.SendFrameData(1, []byte("a-move")))
	require.NoError(t, b.session.SendFrameData(2, []byte("b-move")))
	m.until(func(p *player) bool {
		for _, u := range p.frames {
			if u.Count == 2 {
				return true
			}
		}
		return false
	}, "snapshot with both players never arrived")

	require.NoError(t, a.session.Broadcast([]byte("gg")))
	m.until(func(p *player) bool { return p == a || len(p.broadcasts) == 1 }, "broadcast not relayed")
	assert.Equal(t, playerA, b.broadcasts[0].Sender)
	assert.Empty(t, a.broadcasts, "echo disabled")

	require.NoError(t, m.server.Close())
	m.until(func(p *player) bool { return len(p.disconnects) == 1 }, "players not disconnected")
	for _, p := range m.players {
		assert.Equal(t, network.EndServerClosed, p.disconnects[0].Reason)
		assert.Equal(t, client.PhaseInLobby, p.session.Phase())
	}

	counts, err := m.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Consumed)
}

func TestReconnectWithFreshTicket(t *testing.T) {
	m := newMatch(t, playerA)
	a := m.players[0]

	m.until(func(p *player) bool { return p.admitted == 1 }, "player not admitted")

	a.session.Disconnect()
	assert.False(t, a.session.IsConnectedToServer())
	require.NoError(t, a.session.ConnectTo(context.Background(), serverID))

	m.until(func(p *player) bool { return p.admitted == 2 }, "player not readmitted")
	assert.True(t, a.session.IsConnectedToServer())
	assert.Len(t, a.disconnects, 1)

	counts, err := m.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Issued)
	assert.Equal(t, 1, counts.Cancelled)
	assert.Equal(t, 2, counts.Consumed)
}
