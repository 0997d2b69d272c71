package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/server"
	"github.com/framelink-project/framelink/internal/telemetry"
)

type fakeSession struct {
	snap server.Snapshot
	lag  *server.LagMonitor
}

func (f *fakeSession) Snapshot() server.Snapshot { return f.snap }
func (f *fakeSession) Lag() *server.LagMonitor   { return f.lag }

func newTestServer(t *testing.T, mutate func(*config.ApplicationData)) (*Server, *events.EventBus, *fakeSession) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	app := cfg.GetApplicationData()
	app.API.RateLimitRPS = 0
	app.Auth.Secret = "super-secret"
	if mutate != nil {
		mutate(&app)
	}
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	session := &fakeSession{
		snap: server.Snapshot{
			SessionID:  "s-1",
			Identity:   90001,
			Phase:      events.PhaseActive,
			MaxPlayers: 2,
			Active:     1,
			Participants: []server.ParticipantInfo{
				{Identity: 10001, Position: 1},
			},
		},
		lag: server.NewLagMonitor("s-1", nil),
	}

	metrics := telemetry.NewMetrics()
	metrics.SnapshotSent(2)

	return NewServer(cfg, bus, session, metrics, "1.2.3"), bus, session
}

func do(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func capture(bus *events.EventBus, eventType events.EventType) <-chan events.Event {
	ch := make(chan events.Event, 4)
	bus.Subscribe(eventType, "test", func(ctx context.Context, e events.Event) error {
		ch <- e
		return nil
	})
	return ch
}

func TestPing(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/api/public/ping", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "active", body["phase"])
}

func TestSecurityHeaders(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/api/public/version", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "Framelink", w.Header().Get("Server"))
	assert.Equal(t, "1.2.3", decode(t, w)["version"])
}

func TestTokenRequired(t *testing.T) {
	s, _, _ := newTestServer(t, func(app *config.ApplicationData) {
		app.API.AuthToken = "letmein"
	})

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/session", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/session", "wrong", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/metrics", "", "").Code)

	w := do(s, http.MethodGet, "/api/session", "letmein", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "s-1", decode(t, w)["session_id"])

	// public routes stay open
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/public/ping", "", "").Code)
}

func TestParticipantsAndLag(t *testing.T) {
	s, _, session := newTestServer(t, nil)
	session.lag.Record(time.Now(), 80*time.Millisecond)

	w := do(s, http.MethodGet, "/api/session/participants", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["participants"], 1)
	assert.EqualValues(t, 2, body["max_players"])

	w = do(s, http.MethodGet, "/api/session/lag", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Len(t, body["history"], 1)
	stats := body["stats"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["total_events"])
	assert.EqualValues(t, 80, stats["max_duration_ms"])
}

func TestConfigIsRedacted(t *testing.T) {
	s, _, _ := newTestServer(t, func(app *config.ApplicationData) {
		app.API.AuthToken = "letmein"
	})

	w := do(s, http.MethodGet, "/api/config", "letmein", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "super-secret")
	assert.NotContains(t, w.Body.String(), "letmein")
	assert.Contains(t, w.Body.String(), redacted)
}

func TestKick(t *testing.T) {
	s, bus, _ := newTestServer(t, nil)
	kicks := capture(bus, events.EventKickParticipant)

	w := do(s, http.MethodPost, "/api/session/kick/10001", "", `{"reason":"afk"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case e := <-kicks:
		assert.Equal(t, events.KickPayload{Identity: 10001, Reason: "afk"}, e.Payload)
	case <-time.After(time.Second):
		t.Fatal("kick event not emitted")
	}

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/api/session/kick/10002", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/session/kick/not-a-number", "", "").Code)
}

func TestSetOutcome(t *testing.T) {
	s, bus, session := newTestServer(t, nil)
	outcomes := capture(bus, events.EventSetOutcome)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/api/session/outcome/forfeit", "", "").Code)

	require.Equal(t, http.StatusAccepted, do(s, http.MethodPost, "/api/session/outcome/draw", "", "").Code)
	select {
	case e := <-outcomes:
		assert.Equal(t, events.OutcomePayload{Phase: events.PhaseDraw}, e.Payload)
	case <-time.After(time.Second):
		t.Fatal("outcome event not emitted")
	}

	session.snap.Phase = events.PhaseDraw
	assert.Equal(t, http.StatusConflict, do(s, http.MethodPost, "/api/session/outcome/winner", "", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "framelink_snapshots_sent_total 1")
}

func TestRateLimit(t *testing.T) {
	s, _, _ := newTestServer(t, func(app *config.ApplicationData) {
		app.API.RateLimitRPS = 1
	})

	// burst of two
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/public/ping", "", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/public/ping", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodGet, "/api/public/ping", "", "").Code)
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Now()

	for i := 0; i < 4; i++ {
		require.True(t, rl.allow("a", now))
	}
	assert.False(t, rl.allow("a", now))
	assert.True(t, rl.allow("b", now), "buckets are per client")

	assert.True(t, rl.allow("a", now.Add(time.Second)))
	assert.Equal(t, 2, rl.Len())

	// idle buckets are dropped on the next sweep
	assert.True(t, rl.allow("c", now.Add(2*time.Minute)))
	assert.Equal(t, 1, rl.Len())
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w := do(s, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "endpoint not found", decode(t, w)["error"])
}
