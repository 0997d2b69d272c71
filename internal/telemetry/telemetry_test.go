package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/util"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic string
	body  map[string]interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

func (f *fakePublisher) IsConnected() bool {
	return f.connected
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, body: body})
	return doneToken{}
}

func newTestHandler(pub *fakePublisher) *MQTTHandler {
	return &MQTTHandler{
		pub:       pub,
		sessionID: "s-1",
		logger:    util.ComponentLogger("mqtt"),
		metadata:  hostMetadata(util.SystemInfo{Hostname: "box", CPUCores: 4}, "9.9.9"),
	}
}

func TestTopicRouting(t *testing.T) {
	cases := map[events.EventType]string{
		events.EventPhaseChanged:             TopicLifecycle,
		events.EventParticipantAuthenticated: TopicParticipant,
		events.EventClientStateChanged:       TopicParticipant,
		events.EventGameStarted:              TopicMatch,
		events.EventLagAlert:                 TopicLag,
	}
	for eventType, want := range cases {
		topic, ok := TopicFor(eventType)
		assert.True(t, ok, eventType)
		assert.Equal(t, want, topic, eventType)
	}

	_, ok := TopicFor(events.EventKickParticipant)
	assert.False(t, ok, "commands are never published")
}

func TestOnEventPublishesJSON(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := h.onEvent(context.Background(), events.Event{
		Type: events.EventParticipantLeft,
		Time: at,
		Payload: events.ParticipantPayload{
			SessionID: "s-1",
			Identity:  10001,
			Reason:    "client_kicked",
		},
	})
	require.NoError(t, err)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, TopicParticipant, msg.topic)
	assert.Equal(t, "participant_left", msg.body["event"])
	assert.Equal(t, "s-1", msg.body["session_id"])
	assert.Equal(t, "box", msg.body["hostname"])
	assert.Equal(t, "9.9.9", msg.body["app_version"])
	assert.Equal(t, "2026-03-01T10:00:00Z", msg.body["timestamp"])

	payload, ok := msg.body["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(10001), payload["identity"])
	assert.Equal(t, "client_kicked", payload["reason"])
}

func TestPublishSkippedWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(pub)

	h.PublishShutdown("test")
	assert.Empty(t, pub.messages)

	pub.connected = true
	h.PublishShutdown("test")
	require.Len(t, pub.messages, 1)
	assert.Equal(t, TopicLifecycle, pub.messages[0].topic)
	assert.Equal(t, "shutdown", pub.messages[0].body["event"])
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	_, err := NewMQTTHandler(config.DefaultConfig(), bus, "s-1", "1.0.0")
	assert.ErrorIs(t, err, ErrMQTTDisabled)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.MessageReceived("server", "client_frame_data")
	m.MessageReceived("server", "client_frame_data")
	m.MessageDropped("client", "short_frame")
	m.SendFailed("server", "no_connection")
	m.ParticipantRejected("server_full")
	m.SnapshotSent(3)
	m.SnapshotSent(0)
	m.AggregatorReset()
	m.SetParticipants(1, 2)
	m.ObserveTick(2 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, line := range []string{
		`framelink_messages_received_total{role="server",tag="client_frame_data"} 2`,
		`framelink_messages_dropped_total{reason="short_frame",role="client"} 1`,
		`framelink_send_failures_total{kind="no_connection",role="server"} 1`,
		`framelink_participants_rejected_total{reason="server_full"} 1`,
		`framelink_snapshots_sent_total 2`,
		`framelink_channel_frames_flushed_total 3`,
		`framelink_aggregator_resets_total 1`,
		`framelink_participants{state="active"} 2`,
		`framelink_tick_duration_seconds_count 1`,
	} {
		assert.Contains(t, string(body), line)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageReceived("server", "x")
		m.MessageDropped("server", "x")
		m.SendFailed("server", "x")
		m.ParticipantRejected("x")
		m.SnapshotSent(1)
		m.AggregatorReset()
		m.SetParticipants(0, 0)
		m.ObserveTick(time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
