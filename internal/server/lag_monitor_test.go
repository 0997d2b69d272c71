package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framelink-project/framelink/internal/events"
)

func TestLagMonitorRecord(t *testing.T) {
	lm := NewLagMonitor("s1", nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	lm.Record(now.Add(-2*time.Hour), 40*time.Millisecond)
	lm.Record(now, 20*time.Millisecond)
	lm.Record(now, 60*time.Millisecond)

	stats := lm.Stats()
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventsThisHour)
	assert.Equal(t, uint32(60), stats.MaxDuration)
	assert.InDelta(t, 40.0, stats.AvgDuration, 0.001)
	assert.Equal(t, now, stats.LastEventTime)
	assert.Len(t, lm.History(), 3)
}

func TestLagMonitorHistoryIsBounded(t *testing.T) {
	lm := NewLagMonitor("s1", nil)
	now := time.Now()

	for i := 0; i < lagHistoryLimit+10; i++ {
		lm.Record(now, 10*time.Millisecond)
	}
	lm.Record(now, 1010*time.Millisecond)

	history := lm.History()
	require.Len(t, history, lagHistoryLimit)
	assert.Equal(t, uint32(1010), history[len(history)-1].Duration)
	assert.InDelta(t, 11.0, lm.Stats().AvgDuration, 0.001)
	assert.Equal(t, lagHistoryLimit+11, lm.Stats().TotalEvents)
}

func TestLagMonitorThresholds(t *testing.T) {
	lm := NewLagMonitor("s1", nil)
	now := time.Now()

	_, ok := lm.CheckThresholds()
	assert.False(t, ok)

	for i := 0; i < LagWarningThreshold; i++ {
		lm.Record(now, 50*time.Millisecond)
	}
	alert, ok := lm.CheckThresholds()
	require.True(t, ok)
	assert.Equal(t, "warning", alert.Level)

	for i := 0; i < LagCriticalThreshold; i++ {
		lm.Record(now, 50*time.Millisecond)
	}
	alert, ok = lm.CheckThresholds()
	require.True(t, ok)
	assert.Equal(t, "critical", alert.Level)
	assert.Contains(t, alert.Message, "s1")
}

func TestLagMonitorStartEmitsAlerts(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	alerts := make(chan events.LagAlertPayload, 8)
	bus.Subscribe(events.EventLagAlert, "test", func(ctx context.Context, e events.Event) error {
		alerts <- e.Payload.(events.LagAlertPayload)
		return nil
	})

	lm := NewLagMonitor("s1", bus)
	for i := 0; i < LagWarningThreshold; i++ {
		lm.Record(time.Now(), 50*time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lm.Start(ctx, 5*time.Millisecond)

	select {
	case a := <-alerts:
		assert.Equal(t, "warning", a.Level)
		assert.Equal(t, "s1", a.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no lag alert")
	}
}
