package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventAllReadyToGo, "a", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventAllReadyToGo, "b", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	bus.Emit(context.Background(), New(EventAllReadyToGo, "test", ReadyPayload{Participants: 2}))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	bus.Subscribe(EventKickParticipant, "session", func(ctx context.Context, e Event) error { return nil })
	assert.Equal(t, 1, bus.HandlerCount(EventKickParticipant))

	bus.Unsubscribe(EventKickParticipant, "session")
	assert.Zero(t, bus.HandlerCount(EventKickParticipant))
}

func TestSubscribeSameNameReplaces(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var first, second atomic.Int32
	bus.Subscribe(EventLagAlert, "mqtt", func(ctx context.Context, e Event) error {
		first.Add(1)
		return nil
	})
	bus.Subscribe(EventLagAlert, "mqtt", func(ctx context.Context, e Event) error {
		second.Add(1)
		return nil
	})
	assert.Equal(t, 1, bus.HandlerCount(EventLagAlert))

	require.NoError(t, bus.EmitSync(context.Background(), New(EventLagAlert, "test", nil)))
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestEmitSyncReturnsErrorAndSurvivesPanic(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	boom := errors.New("boom")
	bus.Subscribe(EventShutdown, "err", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventShutdown, "panic", func(ctx context.Context, e Event) error { panic("bad handler") })

	err := bus.EmitSync(context.Background(), New(EventShutdown, "test", ShutdownPayload{Reason: "test"}))
	assert.ErrorIs(t, err, boom)
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "count", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	bus.Stop()
	bus.Stop()
	bus.Emit(context.Background(), New(EventShutdown, "test", nil))
	assert.NoError(t, bus.EmitSync(context.Background(), New(EventShutdown, "test", nil)))
	assert.Zero(t, calls.Load())
}

func TestMatchPhase(t *testing.T) {
	assert.Equal(t, "waiting_for_players", PhaseWaitingForPlayers.String())
	assert.False(t, PhaseActive.Ended())
	assert.True(t, PhaseWinner.Ended())

	b, err := PhaseDraw.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"draw"`, string(b))
}
