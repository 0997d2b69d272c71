package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/util"
)

const (
	// LongTickFactor is how many tick intervals a tick may take before it
	// counts as a long tick.
	LongTickFactor = 2

	LagWarningThreshold  = 20
	LagCriticalThreshold = 100

	lagHistoryLimit = 1000
)

// LagStats summarizes the long ticks of one session.
type LagStats struct {
	TotalEvents    int       `json:"total_events"`
	EventsThisHour int       `json:"events_this_hour"`
	LastEventTime  time.Time `json:"last_event_time"`
	MaxDuration    uint32    `json:"max_duration_ms"`
	AvgDuration    float64   `json:"avg_duration_ms"`
}

// LagEvent is a single long tick.
type LagEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Duration  uint32    `json:"duration_ms"`
}

// LagAlert is a long tick threshold alert.
type LagAlert struct {
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// LagMonitor records ticks that overran their budget and raises alerts when
// they pile up.
type LagMonitor struct {
	mu        sync.RWMutex
	sessionID string
	bus       *events.EventBus
	logger    zerolog.Logger

	stats   LagStats
	history []LagEvent
	sum     uint64

	warningThreshold  int
	criticalThreshold int
}

// NewLagMonitor creates a monitor for one session. bus may be nil.
func NewLagMonitor(sessionID string, bus *events.EventBus) *LagMonitor {
	return &LagMonitor{
		sessionID:         sessionID,
		bus:               bus,
		logger:            util.ComponentLogger("lag_monitor"),
		history:           make([]LagEvent, 0, 100),
		warningThreshold:  LagWarningThreshold,
		criticalThreshold: LagCriticalThreshold,
	}
}

// Record adds one long tick observed at now.
func (lm *LagMonitor) Record(now time.Time, d time.Duration) {
	ms := uint32(d / time.Millisecond)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.stats.TotalEvents++
	lm.stats.LastEventTime = now
	if ms > lm.stats.MaxDuration {
		lm.stats.MaxDuration = ms
	}

	lm.history = append(lm.history, LagEvent{Timestamp: now, Duration: ms})
	lm.sum += uint64(ms)
	if len(lm.history) > lagHistoryLimit {
		lm.sum -= uint64(lm.history[0].Duration)
		lm.history = lm.history[len(lm.history)-lagHistoryLimit:]
	}
	lm.stats.AvgDuration = float64(lm.sum) / float64(len(lm.history))

	oneHourAgo := now.Add(-time.Hour)
	n := 0
	for _, e := range lm.history {
		if e.Timestamp.After(oneHourAgo) {
			n++
		}
	}
	lm.stats.EventsThisHour = n
}

// Stats returns a copy of the current statistics.
func (lm *LagMonitor) Stats() LagStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.stats
}

// History returns a copy of the recorded long ticks, oldest first.
func (lm *LagMonitor) History() []LagEvent {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]LagEvent, len(lm.history))
	copy(out, lm.history)
	return out
}

// CheckThresholds evaluates the last hour against the alert thresholds.
func (lm *LagMonitor) CheckThresholds() (LagAlert, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	n := lm.stats.EventsThisHour
	var level string
	switch {
	case n >= lm.criticalThreshold:
		level = "critical"
	case n >= lm.warningThreshold:
		level = "warning"
	default:
		return LagAlert{}, false
	}

	return LagAlert{
		Level:   level,
		Events:  n,
		Message: fmt.Sprintf("session %s: %d long ticks in the last hour", lm.sessionID, n),
	}, true
}

// Start runs periodic threshold checks until ctx is cancelled.
func (lm *LagMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alert, ok := lm.CheckThresholds()
			if !ok {
				continue
			}

			lm.logger.Warn().
				Str("level", alert.Level).
				Int("events", alert.Events).
				Msg("lag threshold alert")

			if lm.bus != nil {
				lm.bus.Emit(ctx, events.New(events.EventLagAlert, "lag_monitor", events.LagAlertPayload{
					SessionID: lm.sessionID,
					Level:     alert.Level,
					Events:    alert.Events,
					Message:   alert.Message,
				}))
			}
		}
	}
}
