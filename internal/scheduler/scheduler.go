// Package scheduler runs background housekeeping for a server process:
// daily pruning of used tickets and periodic load statistics.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/db"
	"github.com/framelink-project/framelink/internal/util"
)

// Pruner deletes expired ticket records.
type Pruner interface {
	Prune() (int64, error)
}

// TicketCounter reports ticket store totals.
type TicketCounter interface {
	Counts() (db.TicketCounts, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     config.MaintenanceConfig
	pruner  Pruner
	tickets TicketCounter
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, pruner Pruner, tickets TicketCounter) *Scheduler {
	return &Scheduler{
		cfg:     cfg.GetApplicationData().Maintenance,
		pruner:  pruner,
		tickets: tickets,
	}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runPruneLoop(ctx)

	if s.cfg.StatsIntervalMin > 0 {
		go s.runStatsLoop(ctx, time.Duration(s.cfg.StatsIntervalMin)*time.Minute)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runPruneLoop prunes the ticket store at the configured time every day.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := NextRunAt(time.Now(), s.cfg.PruneTime)
		sleepDuration := time.Until(nextRun)

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("ticket prune scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.runPrune()
		}
	}
}

// runPrune removes ticket records that can no longer be replayed.
func (s *Scheduler) runPrune() {
	n, err := s.pruner.Prune()
	if err != nil {
		log.Warn().Err(err).Msg("ticket prune failed")
		return
	}
	log.Info().Int64("pruned", n).Msg("ticket prune completed")
}

func (s *Scheduler) runStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

// collectStats logs host load and ticket totals.
func (s *Scheduler) collectStats() {
	usage := util.GetResourceUsage()
	ev := log.Info().
		Float64("cpu_percent", usage.CPUPercent).
		Float64("memory_percent", usage.MemoryPercent).
		Int("goroutines", usage.Goroutines)

	counts, err := s.tickets.Counts()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read ticket counts")
	} else {
		ev = ev.Int("tickets_issued", counts.Issued).
			Int("tickets_consumed", counts.Consumed).
			Int("tickets_cancelled", counts.Cancelled)
	}

	ev.Msg("periodic stats collected")
}

// NextRunAt returns the first time after now at the local "HH:MM" given by
// at. An unparsable value means 04:00.
func NextRunAt(now time.Time, at string) time.Time {
	parts := strings.Split(at, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
