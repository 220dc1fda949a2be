// Package jobs hosts the background maintenance schedules.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fitstack/fitstack-billing/internal/metrics"
	"github.com/fitstack/fitstack-billing/internal/storage"
)

// Sweeper cancels pending transactions whose checkout was abandoned. The
// owning invoice stays pending; a later initiate creates a fresh attempt.
type Sweeper struct {
	store    storage.TransactionStore
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
}

// NewSweeper builds a sweeper that expires pending transactions older than
// maxAge on the given cron schedule.
func NewSweeper(store storage.TransactionStore, schedule string, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the schedule and begins running sweeps in the background.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("abandoned transaction sweeper started",
		"schedule", s.schedule, "max_age", s.maxAge)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pass. It is exported so an operator endpoint or test can
// trigger it outside the schedule.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.maxAge)
	count, err := s.store.MarkAbandonedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("abandoned transaction sweep failed", "error", err)
		return
	}
	if count > 0 {
		metrics.TransactionsAbandoned.Add(float64(count))
		slog.Info("swept abandoned transactions", "count", count, "cutoff", cutoff)
	}
}
