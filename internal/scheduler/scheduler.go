package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/pkg/schema"
)

// PlanRunner is the interface the scheduler uses to launch runs.
// Satisfied by the engine supervisor (avoids import cycle).
type PlanRunner interface {
	ExecutePlan(ctx context.Context, plan *schema.Plan, input map[string]any) (string, error)
}

// Scheduler polls the store for due scheduled runs and launches them.
type Scheduler struct {
	store  store.Store
	runner PlanRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled-run IDs currently launching (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner PlanRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled scheduled runs and launches those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	scheduled, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sr := range scheduled {
		if sr.NextRunAt == nil || !sr.NextRunAt.After(now) {
			if !s.tryAcquire(sr.ID) {
				continue // already launching (dedup)
			}
			if err := s.launch(ctx, sr, now); err != nil {
				s.logger.Error("failed to launch scheduled run",
					slog.String("schedule_id", sr.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sr.ID)
		}
	}
}

// launch starts one run from the schedule and advances its timestamps.
func (s *Scheduler) launch(ctx context.Context, sr *store.ScheduledRun, now time.Time) error {
	s.logger.Info("launching scheduled run",
		slog.String("schedule_id", sr.ID),
		slog.String("plan_id", sr.Plan.ID),
	)

	var input map[string]any
	if len(sr.Input) > 0 {
		if err := json.Unmarshal(sr.Input, &input); err != nil {
			// Bad stored input: still advance the clock so the schedule does
			// not hot-loop every tick.
			_ = s.advance(ctx, sr, now)
			return fmt.Errorf("unmarshal scheduled input: %w", err)
		}
	}

	runID, err := s.runner.ExecutePlan(ctx, &sr.Plan, input)
	if err != nil {
		s.logger.Error("scheduled run rejected",
			slog.String("schedule_id", sr.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run launched",
			slog.String("schedule_id", sr.ID),
			slog.String("run_id", runID),
		)
	}

	return s.advance(ctx, sr, now)
}

func (s *Scheduler) advance(ctx context.Context, sr *store.ScheduledRun, now time.Time) error {
	nextRun, err := s.CalculateNextRun(sr.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sr.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, sr.ID, store.ScheduledRunUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already launching.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next launch time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
