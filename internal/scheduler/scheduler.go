// Package scheduler runs stored trigger scripts on their cron schedules.
// It polls the script store for due triggers and runs each through the same
// supervisor as on-demand scripts.
//
// Scheduled execution is never privileged execution: triggers are
// instrumented and counted like any other stored script.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/storage"
	"github.com/jkaninda/scriptbox/internal/supervisor"
)

// Runner executes stored scripts in their guild.
type Runner interface {
	Run(ctx context.Context, guildID string, scripts ...storage.Script) (*supervisor.ExecutionResult, error)
}

// Scheduler polls for due triggers and runs them.
// It runs as a background goroutine in serve mode.
type Scheduler struct {
	store   storage.Store
	runner  Runner
	metrics *Metrics
	logger  *slog.Logger
	config  *config.SchedulerConfig
	now     func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Scheduler.
func New(store storage.Store, runner Runner, metrics *Metrics, logger *slog.Logger, cfg *config.SchedulerConfig) *Scheduler {
	if cfg == nil {
		cfg = &config.SchedulerConfig{}
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "trigger scheduler started",
			slog.String("poll_interval", s.config.PollInterval().String()),
			slog.Int("max_concurrent", s.config.MaxConcurrent()),
		)

		// Recover missed triggers on startup.
		s.recoverMissed(ctx)

		ticker := time.NewTicker(s.config.PollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("trigger scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs a single poll cycle: find due triggers, run them, record results.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := s.now()

	// Row locks taken by DueTriggers are held until RecordRun commits.
	err := s.store.WithinTx(ctx, func(tx storage.ScriptStore) error {
		due, err := tx.DueTriggers(ctx, now)
		if err != nil {
			return fmt.Errorf("polling due triggers: %w", err)
		}
		if len(due) == 0 {
			return nil
		}

		s.logger.InfoContext(ctx, "triggers due", slog.Int("count", len(due)))

		sem := make(chan struct{}, s.config.MaxConcurrent())
		var wg sync.WaitGroup
		for i := range due {
			sc := due[i]
			sem <- struct{}{}
			wg.Add(1)
			go func(sc storage.Script) {
				defer wg.Done()
				defer func() { <-sem }()
				s.fire(ctx, tx, &sc)
			}(sc)
		}
		wg.Wait()
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", slog.String("error", err.Error()))
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// fire runs one trigger and records its outcome.
func (s *Scheduler) fire(ctx context.Context, store storage.ScriptStore, sc *storage.Script) {
	s.logger.InfoContext(ctx, "firing trigger",
		slog.String("script_id", sc.ID.String()),
		slog.String("guild_id", sc.GuildID),
		slog.String("identifier", sc.Identifier),
	)
	if s.metrics != nil {
		s.metrics.TriggersFired.Inc()
	}

	var status, label string
	res, err := s.runner.Run(ctx, sc.GuildID, *sc)
	switch {
	case err != nil:
		status, label = "error: "+err.Error(), "error"
		s.logger.ErrorContext(ctx, "trigger failed to start",
			slog.String("script_id", sc.ID.String()),
			slog.String("error", err.Error()),
		)
	default:
		status = string(res.Status)
		label = status
	}
	if s.metrics != nil {
		s.metrics.Triggers.WithLabelValues(label).Inc()
	}

	next := s.nextRun(sc.Schedule)
	if recordErr := store.RecordRun(ctx, sc.ID, status, next); recordErr != nil {
		s.logger.ErrorContext(ctx, "failed to record trigger run",
			slog.String("script_id", sc.ID.String()),
			slog.String("error", recordErr.Error()),
		)
	}
}

// recoverMissed fires triggers whose NextRunAt passed while the scheduler was
// down, and advances those older than the missed window without running them.
func (s *Scheduler) recoverMissed(ctx context.Context) {
	now := s.now()
	window := now.Add(-s.config.MissedJobWindow())

	err := s.store.WithinTx(ctx, func(tx storage.ScriptStore) error {
		due, err := tx.DueTriggers(ctx, now)
		if err != nil {
			return err
		}

		var missed, fired int
		for i := range due {
			sc := &due[i]
			if sc.NextRunAt != nil && sc.NextRunAt.Before(window) {
				_ = tx.RecordRun(ctx, sc.ID, "skipped: outside missed window", s.nextRun(sc.Schedule))
				if s.metrics != nil {
					s.metrics.TriggersMissed.Inc()
				}
				missed++
				continue
			}
			fired++
			s.fire(ctx, tx, sc)
		}

		if fired > 0 || missed > 0 {
			s.logger.InfoContext(ctx, "recovered missed triggers",
				slog.Int("fired", fired),
				slog.Int("skipped", missed),
			)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to recover missed triggers", slog.String("error", err.Error()))
	}
}

// nextRun returns the next run time of expr after now.
func (s *Scheduler) nextRun(expr string) time.Time {
	next, err := NextRunFrom(expr, s.now())
	if err != nil {
		s.logger.Error("invalid cron expression", slog.String("expr", expr), slog.String("error", err.Error()))
		return s.now().Add(24 * time.Hour)
	}
	return next
}

// NextRunFrom computes the next run time of expr after from.
// Exported for use by the HTTP API when creating or activating triggers.
func NextRunFrom(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
