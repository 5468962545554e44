// Package scheduler triggers regression batches from cron expressions kept in
// the store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/pkg/schema"
)

// DefaultInterval is how often the store is polled for due batches.
const DefaultInterval = 60 * time.Second

// Run statuses recorded on a scheduled batch.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// BatchLauncher runs the batch a schedule describes and returns its id.
type BatchLauncher interface {
	LaunchBatch(ctx context.Context, job *store.ScheduledBatch) (string, error)
}

// Scheduler polls the store for due scheduled batches and launches them.
type Scheduler struct {
	store    store.Store
	launcher BatchLauncher
	parser   cron.Parser
	logger   *slog.Logger
	ids      schema.IDGenerator
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, launcher BatchLauncher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		ids:      schema.UUIDGenerator(),
		interval: DefaultInterval,
		inflight: make(map[string]struct{}),
	}
}

// Add validates cronExpr and stores a new enabled schedule for flowID.
// personaSet is a persona YAML path; empty means the built-in personas.
func (s *Scheduler) Add(ctx context.Context, flowID, cronExpr, personaSet string) (*store.ScheduledBatch, error) {
	now := time.Now().UTC()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}
	job := &store.ScheduledBatch{
		ID:             s.ids(),
		FlowID:         flowID,
		CronExpression: cronExpr,
		PersonaSet:     personaSet,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledBatch(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule added",
		slog.String("schedule_id", job.ID), slog.String("flow_id", flowID), slog.String("cron", cronExpr))
	return job, nil
}

// Start launches the background polling loop.
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
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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

// tick launches every enabled schedule that is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledBatches(ctx, store.ScheduledBatchFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled batches", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.launch(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled batch",
				slog.String("schedule_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// launch runs one schedule and records its status and next run time.
func (s *Scheduler) launch(ctx context.Context, job *store.ScheduledBatch, now time.Time) error {
	s.logger.InfoContext(ctx, "running scheduled batch",
		slog.String("schedule_id", job.ID),
		slog.String("flow_id", job.FlowID),
	)

	batchID, err := s.launcher.LaunchBatch(ctx, job)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.ErrorContext(ctx, "scheduled batch failed",
			slog.String("schedule_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	if batchID != "" {
		payload, _ := json.Marshal(map[string]string{"scheduleId": job.ID, "status": status})
		if err := s.store.AppendEvent(ctx, &store.Event{BatchID: batchID, Type: schema.EventScheduleTriggered, Payload: payload}); err != nil {
			s.logger.WarnContext(ctx, "schedule event not recorded", slog.String("error", err.Error()))
		}
	}

	return s.updateStatus(ctx, job, now, status, batchID)
}

func (s *Scheduler) updateStatus(ctx context.Context, job *store.ScheduledBatch, now time.Time, status, batchID string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledBatch(ctx, job.ID, store.ScheduledBatchUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
		LastBatchID:   batchID,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
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

// RecoverMissed launches, once, every schedule whose next run passed while
// the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledBatches(ctx, store.ScheduledBatchFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.launch(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
