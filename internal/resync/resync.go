// Package resync periodically refreshes the registry from the control
// surface. The stream keeps the registry current event by event; the
// scheduled listing covers jobs created before any session attached and
// anything lost beyond the dedup window during a long outage.
package resync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/jobstream/internal/event"
	"github.com/loykin/jobstream/internal/registry"
	"github.com/loykin/jobstream/pkg/client"
)

// DefaultSchedule refreshes every five minutes.
const DefaultSchedule = "@every 5m"

const listTimeout = 15 * time.Second

// Resyncer runs ListJobs on a cron schedule and folds the result into the
// registry as an explicit snapshot refresh.
type Resyncer struct {
	mu        sync.Mutex
	api       *client.Client
	reg       *registry.Registry
	scheduler *cron.Cron
	schedule  string
	limit     int
	entryID   cron.EntryID
	running   bool
	logger    *slog.Logger
}

// New builds a Resyncer. schedule accepts cron expressions and @every
// durations; empty selects DefaultSchedule.
func New(api *client.Client, reg *registry.Registry, schedule string, limit int, logger *slog.Logger) *Resyncer {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resyncer{
		api:       api,
		reg:       reg,
		scheduler: cron.New(),
		schedule:  schedule,
		limit:     limit,
		logger:    logger,
	}
}

// Start schedules the periodic refresh and runs one refresh immediately.
func (r *Resyncer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	id, err := r.scheduler.AddFunc(r.schedule, func() {
		if err := r.RunOnce(context.Background()); err != nil {
			r.logger.Warn("scheduled resync failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", r.schedule, err)
	}
	r.entryID = id
	r.scheduler.Start()
	r.running = true
	r.logger.Info("resync scheduled", "schedule", r.schedule)

	go func() {
		if err := r.RunOnce(context.Background()); err != nil {
			r.logger.Warn("initial resync failed", "error", err)
		}
	}()
	return nil
}

// Stop halts the schedule. Safe to call when not started.
func (r *Resyncer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.scheduler.Remove(r.entryID)
	r.scheduler.Stop()
	r.running = false
}

// RunOnce performs a single listing refresh.
func (r *Resyncer) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	jobs, err := r.api.ListJobs(ctx, nil, r.limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	snapshot := make([]registry.Job, 0, len(jobs))
	for _, j := range jobs {
		snapshot = append(snapshot, registry.Job{
			ID:              j.JobID,
			State:           event.JobState(j.State),
			CreatedAt:       j.CreatedAt,
			StartedAt:       j.StartedAt,
			CompletedAt:     j.CompletedAt,
			Config:          j.Config,
			ProgressPercent: j.ProgressPercent,
			ProgressPhase:   j.ProgressPhase,
			ErrorCode:       j.ErrorCode,
			ErrorMessage:    j.ErrorMessage,
		})
	}
	r.reg.SyncSnapshot(snapshot)
	r.logger.Debug("resync complete", "jobs", len(snapshot))
	return nil
}
