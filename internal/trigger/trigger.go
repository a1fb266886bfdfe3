// Package trigger is the cron-based scheduler that fires dispatched
// executions for every workflow entity carrying a non-empty schedule,
// adapted from the teacher's workflow.Scheduler (internal/service/workflow
// scheduler.go): same leader-election-via-cluster-lock and
// stop/rebuild-on-reload shape, driving internal/dispatch.Enqueue instead
// of the teacher's in-process graph engine.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldline-go/hardloop"

	"github.com/jackmusick/bifrost-core/internal/cluster"
	"github.com/jackmusick/bifrost-core/internal/dispatch"
	"github.com/jackmusick/bifrost-core/internal/model"
)

// EntityLister returns every active, scheduled workflow entity, used to
// (re)build the cron runner.
type EntityLister func(ctx context.Context) ([]model.Entity, error)

// cronRunner is satisfied by hardloop's unexported *cronJob type, mirroring
// the teacher's pattern of storing it behind a small interface.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Scheduler fires a dispatch.Enqueue call for each scheduled workflow
// entity on its cron schedule.
type Scheduler struct {
	entities EntityLister
	disp     *dispatch.Dispatcher
	cluster  *cluster.Cluster

	mu     sync.Mutex
	cron   cronRunner
	cancel context.CancelFunc
	ctx    context.Context
}

func New(entities EntityLister, disp *dispatch.Dispatcher, cl *cluster.Cluster) *Scheduler {
	return &Scheduler{entities: entities, disp: disp, cluster: cl}
}

// Start loads scheduled entities and begins firing them, electing
// leadership across replicas first when clustering is configured.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx

	if s.cluster != nil {
		go s.runLockLoop(ctx)
		return nil
	}

	return s.reload()
}

func (s *Scheduler) runLockLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		slog.Info("trigger: attempting to acquire leader lock")
		if err := s.cluster.LockScheduler(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("trigger: acquire lock failed, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		slog.Info("trigger: acquired leader lock, starting cron runner")
		s.mu.Lock()
		if err := s.reload(); err != nil {
			slog.Error("trigger: start cron runner failed", "error", err)
		}
		s.mu.Unlock()

		<-ctx.Done()

		slog.Info("trigger: releasing leader lock")
		s.Stop()
		s.cluster.UnlockScheduler() //nolint:errcheck
		return
	}
}

// Reload rebuilds the cron runner from the current set of scheduled
// entities. Call after any entity's schedule changes (discovery upsert,
// reindex).
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reload()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

func (s *Scheduler) reload() error {
	s.stopLocked()

	if s.ctx == nil {
		return nil
	}

	entities, err := s.entities(s.ctx)
	if err != nil {
		return fmt.Errorf("trigger: load scheduled entities: %w", err)
	}

	var crons []hardloop.Cron
	for _, e := range entities {
		if e.Type != model.EntityWorkflow || e.Schedule == "" {
			continue
		}

		entity := e
		crons = append(crons, hardloop.Cron{
			Name:  "entity-" + entity.ID,
			Specs: []string{entity.Schedule},
			Func:  s.makeCronFunc(entity),
		})
	}

	if len(crons) == 0 {
		slog.Info("trigger: no scheduled workflows found")
		return nil
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("trigger: create cron runner: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("trigger: start cron runner: %w", err)
	}

	slog.Info("trigger: started scheduled workflows", "count", len(crons))
	return nil
}

func (s *Scheduler) makeCronFunc(entity model.Entity) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		caller := model.CallerIdentity{IsPlatformAdmin: true}
		if entity.OrganizationID != nil {
			caller.OrganizationID = *entity.OrganizationID
		}

		id, err := s.disp.Enqueue(ctx, dispatch.EnqueueParams{
			WorkflowID:   entity.ID,
			FunctionName: entity.FunctionName,
			Path:         entity.Path,
			Caller:       caller,
			Sync:         false,
		})
		if err != nil {
			slog.Error("trigger: enqueue failed", "entity_id", entity.ID, "schedule", entity.Schedule, "error", err)
			return nil // don't stop the cron loop on a dispatch failure
		}

		slog.Info("trigger: fired", "entity_id", entity.ID, "execution_id", id, "schedule", entity.Schedule)
		return nil
	}
}
