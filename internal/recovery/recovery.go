// Package recovery re-enqueues execution jobs lost while no worker was
// running: tasks left in READY or EXECUTING with no job in the queue.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// Tasks is the task service surface the sweep reads.
type Tasks interface {
	InFlight(ctx context.Context) ([]*task.Task, error)
	Plan(ctx context.Context, taskID string) (*task.ExecutionPlan, error)
	Repository(ctx context.Context, repoID string) (*task.Repository, error)
}

// Jobs is the queue surface the sweep writes.
type Jobs interface {
	Exists(ctx context.Context, taskID string) (bool, error)
	Enqueue(ctx context.Context, job task.ExecutionJob) (bool, error)
}

// Report counts what a sweep did.
type Report struct {
	Scanned  int `json:"scanned"`
	Requeued int `json:"requeued"`
	Queued   int `json:"queued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Sweeper finds in-flight tasks without a queued job.
type Sweeper struct {
	tasks  Tasks
	jobs   Jobs
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(tasks Tasks, jobs Jobs, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{tasks: tasks, jobs: jobs, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Sweep enqueues a job for every READY or EXECUTING task that has an
// approved plan and a repository but no queued job. Per-task errors are
// counted and logged; only a failure to list tasks aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var r Report

	tasks, err := s.tasks.InFlight(ctx)
	if err != nil {
		return r, fmt.Errorf("listing in-flight tasks: %w", err)
	}
	r.Scanned = len(tasks)

	for _, t := range tasks {
		log := s.logger.With(zap.String("task_id", t.ID), zap.String("stage", t.Stage.String()))
		outcome, err := s.recover(ctx, t)
		if err != nil {
			r.Failed++
			log.Error("recovery failed", zap.Error(err))
			continue
		}
		switch outcome {
		case requeued:
			r.Requeued++
			log.Info("re-enqueued orphaned task")
		case queued:
			r.Queued++
		case skipped:
			r.Skipped++
		}
	}

	s.logger.Info("recovery sweep complete",
		zap.Int("scanned", r.Scanned),
		zap.Int("requeued", r.Requeued),
		zap.Int("queued", r.Queued),
		zap.Int("skipped", r.Skipped),
		zap.Int("failed", r.Failed))
	return r, nil
}

type outcome int

const (
	requeued outcome = iota
	queued
	skipped
)

func (s *Sweeper) recover(ctx context.Context, t *task.Task) (outcome, error) {
	plan, err := s.tasks.Plan(ctx, t.ID)
	if errors.Is(err, task.ErrNotFound) {
		s.logger.Warn("in-flight task has no plan, skipping", zap.String("task_id", t.ID))
		return skipped, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return skipped, nil
	}

	if t.RepositoryID == "" {
		s.logger.Warn("in-flight task has no repository, skipping", zap.String("task_id", t.ID))
		return skipped, nil
	}
	if _, err := s.tasks.Repository(ctx, t.RepositoryID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return skipped, nil
		}
		return 0, fmt.Errorf("loading repository: %w", err)
	}

	exists, err := s.jobs.Exists(ctx, t.ID)
	if err != nil {
		return 0, fmt.Errorf("checking queue: %w", err)
	}
	if exists {
		return queued, nil
	}

	added, err := s.jobs.Enqueue(ctx, task.NewExecutionJob(t, plan, s.now()))
	if err != nil {
		return 0, fmt.Errorf("enqueueing: %w", err)
	}
	if !added {
		// Another process enqueued it between Exists and Enqueue.
		return queued, nil
	}
	return requeued, nil
}
