package task

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// The methods in this file are used by the execution pipeline and the
// auto-merge watcher. They skip the owner check and may take the
// system-only transitions.

// Get returns a task regardless of owner.
func (s *Service) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// Plan returns a task's plan regardless of owner.
func (s *Service) Plan(ctx context.Context, taskID string) (*ExecutionPlan, error) {
	return s.store.GetPlan(ctx, taskID)
}

// Repository returns a linked repository.
func (s *Service) Repository(ctx context.Context, repoID string) (*Repository, error) {
	return s.store.GetRepository(ctx, repoID)
}

// InFlight lists READY and EXECUTING tasks across all owners.
func (s *Service) InFlight(ctx context.Context) ([]*Task, error) {
	return s.store.ListTasks(ctx, "", ListFilter{Stages: []stage.Stage{stage.Ready, stage.Executing}})
}

// Advance moves a task to the given stage as automation.
func (s *Service) Advance(ctx context.Context, taskID string, to stage.Stage) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	move, err := stage.CheckSystem(t.Stage, to)
	if err != nil {
		return nil, err
	}
	plan, err := s.optionalPlan(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, t, plan, move, TransitionRequest{Stage: to}, nil)
}

// Log appends an execution log entry and announces it on the board.
func (s *Service) Log(ctx context.Context, taskID string, level LogLevel, message string, metadata map[string]any) (*ExecutionLog, error) {
	entry := &ExecutionLog{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: s.now(),
	}
	var ownerID string
	err := s.store.Update(ctx, func(tx Tx) error {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		ownerID = t.OwnerID
		return tx.AppendLog(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("appending log: %w", err)
	}
	s.notifier.Publish(ctx, Event{Type: EventLogAppended, OwnerID: ownerID, TaskID: taskID, Log: entry, At: entry.CreatedAt})
	s.log(ctx).Debug("execution log",
		zap.String("task_id", taskID),
		zap.String("level", string(level)),
		zap.String("message", message),
		zap.Int64("sequence", entry.Sequence))
	return entry, nil
}

// SetFeatureBranch records the branch the pipeline works on.
func (s *Service) SetFeatureBranch(ctx context.Context, taskID, branch string) (*Task, error) {
	return s.edit(ctx, taskID, func(t *Task) { t.FeatureBranch = branch })
}

// SetPullRequest records the opened pull request.
func (s *Service) SetPullRequest(ctx context.Context, taskID, url string, number int) (*Task, error) {
	return s.edit(ctx, taskID, func(t *Task) {
		t.PRURL = url
		t.PRNumber = number
	})
}

// RecordCommit stores a commit made for the task.
func (s *Service) RecordCommit(ctx context.Context, c *Commit) error {
	if c.CommittedAt.IsZero() {
		c.CommittedAt = s.now()
	}
	return s.store.Update(ctx, func(tx Tx) error { return tx.AddCommit(ctx, c) })
}

func (s *Service) edit(ctx context.Context, taskID string, fn func(*Task)) (*Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	fn(t)
	t.UpdatedAt = s.now()
	if err := s.store.Update(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, t) }); err != nil {
		return nil, err
	}
	s.notifier.Publish(ctx, Event{Type: EventTaskUpdated, OwnerID: t.OwnerID, TaskID: t.ID, Task: t.Clone(), At: t.UpdatedAt})
	return t.Clone(), nil
}
