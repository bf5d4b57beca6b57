package task

import (
	"context"

	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// ListFilter narrows ListTasks.
type ListFilter struct {
	Stages       []stage.Stage
	RepositoryID string
}

// Reader is the read side of persistence. Lookups of missing records
// return ErrNotFound.
type Reader interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns an owner's tasks, newest first. An empty ownerID
	// lists across owners.
	ListTasks(ctx context.Context, ownerID string, filter ListFilter) ([]*Task, error)
	GetPlan(ctx context.Context, taskID string) (*ExecutionPlan, error)
	// ListLogs returns up to limit entries with Sequence > after, in
	// sequence order. limit <= 0 means no limit.
	ListLogs(ctx context.Context, taskID string, after int64, limit int) ([]*ExecutionLog, error)
	ListCommits(ctx context.Context, taskID string) ([]*Commit, error)
	ListStageEvents(ctx context.Context, taskID string) ([]*StageEvent, error)
	// ListChatMessages returns the most recent limit messages, oldest first.
	ListChatMessages(ctx context.Context, taskID string, limit int) ([]*ChatMessage, error)
	GetRepository(ctx context.Context, id string) (*Repository, error)
}

// Tx is a unit of atomic writes. Reads through a Tx observe its own
// uncommitted writes.
type Tx interface {
	Reader

	CreateTask(ctx context.Context, t *Task) error
	// UpdateTask stores t if the stored version equals t.Version, then
	// increments t.Version. A mismatch returns ErrConflict.
	UpdateTask(ctx context.Context, t *Task) error
	// DeleteTask removes the task with its plan, logs, commits, chat
	// messages and stage events.
	DeleteTask(ctx context.Context, id string) error

	PutPlan(ctx context.Context, p *ExecutionPlan) error
	DeletePlan(ctx context.Context, taskID string) error

	// AppendLog assigns the next sequence for the task. Sequences are never
	// reused, even after DeleteLogs.
	AppendLog(ctx context.Context, l *ExecutionLog) error
	DeleteLogs(ctx context.Context, taskID string) error

	AddCommit(ctx context.Context, c *Commit) error
	DeleteCommits(ctx context.Context, taskID string) error

	AppendStageEvent(ctx context.Context, e *StageEvent) error
	AppendChatMessage(ctx context.Context, m *ChatMessage) error

	PutRepository(ctx context.Context, r *Repository) error
	PutProviderConfig(ctx context.Context, c *llm.ProviderConfig) error
}

// Store is the persistence contract.
type Store interface {
	Reader
	llm.ConfigSource

	// Update runs fn in a transaction. If fn returns an error nothing it
	// wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// PlanGenerator produces plan steps for a task. It never fails because a
// model is unavailable; it falls back to a fixed plan instead.
type PlanGenerator interface {
	Generate(ctx context.Context, taskID string) ([]PlanStep, error)
}

// Enqueuer schedules execution jobs. Enqueue reports false when a job for
// the task already exists.
type Enqueuer interface {
	Enqueue(ctx context.Context, job ExecutionJob) (bool, error)
}
