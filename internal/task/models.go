// Package task holds the task workflow domain: the entities a task owns, the
// persistence contract they live behind, and the Service that applies stage
// transitions, plan approval and rejection with their side effects.
package task

import (
	"time"

	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// Task is a unit of work moving through the workflow.
type Task struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"ownerId"`
	RepositoryID   string      `json:"repositoryId,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Stage          stage.Stage `json:"stage"`
	FeatureBranch  string      `json:"featureBranch,omitempty"`
	PRURL          string      `json:"prUrl,omitempty"`
	PRNumber       int         `json:"prNumber,omitempty"`
	AutonomousMode bool        `json:"autonomousMode"`
	// Version increments on every write and guards against lost updates.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy safe to mutate.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// PlanStatus is the review state of an execution plan.
type PlanStatus string

const (
	PlanPendingReview PlanStatus = "PENDING_REVIEW"
	PlanApproved      PlanStatus = "APPROVED"
	PlanRejected      PlanStatus = "REJECTED"
)

// PlanStep is one atomic unit of an implementation plan.
type PlanStep struct {
	StepNumber       int    `json:"stepNumber"`
	Description      string `json:"description"`
	EstimatedChanges string `json:"estimatedChanges"`
}

// ExecutionPlan is the ordered plan attached one-to-one to a task.
type ExecutionPlan struct {
	TaskID     string     `json:"taskId"`
	Steps      []PlanStep `json:"steps"`
	Status     PlanStatus `json:"status"`
	Feedback   string     `json:"feedback,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = append([]PlanStep(nil), p.Steps...)
	if p.ApprovedAt != nil {
		at := *p.ApprovedAt
		c.ApprovedAt = &at
	}
	return &c
}

// Approved reports whether the plan passes the READY gate.
func (p *ExecutionPlan) Approved() bool {
	return p != nil && p.Status == PlanApproved
}

// LogLevel classifies an execution log entry.
type LogLevel string

const (
	LogInfo   LogLevel = "INFO"
	LogAction LogLevel = "ACTION"
	LogError  LogLevel = "ERROR"
	LogCommit LogLevel = "COMMIT"
)

// ExecutionLog is one append-only entry in a task's execution log.
type ExecutionLog struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Sequence  int64          `json:"sequence"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Commit records a code commit made on behalf of a task.
type Commit struct {
	TaskID       string    `json:"taskId"`
	SHA          string    `json:"sha"`
	Branch       string    `json:"branch"`
	Message      string    `json:"message"`
	FilesChanged int       `json:"filesChanged"`
	CommittedAt  time.Time `json:"committedAt"`
}

// Repository is a linked Git-hosting repository.
type Repository struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// FullName returns owner/name.
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatMessage is one message of the brainstorming conversation.
type ChatMessage struct {
	TaskID    string    `json:"taskId"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// StageEvent records a committed stage change. Stage events survive resets.
type StageEvent struct {
	TaskID string      `json:"taskId"`
	From   stage.Stage `json:"from"`
	To     stage.Stage `json:"to"`
	At     time.Time   `json:"at"`
}

// ExecutionJob is the queue payload for running an approved plan. Its
// identity is the task id.
type ExecutionJob struct {
	TaskID       string     `json:"taskId"`
	OwnerID      string     `json:"ownerId"`
	RepositoryID string     `json:"repositoryId"`
	Steps        []PlanStep `json:"steps"`
	EnqueuedAt   time.Time  `json:"enqueuedAt"`
}

// NewExecutionJob snapshots the plan steps of an approved task.
func NewExecutionJob(t *Task, plan *ExecutionPlan, now time.Time) ExecutionJob {
	return ExecutionJob{
		TaskID:       t.ID,
		OwnerID:      t.OwnerID,
		RepositoryID: t.RepositoryID,
		Steps:        append([]PlanStep(nil), plan.Steps...),
		EnqueuedAt:   now,
	}
}
