package task

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// EventType names a board event pushed to listeners.
type EventType string

const (
	EventTaskCreated  EventType = "task-created"
	EventTaskUpdated  EventType = "task-updated"
	EventTaskDeleted  EventType = "task-deleted"
	EventStageChanged EventType = "stage-changed"
	EventLogAppended  EventType = "log-appended"
)

// Event is a board notification scoped to an owner.
type Event struct {
	Type    EventType     `json:"type"`
	OwnerID string        `json:"ownerId"`
	TaskID  string        `json:"taskId"`
	Task    *Task         `json:"task,omitempty"`
	From    *stage.Stage  `json:"from,omitempty"`
	To      *stage.Stage  `json:"to,omitempty"`
	Log     *ExecutionLog `json:"log,omitempty"`
	At      time.Time     `json:"at"`
}

// Notifier pushes board events to external listeners. Delivery is best
// effort: implementations log failures and never return them.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, Event) {}
