package http

import (
	"github.com/fyrsmithlabs/loopforge/internal/queue"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version,omitempty"`
	Queue   *queue.Counts `json:"queue,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TransitionBody is the request body for POST /api/v1/tasks/:id/stage.
// resetData may also be given as a query parameter.
type TransitionBody struct {
	Stage     string `json:"stage"`
	Feedback  string `json:"feedback,omitempty"`
	ResetData bool   `json:"resetData,omitempty"`
}

// RejectBody is the request body for POST /api/v1/tasks/:id/plan/reject.
type RejectBody struct {
	Feedback string `json:"feedback"`
}

// TaskList is the response body for GET /api/v1/tasks.
type TaskList struct {
	Tasks []*task.Task `json:"tasks"`
}

// LogPage is the response body for GET /api/v1/tasks/:id/logs. Next is the
// cursor to pass as after for the following page.
type LogPage struct {
	Logs []*task.ExecutionLog `json:"logs"`
	Next int64                `json:"next"`
}

// Timeline is the response body for GET /api/v1/tasks/:id/timeline.
type Timeline struct {
	Entries []task.TimelineEntry `json:"entries"`
}

// Messages is the response body for GET /api/v1/tasks/:id/messages.
type Messages struct {
	Messages []*task.ChatMessage `json:"messages"`
}
