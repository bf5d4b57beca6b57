package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// TimelineEntryType classifies a timeline entry.
type TimelineEntryType string

const (
	TimelineEvent  TimelineEntryType = "event"
	TimelineLog    TimelineEntryType = "log"
	TimelineCommit TimelineEntryType = "commit"
)

// TimelineEntry is one item of a task's history.
type TimelineEntry struct {
	Type      TimelineEntryType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Level     LogLevel          `json:"level,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Timeline merges task creation, stage changes, execution logs and commits
// into one chronological list.
func (s *Service) Timeline(ctx context.Context, ownerID, taskID string) ([]TimelineEntry, error) {
	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListStageEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing stage events: %w", err)
	}
	logs, err := s.store.ListLogs(ctx, taskID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	commits, err := s.store.ListCommits(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}

	out := make([]TimelineEntry, 0, 1+len(events)+len(logs)+len(commits))
	out = append(out, TimelineEntry{Type: TimelineEvent, Timestamp: t.CreatedAt, Message: "Task created"})
	for _, e := range events {
		out = append(out, TimelineEntry{
			Type:      TimelineEvent,
			Timestamp: e.At,
			Message:   fmt.Sprintf("Moved from %s → %s", e.From, e.To),
			Metadata:  map[string]any{"fromStage": e.From.String(), "toStage": e.To.String()},
		})
	}
	for _, l := range logs {
		out = append(out, TimelineEntry{
			Type:      TimelineLog,
			Timestamp: l.CreatedAt,
			Level:     l.Level,
			Message:   l.Message,
			Metadata:  l.Metadata,
		})
	}
	for _, c := range commits {
		out = append(out, TimelineEntry{
			Type:      TimelineCommit,
			Timestamp: c.CommittedAt,
			Message:   "Commit: " + c.Message,
			Metadata:  map[string]any{"sha": c.SHA, "branch": c.Branch, "filesChanged": c.FilesChanged},
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// StageStatus is a stage's position relative to the task's current stage.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageActive    StageStatus = "active"
	StagePending   StageStatus = "pending"
)

// StageNode describes one stage in a task's flow.
type StageNode struct {
	Stage       stage.Stage `json:"stage"`
	Status      StageStatus `json:"status"`
	EnteredAt   *time.Time  `json:"enteredAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// FlowTransition is a recorded stage change with its direction.
type FlowTransition struct {
	From      stage.Stage `json:"from"`
	To        stage.Stage `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	Backward  bool        `json:"backward"`
}

// FlowStats summarizes what a task has accumulated.
type FlowStats struct {
	ChatMessages int        `json:"chatMessageCount"`
	LogEntries   int        `json:"executionLogCount"`
	Commits      int        `json:"commitCount"`
	PlanSteps    int        `json:"planStepCount"`
	PlanStatus   PlanStatus `json:"executionPlanStatus,omitempty"`
	FilesChanged int        `json:"filesChanged"`
}

// Flow is a per-stage view of a task's progress.
type Flow struct {
	Task        *Task            `json:"task"`
	Stages      []StageNode      `json:"stages"`
	Transitions []FlowTransition `json:"transitions"`
	Stats       FlowStats        `json:"stats"`
}

// Flow reports which stages a task has visited and when.
func (s *Service) Flow(ctx context.Context, ownerID, taskID string) (*Flow, error) {
	t, err := s.loadOwned(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListStageEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, taskID, 0, 0)
	if err != nil {
		return nil, err
	}
	commits, err := s.store.ListCommits(ctx, taskID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListChatMessages(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, taskID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	flow := &Flow{Task: t}
	visited := map[stage.Stage]bool{stage.Todo: true, t.Stage: true}
	for _, e := range events {
		flow.Transitions = append(flow.Transitions, FlowTransition{
			From: e.From, To: e.To, Timestamp: e.At, Backward: stage.IsBackward(e.From, e.To),
		})
		visited[e.From] = true
		visited[e.To] = true
	}

	for _, st := range stage.All() {
		node := StageNode{Stage: st, Status: StagePending}
		switch {
		case st == t.Stage && st == stage.Executing:
			node.Status = StageActive
		case st == t.Stage:
			node.Status = StageCompleted
		case st == stage.Stuck:
			if visited[stage.Stuck] {
				node.Status = StageCompleted
			}
		case t.Stage != stage.Stuck && stage.IsBackward(t.Stage, st):
			node.Status = StageCompleted
		}
		for _, e := range events {
			if e.To == st && node.EnteredAt == nil {
				at := e.At
				node.EnteredAt = &at
			}
			if e.From == st && node.CompletedAt == nil {
				at := e.At
				node.CompletedAt = &at
			}
		}
		if st == stage.Todo && node.EnteredAt == nil {
			at := t.CreatedAt
			node.EnteredAt = &at
		}
		flow.Stages = append(flow.Stages, node)
	}

	flow.Stats = FlowStats{
		ChatMessages: len(msgs),
		LogEntries:   len(logs),
		Commits:      len(commits),
	}
	for _, c := range commits {
		flow.Stats.FilesChanged += c.FilesChanged
	}
	if plan != nil {
		flow.Stats.PlanSteps = len(plan.Steps)
		flow.Stats.PlanStatus = plan.Status
	}
	return flow, nil
}
