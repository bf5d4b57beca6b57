package workflows

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// Tasks is the slice of the task service the activities need.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*task.Task, error)
	Advance(ctx context.Context, taskID string, to stage.Stage) (*task.Task, error)
	Log(ctx context.Context, taskID string, level task.LogLevel, message string, metadata map[string]any) (*task.ExecutionLog, error)
}

// Activities holds the dependencies of the auto-merge activities. Register
// the struct with a worker; the workflow calls its methods by name.
type Activities struct {
	Tasks    Tasks
	Gateways execution.Gateways
	// Driver labels outcome metrics.
	Driver string
}

// NewActivities creates the auto-merge activities.
func NewActivities(tasks Tasks, gateways execution.Gateways) *Activities {
	return &Activities{Tasks: tasks, Gateways: gateways, Driver: "temporal"}
}

// InReview reports whether the task still sits in CODE_REVIEW on the same
// pull request. A deleted task is not in review.
func (a *Activities) InReview(ctx context.Context, in ReviewInput) (ok bool, err error) {
	defer func(start time.Time) { observe(ctx, "in_review", start, err) }(time.Now())

	t, err := a.Tasks.Get(ctx, in.TaskID)
	if errors.Is(err, task.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapActivityError("load_task", err)
	}
	return t.Stage == stage.CodeReview && t.PRNumber == in.PRNumber, nil
}

// PullRequestStatus fetches mergeability and check results.
func (a *Activities) PullRequestStatus(ctx context.Context, in StatusInput) (status *vcs.PullRequestStatus, err error) {
	defer func(start time.Time) { observe(ctx, "pull_request_status", start, err) }(time.Now())

	gw, err := a.Gateways.ForOwner(ctx, in.OwnerID)
	if err != nil {
		return nil, wrapActivityError("gateway", err)
	}
	status, err = gw.PullRequestStatus(ctx, in.Repo, in.PRNumber)
	if err != nil {
		return nil, wrapActivityError("pull_request_status", err)
	}
	return status, nil
}

// MergePullRequest merges the pull request with the configured method.
func (a *Activities) MergePullRequest(ctx context.Context, in MergeInput) (err error) {
	defer func(start time.Time) { observe(ctx, "merge_pull_request", start, err) }(time.Now())

	gw, err := a.Gateways.ForOwner(ctx, in.OwnerID)
	if err != nil {
		return wrapActivityError("gateway", err)
	}
	activity.GetLogger(ctx).Info("Merging pull request", "repo", in.Repo.String(), "pr", in.PRNumber, "method", in.Method)
	return wrapActivityError("merge_pull_request", gw.MergePullRequest(ctx, in.Repo, in.PRNumber, in.Method))
}

// Note appends an execution log entry for the task.
func (a *Activities) Note(ctx context.Context, in NoteInput) (err error) {
	defer func(start time.Time) { observe(ctx, "note", start, err) }(time.Now())

	_, err = a.Tasks.Log(ctx, in.TaskID, in.Level, in.Message, nil)
	return wrapActivityError("append_log", err)
}

// Finish records the outcome metric and advances the task when asked. A
// task that moved on in the meantime is left alone.
func (a *Activities) Finish(ctx context.Context, in FinishInput) (err error) {
	defer func(start time.Time) { observe(ctx, "finish", start, err) }(time.Now())

	execution.RecordMergeOutcome(ctx, a.Driver, in.Outcome)
	if !in.Advance {
		return nil
	}
	_, err = a.Tasks.Advance(ctx, in.TaskID, in.Stage)
	if errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrNotFound) {
		activity.GetLogger(ctx).Warn("Task moved before auto-merge finished", "task_id", in.TaskID, "error", err)
		return nil
	}
	return wrapActivityError("advance_task", err)
}
