// Package workflows provides the Temporal auto-merge workflow: a durable
// alternative to the in-process poll loop that survives process restarts.
//
// This file contains the types shared by the workflow and its activities.
package workflows

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// AutoMergeInput configures one auto-merge workflow run.
type AutoMergeInput struct {
	Request     execution.WatchRequest
	Interval    time.Duration // Delay before each status poll
	MaxAttempts int           // Polls before giving up
	MergeMethod string        // merge, squash or rebase
}

// Validate checks that all required fields are set.
func (in *AutoMergeInput) Validate() error {
	if in.Request.TaskID == "" {
		return errors.New("TaskID is required")
	}
	if in.Request.Repo.Owner == "" || in.Request.Repo.Name == "" {
		return errors.New("Repo is required")
	}
	if in.Request.PRNumber <= 0 {
		return errors.New("PRNumber must be positive")
	}
	if in.Interval <= 0 {
		return errors.New("Interval must be positive")
	}
	if in.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	return nil
}

// AutoMergeResult summarizes how a workflow run ended.
type AutoMergeResult struct {
	Outcome  string   // One of the execution.Outcome* values
	Attempts int      // Status polls made
	Errors   []string // Status or merge errors seen along the way
}

// Activity input types

// ReviewInput identifies the review a workflow is watching.
type ReviewInput struct {
	TaskID   string
	PRNumber int
}

// StatusInput requests the status of a pull request.
type StatusInput struct {
	OwnerID  string
	Repo     vcs.Repo
	PRNumber int
}

// MergeInput requests a pull request merge.
type MergeInput struct {
	OwnerID  string
	Repo     vcs.Repo
	PRNumber int
	Method   string
}

// NoteInput appends an execution log entry.
type NoteInput struct {
	TaskID  string
	Level   task.LogLevel
	Message string
}

// FinishInput records the outcome and, when Advance is set, moves the task.
type FinishInput struct {
	TaskID  string
	Outcome string
	Advance bool
	Stage   stage.Stage
}
