package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// activities is a nil receiver used only to name the activity methods.
var activities *Activities

// AutoMergeWorkflow polls a pull request until it can be merged.
//
// Each attempt sleeps for the interval, confirms the task is still in
// review on the same pull request, then acts on the status:
//   - merged elsewhere: DONE
//   - conflicting: STUCK
//   - mergeable with complete, passing checks: merge, then DONE
//
// Status and merge errors are logged to the task and polling continues.
// Running out of attempts leaves the task in CODE_REVIEW.
func AutoMergeWorkflow(ctx workflow.Context, input AutoMergeInput) (*AutoMergeResult, error) {
	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	}
	req := input.Request

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting auto-merge watch",
		"task_id", req.TaskID,
		"repo", req.Repo.String(),
		"pr", req.PRNumber)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	result := &AutoMergeResult{}
	note := func(level task.LogLevel, message string) {
		err := workflow.ExecuteActivity(ctx, activities.Note, NoteInput{TaskID: req.TaskID, Level: level, Message: message}).Get(ctx, nil)
		if err != nil {
			logger.Warn("Failed to append execution log", "error", err)
		}
	}
	finish := func(outcome string, advance bool, to stage.Stage) (*AutoMergeResult, error) {
		result.Outcome = outcome
		err := workflow.ExecuteActivity(ctx, activities.Finish, FinishInput{
			TaskID: req.TaskID, Outcome: outcome, Advance: advance, Stage: to,
		}).Get(ctx, nil)
		if err != nil {
			result.Errors = append(result.Errors, "finish: "+cause(err))
			return result, err
		}
		logger.Info("Auto-merge watch complete", "outcome", outcome, "attempts", result.Attempts)
		return result, nil
	}

	for attempt := 1; attempt <= input.MaxAttempts; attempt++ {
		if err := workflow.Sleep(ctx, input.Interval); err != nil {
			result.Outcome = execution.OutcomeAbandoned
			return result, err
		}

		var inReview bool
		if err := workflow.ExecuteActivity(ctx, activities.InReview, ReviewInput{TaskID: req.TaskID, PRNumber: req.PRNumber}).Get(ctx, &inReview); err != nil {
			result.Errors = append(result.Errors, "in_review: "+cause(err))
			continue
		}
		if !inReview {
			logger.Info("Task left code review, ending auto-merge watch")
			return finish(execution.OutcomeAbandoned, false, 0)
		}

		result.Attempts = attempt
		var status vcs.PullRequestStatus
		err := workflow.ExecuteActivity(ctx, activities.PullRequestStatus, StatusInput{
			OwnerID: req.OwnerID, Repo: req.Repo, PRNumber: req.PRNumber,
		}).Get(ctx, &status)
		if err != nil {
			result.Errors = append(result.Errors, cause(err))
			note(task.LogError, "PR status check failed: "+cause(err))
			continue
		}

		switch execution.Decide(&status) {
		case execution.DecisionDone:
			note(task.LogInfo, "PR merged")
			return finish(execution.OutcomeMerged, true, stage.Done)
		case execution.DecisionConflict:
			note(task.LogError, "PR has merge conflicts")
			return finish(execution.OutcomeConflict, true, stage.Stuck)
		case execution.DecisionMerge:
			err := workflow.ExecuteActivity(ctx, activities.MergePullRequest, MergeInput{
				OwnerID: req.OwnerID, Repo: req.Repo, PRNumber: req.PRNumber, Method: input.MergeMethod,
			}).Get(ctx, nil)
			if err != nil {
				result.Errors = append(result.Errors, cause(err))
				note(task.LogError, "Auto-merge failed: "+cause(err))
				continue
			}
			note(task.LogInfo, "PR auto-merged successfully")
			return finish(execution.OutcomeMerged, true, stage.Done)
		}
		logger.Debug("Pull request not ready", "attempt", attempt)
	}

	note(task.LogInfo, "Auto-merge timeout - manual review required")
	return finish(execution.OutcomeTimeout, false, 0)
}
