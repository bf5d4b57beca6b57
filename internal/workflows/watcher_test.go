package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

func watchConfig() config.AutoMergeConfig {
	return config.AutoMergeConfig{
		Driver:      "temporal",
		Interval:    config.Duration(30 * time.Second),
		MaxAttempts: 40,
		MergeMethod: "squash",
	}
}

func TestTemporalWatcher_Watch(t *testing.T) {
	req := testInput().Request

	run := &mocks.WorkflowRun{}
	run.On("GetID").Return(WorkflowID(req))
	run.On("GetRunID").Return("run-1")
	run.On("Get", mock.Anything, mock.Anything).Return(nil).Once()

	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "automerge-task-1-pr-7" &&
				o.TaskQueue == "loopforge-automerge" &&
				o.WorkflowIDConflictPolicy == enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING &&
				o.WorkflowExecutionTimeout == 40*30*time.Second+10*time.Minute
		}),
		mock.Anything,
		AutoMergeInput{Request: req, Interval: 30 * time.Second, MaxAttempts: 40, MergeMethod: "squash"},
	).Return(run, nil).Once()

	w := NewTemporalWatcher(c, "loopforge-automerge", watchConfig(), nil)
	require.NoError(t, w.Watch(context.Background(), req))
	c.AssertExpectations(t)
	run.AssertExpectations(t)
}

func TestTemporalWatcher_WaitInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("automerge-task-1-pr-7")
	run.On("GetRunID").Return("run-1")
	run.On("Get", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(context.Canceled)

	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(run, nil)

	w := NewTemporalWatcher(c, "loopforge-automerge", watchConfig(), nil)
	err := w.Watch(ctx, testInput().Request)
	assert.ErrorIs(t, err, execution.ErrWatchInterrupted)
}

func TestTemporalWatcher_WorkflowFailure(t *testing.T) {
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("automerge-task-1-pr-7")
	run.On("GetRunID").Return("run-1")
	run.On("Get", mock.Anything, mock.Anything).Return(errors.New("workflow timed out"))

	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(run, nil)

	w := NewTemporalWatcher(c, "loopforge-automerge", watchConfig(), nil)
	err := w.Watch(context.Background(), testInput().Request)
	require.Error(t, err)
	assert.NotErrorIs(t, err, execution.ErrWatchInterrupted)
	assert.Contains(t, err.Error(), "auto-merge workflow failed")
}

func TestTemporalWatcher_StartFailure(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	w := NewTemporalWatcher(c, "loopforge-automerge", watchConfig(), nil)
	err := w.Watch(context.Background(), testInput().Request)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start auto-merge workflow")
}

func TestTemporalWatcher_InvalidRequest(t *testing.T) {
	c := &mocks.Client{}
	w := NewTemporalWatcher(c, "loopforge-automerge", watchConfig(), nil)

	err := w.Watch(context.Background(), execution.WatchRequest{TaskID: "task-1", Repo: vcs.Repo{Owner: "acme", Name: "api"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRNumber must be positive")
	c.AssertNotCalled(t, "ExecuteWorkflow")
}
