package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/store/memory"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
	"github.com/fyrsmithlabs/loopforge/internal/vcs/vcstest"
)

type noPlans struct{}

func (noPlans) Generate(context.Context, string) ([]task.PlanStep, error) { return nil, nil }

type gateways struct{ gw vcs.Gateway }

func (g gateways) ForOwner(context.Context, string) (vcs.Gateway, error) { return g.gw, nil }

type deps struct {
	svc  *task.Service
	gw   *vcstest.Gateway
	acts *Activities
}

// newDeps seeds task-1 in CODE_REVIEW on PR 7.
func newDeps(t *testing.T) *deps {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	now := time.Now().UTC()
	require.NoError(t, store.Update(ctx, func(tx task.Tx) error {
		return tx.CreateTask(ctx, &task.Task{
			ID: "task-1", OwnerID: "alice", Title: "Add health endpoint",
			Stage: stage.CodeReview, PRNumber: 7, PRURL: "https://github.com/acme/api/pull/7",
			CreatedAt: now, UpdatedAt: now,
		})
	}))
	svc, err := task.NewService(store, task.Dependencies{Plans: noPlans{}}, nil)
	require.NoError(t, err)

	gw := vcstest.New()
	return &deps{svc: svc, gw: gw, acts: NewActivities(svc, gateways{gw})}
}

func (d *deps) stage(t *testing.T) stage.Stage {
	t.Helper()
	tk, err := d.svc.Get(context.Background(), "task-1")
	require.NoError(t, err)
	return tk.Stage
}

func activityEnv(acts *Activities) *testsuite.TestActivityEnvironment {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(acts)
	return env
}

func TestActivities_InReview(t *testing.T) {
	d := newDeps(t)
	env := activityEnv(d.acts)

	tests := []struct {
		name string
		in   ReviewInput
		want bool
	}{
		{"same pull request", ReviewInput{TaskID: "task-1", PRNumber: 7}, true},
		{"different pull request", ReviewInput{TaskID: "task-1", PRNumber: 8}, false},
		{"deleted task", ReviewInput{TaskID: "missing", PRNumber: 7}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, err := env.ExecuteActivity(d.acts.InReview, tt.in)
			require.NoError(t, err)
			var got bool
			require.NoError(t, val.Get(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActivities_StatusAndMerge(t *testing.T) {
	d := newDeps(t)
	d.gw.Statuses = []*vcs.PullRequestStatus{green}
	env := activityEnv(d.acts)
	repo := vcs.Repo{Owner: "acme", Name: "api"}

	val, err := env.ExecuteActivity(d.acts.PullRequestStatus, StatusInput{OwnerID: "alice", Repo: repo, PRNumber: 7})
	require.NoError(t, err)
	var status vcs.PullRequestStatus
	require.NoError(t, val.Get(&status))
	assert.Equal(t, execution.DecisionMerge, execution.Decide(&status))

	_, err = env.ExecuteActivity(d.acts.MergePullRequest, MergeInput{OwnerID: "alice", Repo: repo, PRNumber: 7, Method: "rebase"})
	require.NoError(t, err)
	assert.Equal(t, []vcstest.Merge{{Number: 7, Method: "rebase"}}, d.gw.Merges())
}

func TestActivities_Finish(t *testing.T) {
	t.Run("advances the task", func(t *testing.T) {
		d := newDeps(t)
		env := activityEnv(d.acts)

		_, err := env.ExecuteActivity(d.acts.Finish, FinishInput{TaskID: "task-1", Outcome: execution.OutcomeMerged, Advance: true, Stage: stage.Done})
		require.NoError(t, err)
		assert.Equal(t, stage.Done, d.stage(t))
	})

	t.Run("timeout leaves the task in review", func(t *testing.T) {
		d := newDeps(t)
		env := activityEnv(d.acts)

		_, err := env.ExecuteActivity(d.acts.Finish, FinishInput{TaskID: "task-1", Outcome: execution.OutcomeTimeout})
		require.NoError(t, err)
		assert.Equal(t, stage.CodeReview, d.stage(t))
	})

	t.Run("task already moved on", func(t *testing.T) {
		d := newDeps(t)
		env := activityEnv(d.acts)
		_, err := d.svc.Advance(context.Background(), "task-1", stage.Done)
		require.NoError(t, err)

		_, err = env.ExecuteActivity(d.acts.Finish, FinishInput{TaskID: "task-1", Outcome: execution.OutcomeConflict, Advance: true, Stage: stage.Stuck})
		require.NoError(t, err)
		assert.Equal(t, stage.Done, d.stage(t))
	})
}

func TestActivities_Note(t *testing.T) {
	d := newDeps(t)
	env := activityEnv(d.acts)

	_, err := env.ExecuteActivity(d.acts.Note, NoteInput{TaskID: "task-1", Level: task.LogError, Message: "PR has merge conflicts"})
	require.NoError(t, err)

	logs, err := d.svc.Logs(context.Background(), "alice", "task-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, task.LogError, logs[0].Level)
	assert.Equal(t, "PR has merge conflicts", logs[0].Message)
}

func TestAutoMergeWorkflow_WithActivities(t *testing.T) {
	d := newDeps(t)
	d.gw.Statuses = []*vcs.PullRequestStatus{pending, pending, green}

	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(AutoMergeWorkflow)
	env.RegisterActivity(d.acts)

	env.ExecuteWorkflow(AutoMergeWorkflow, testInput())

	res := result(t, env)
	assert.Equal(t, execution.OutcomeMerged, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, d.gw.Polls())
	assert.Equal(t, []vcstest.Merge{{Number: 7, Method: "squash"}}, d.gw.Merges())
	assert.Equal(t, stage.Done, d.stage(t))

	logs, err := d.svc.Logs(context.Background(), "alice", "task-1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "PR auto-merged successfully", logs[len(logs)-1].Message)
}
