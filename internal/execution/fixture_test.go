package execution_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopforge/internal/execution"
	"github.com/fyrsmithlabs/loopforge/internal/llm"
	"github.com/fyrsmithlabs/loopforge/internal/llm/llmtest"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/store/memory"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
	"github.com/fyrsmithlabs/loopforge/internal/vcs/vcstest"
)

type stepsPlan []task.PlanStep

func (s stepsPlan) Generate(context.Context, string) ([]task.PlanStep, error) {
	return append([]task.PlanStep(nil), s...), nil
}

type jobQueue struct {
	mu   sync.Mutex
	jobs map[string]task.ExecutionJob
}

func (q *jobQueue) Enqueue(_ context.Context, job task.ExecutionJob) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.jobs == nil {
		q.jobs = map[string]task.ExecutionJob{}
	}
	q.jobs[job.TaskID] = job
	return true, nil
}

func (q *jobQueue) job(t *testing.T, taskID string) task.ExecutionJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[taskID]
	require.True(t, ok, "no job enqueued for %s", taskID)
	return job
}

type gateways struct{ gw vcs.Gateway }

func (g gateways) ForOwner(context.Context, string) (vcs.Gateway, error) { return g.gw, nil }

type fakeScanner struct{ findings []execution.Finding }

func (f fakeScanner) Scan(context.Context, []vcs.File) ([]execution.Finding, error) {
	return f.findings, nil
}

type watchRecorder struct {
	mu   sync.Mutex
	reqs []execution.WatchRequest
	err  error
}

func (w *watchRecorder) Watch(_ context.Context, req execution.WatchRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reqs = append(w.reqs, req)
	return w.err
}

var healthSteps = []task.PlanStep{
	{StepNumber: 1, Description: "Add handler in src/routes/health.ts", EstimatedChanges: "src/routes/health.ts"},
	{StepNumber: 2, Description: "Register the route", EstimatedChanges: "src/server.ts"},
}

const healthBlock = "Here is the handler:\n```typescript\n// File: src/routes/health.ts\nexport const health = () => ({ status: 'ok' })\n```\n"

type fixture struct {
	store *memory.Store
	svc   *task.Service
	queue *jobQueue
	gw    *vcstest.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), queue: &jobQueue{}, gw: vcstest.New()}
	f.gw.Tree = []string{"package.json", "src/server.ts"}
	f.gw.Files["src/server.ts"] = "import express from 'express'"

	svc, err := task.NewService(f.store, task.Dependencies{Plans: stepsPlan(healthSteps), Queue: f.queue}, nil)
	require.NoError(t, err)
	f.svc = svc

	require.NoError(t, f.store.Update(ctx, func(tx task.Tx) error {
		return tx.PutRepository(ctx, &task.Repository{ID: "repo-1", OwnerID: "alice", Owner: "acme", Name: "api", DefaultBranch: "main"})
	}))
	return f
}

// readyTask creates an approved task and returns its queued job.
func (f *fixture) readyTask(t *testing.T, autonomous bool) (*task.Task, task.ExecutionJob) {
	t.Helper()
	ctx := context.Background()
	tk, err := f.svc.CreateTask(ctx, "alice", task.CreateInput{
		Title: "Add health endpoint", Description: "GET /health returns ok",
		RepositoryID: "repo-1", AutonomousMode: autonomous,
	})
	require.NoError(t, err)
	for _, s := range []stage.Stage{stage.Brainstorming, stage.Planning} {
		_, err = f.svc.TransitionStage(ctx, "alice", tk.ID, task.TransitionRequest{Stage: s})
		require.NoError(t, err)
	}
	tk, err = f.svc.ApprovePlan(ctx, "alice", tk.ID)
	require.NoError(t, err)
	require.Equal(t, stage.Ready, tk.Stage)
	return tk, f.queue.job(t, tk.ID)
}

func (f *fixture) pipeline(t *testing.T, provider llm.Provider, deps execution.Dependencies) *execution.Pipeline {
	t.Helper()
	deps.Tasks = f.svc
	deps.Gateways = gateways{f.gw}
	deps.Providers = llmtest.Resolver{Provider: provider}
	p, err := execution.NewPipeline(deps, defaultExecutionConfig(), nil)
	require.NoError(t, err)
	return p
}

func (f *fixture) task(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func (f *fixture) logs(t *testing.T, id string) []*task.ExecutionLog {
	t.Helper()
	logs, err := f.svc.Logs(context.Background(), "alice", id, 0, 0)
	require.NoError(t, err)
	return logs
}

func (f *fixture) commits(t *testing.T, id string) []*task.Commit {
	t.Helper()
	commits, err := f.store.ListCommits(context.Background(), id)
	require.NoError(t, err)
	return commits
}

func hasLog(logs []*task.ExecutionLog, level task.LogLevel, contains string) bool {
	for _, l := range logs {
		if l.Level == level && containsStr(l.Message, contains) {
			return true
		}
	}
	return false
}
