package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/broker/brokertest"
	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/logging"
	"github.com/fyrsmithlabs/loopforge/internal/queue"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		Concurrency:      5,
		MaxAttempts:      3,
		InitialBackoff:   config.Duration(10 * time.Millisecond),
		AckWait:          config.Duration(5 * time.Second),
		LeaseTTL:         config.Duration(time.Minute),
		LeaseRetry:       config.Duration(20 * time.Millisecond),
		HistoryCompleted: 100,
		HistoryFailed:    50,
	}
}

func newQueue(t *testing.T, cfg config.QueueConfig) *queue.Queue {
	t.Helper()
	_, js := brokertest.Connect(t)
	q, err := queue.New(context.Background(), js, cfg, "loopforge", nil)
	require.NoError(t, err)
	q.SetScanInterval(20 * time.Millisecond)
	return q
}

// start runs the workers until the test ends.
func start(t *testing.T, q *queue.Queue, h queue.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("workers did not stop")
		}
	})
}

func job(taskID, repoID string) task.ExecutionJob {
	return task.ExecutionJob{
		TaskID:       taskID,
		OwnerID:      "alice",
		RepositoryID: repoID,
		Steps:        []task.PlanStep{{StepNumber: 1, Description: "Implement: health"}},
		EnqueuedAt:   time.Now().UTC(),
	}
}

func counts(t *testing.T, q *queue.Queue) queue.Counts {
	t.Helper()
	c, err := q.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func TestEnqueue_IsIdempotentPerTask(t *testing.T) {
	q := newQueue(t, testConfig())
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, job("task-1", "repo-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, job("task-1", "repo-1"))
	require.NoError(t, err)
	assert.False(t, ok, "second enqueue for the same task is a no-op")

	exists, err := q.Exists(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = q.Exists(ctx, "task-2")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, queue.Counts{Waiting: 1}, counts(t, q))

	rec, err := q.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, rec.State)
	assert.Zero(t, rec.Attempts)
	assert.Equal(t, "repo-1", rec.Job.RepositoryID)
}

func TestEnqueue_RequiresTaskID(t *testing.T) {
	q := newQueue(t, testConfig())
	_, err := q.Enqueue(context.Background(), task.ExecutionJob{})
	assert.Error(t, err)
}

func TestGet_Missing(t *testing.T) {
	q := newQueue(t, testConfig())
	_, err := q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRun_CompletesJob(t *testing.T) {
	q := newQueue(t, testConfig())
	ctx := context.Background()

	got := make(chan task.ExecutionJob, 1)
	start(t, q, func(_ context.Context, j task.ExecutionJob) error {
		got <- j
		return nil
	})

	_, err := q.Enqueue(ctx, job("task-1", "repo-1"))
	require.NoError(t, err)

	select {
	case j := <-got:
		assert.Equal(t, "task-1", j.TaskID)
		assert.Len(t, j.Steps, 1)
	case <-time.After(10 * time.Second):
		t.Fatal("job never delivered")
	}

	require.Eventually(t, func() bool {
		return counts(t, q) == queue.Counts{Completed: 1}
	}, 10*time.Second, 20*time.Millisecond)

	// A finished job frees the task for a new enqueue.
	ok, err := q.Enqueue(ctx, job("task-1", "repo-1"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	q := newQueue(t, testConfig())

	var calls atomic.Int32
	start(t, q, func(context.Context, task.ExecutionJob) error {
		if calls.Add(1) < 3 {
			return errors.New("github unavailable")
		}
		return nil
	})

	_, err := q.Enqueue(context.Background(), job("task-1", "repo-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return counts(t, q).Completed == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, counts(t, q).Failed)
}

func TestRun_FailsAfterMaxAttempts(t *testing.T) {
	q := newQueue(t, testConfig())

	var calls atomic.Int32
	start(t, q, func(context.Context, task.ExecutionJob) error {
		calls.Add(1)
		return errors.New("stuck transition failed")
	})

	_, err := q.Enqueue(context.Background(), job("task-1", "repo-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return counts(t, q).Failed == 1
	}, 10*time.Second, 20*time.Millisecond)

	// No fourth attempt after the job is terminated.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	exists, err := q.Exists(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRun_SerializesPerRepository(t *testing.T) {
	q := newQueue(t, testConfig())
	ctx := context.Background()

	var (
		mu      sync.Mutex
		running = map[string]int{}
		peak    = map[string]int{}
		done    atomic.Int32
	)
	start(t, q, func(_ context.Context, j task.ExecutionJob) error {
		mu.Lock()
		running[j.RepositoryID]++
		peak[j.RepositoryID] = max(peak[j.RepositoryID], running[j.RepositoryID])
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		running[j.RepositoryID]--
		mu.Unlock()
		done.Add(1)
		return nil
	})

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		_, err := q.Enqueue(ctx, job(id, "repo-1"))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, job("task-4", "repo-2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return done.Load() == 4 }, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak["repo-1"], "jobs for one repository never overlap")
	assert.Equal(t, 1, peak["repo-2"])
}

func TestRun_BacklogDoesNotStarveOtherRepositories(t *testing.T) {
	q := newQueue(t, testConfig())
	ctx := context.Background()

	var finishedA atomic.Int32
	startedB := make(chan int32, 1)
	start(t, q, func(_ context.Context, j task.ExecutionJob) error {
		if j.RepositoryID == "repo-b" {
			startedB <- finishedA.Load()
			return nil
		}
		time.Sleep(300 * time.Millisecond)
		finishedA.Add(1)
		return nil
	})

	for i := range 14 {
		_, err := q.Enqueue(ctx, job(fmt.Sprintf("task-a%d", i), "repo-a"))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, job("task-b", "repo-b"))
	require.NoError(t, err)

	select {
	case n := <-startedB:
		assert.LessOrEqual(t, n, int32(1), "repo-b waited behind the repo-a backlog")
	case <-time.After(5 * time.Second):
		t.Fatal("repo-b job never started")
	}
}

func TestRun_HandlerContextCarriesJob(t *testing.T) {
	q := newQueue(t, testConfig())

	got := make(chan []zap.Field, 1)
	start(t, q, func(ctx context.Context, _ task.ExecutionJob) error {
		got <- logging.ContextFields(ctx)
		return nil
	})

	_, err := q.Enqueue(context.Background(), job("task-1", "repo-1"))
	require.NoError(t, err)

	select {
	case fields := <-got:
		assert.Contains(t, fields, zap.String("task.id", "task-1"))
		assert.Contains(t, fields, zap.String("job.id", "task-1:1"))
	case <-time.After(10 * time.Second):
		t.Fatal("job never delivered")
	}
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "loopforge-repo-repo-1", queue.ConsumerFor("loopforge", "loopforge.executions.repo-1"))
	assert.Equal(t, "loopforge-repo-a_b", queue.ConsumerFor("loopforge", "loopforge.executions.a/b"))
}

func TestRun_NilHandler(t *testing.T) {
	q := newQueue(t, testConfig())
	assert.Error(t, q.Run(context.Background(), nil))
}

func TestBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBackoff = config.Duration(5 * time.Second)
	q := newQueue(t, cfg)

	assert.Equal(t, 5*time.Second, q.Backoff(1))
	assert.Equal(t, 10*time.Second, q.Backoff(2))
	assert.Equal(t, 20*time.Second, q.Backoff(3))
}

func TestToken(t *testing.T) {
	assert.Equal(t, "repo-1", queue.Token("repo-1"))
	assert.Equal(t, "a_b_c", queue.Token("a.b*c"))
	assert.Equal(t, "_none", queue.Token(""))
}
