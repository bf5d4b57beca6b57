package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/execution"
)

// startTimeout bounds the workflow start call.
const startTimeout = 30 * time.Second

// TemporalWatcher hands auto-merge watches to Temporal. It satisfies
// execution.MergeWatcher.
type TemporalWatcher struct {
	client    client.Client
	taskQueue string
	cfg       config.AutoMergeConfig
	logger    *zap.Logger
}

var _ execution.MergeWatcher = (*TemporalWatcher)(nil)

// NewTemporalWatcher creates a watcher that starts AutoMergeWorkflow runs on taskQueue.
func NewTemporalWatcher(c client.Client, taskQueue string, cfg config.AutoMergeConfig, logger *zap.Logger) *TemporalWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalWatcher{client: c, taskQueue: taskQueue, cfg: cfg, logger: logger}
}

// WorkflowID is the idempotency key of a watch: one run per task and pull request.
func WorkflowID(req execution.WatchRequest) string {
	return fmt.Sprintf("automerge-%s-pr-%d", req.TaskID, req.PRNumber)
}

// Watch starts the workflow and waits for its result. A run already in
// progress for the same review is joined instead, so a job redelivered
// after a restart waits on the run it started before.
func (w *TemporalWatcher) Watch(ctx context.Context, req execution.WatchRequest) error {
	input := AutoMergeInput{
		Request:     req,
		Interval:    w.cfg.Interval.Duration(),
		MaxAttempts: w.cfg.MaxAttempts,
		MergeMethod: w.cfg.MergeMethod,
	}
	if err := input.Validate(); err != nil {
		return fmt.Errorf("invalid auto-merge request: %w", err)
	}

	options := client.StartWorkflowOptions{
		ID:                       WorkflowID(req),
		TaskQueue:                w.taskQueue,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		// Budget covers every poll plus slack for the activities.
		WorkflowExecutionTimeout: time.Duration(input.MaxAttempts)*input.Interval + 10*time.Minute,
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	we, err := w.client.ExecuteWorkflow(startCtx, options, AutoMergeWorkflow, input)
	if err != nil {
		return fmt.Errorf("failed to start auto-merge workflow: %w", err)
	}

	log := w.logger.With(
		zap.String("task_id", req.TaskID),
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()),
	)
	log.Info("auto-merge workflow started")

	var result AutoMergeResult
	if err := we.Get(ctx, &result); err != nil {
		if ctx.Err() != nil {
			// The run carries on in Temporal; the next delivery joins it.
			return fmt.Errorf("%w: %w", execution.ErrWatchInterrupted, ctx.Err())
		}
		return fmt.Errorf("auto-merge workflow failed: %w", err)
	}
	log.Info("auto-merge workflow finished",
		zap.String("outcome", result.Outcome),
		zap.Int("attempts", result.Attempts))
	return nil
}

// NewWorker creates a worker on taskQueue with the auto-merge workflow and
// activities registered. The caller runs and stops it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(AutoMergeWorkflow)
	w.RegisterActivity(acts)
	return w
}
