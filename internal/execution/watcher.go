package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/config"
	"github.com/fyrsmithlabs/loopforge/internal/stage"
	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// WatchRequest identifies a pull request to auto-merge.
type WatchRequest struct {
	TaskID   string   `json:"taskId"`
	OwnerID  string   `json:"ownerId"`
	Repo     vcs.Repo `json:"repo"`
	PRNumber int      `json:"prNumber"`
}

// MergeWatcher takes over a pull request opened in autonomous mode. Watch
// blocks until the pull request is merged, conflicted or abandoned, or the
// poll budget runs out; the outcome is recorded on the task. It returns an
// error wrapping ErrWatchInterrupted when ctx or the watcher stops first.
type MergeWatcher interface {
	Watch(ctx context.Context, req WatchRequest) error
}

// Merge watch outcomes.
const (
	OutcomeMerged    = "merged"
	OutcomeConflict  = "conflict"
	OutcomeTimeout   = "timeout"
	OutcomeAbandoned = "abandoned"
)

// MergeDecision is what one poll concluded.
type MergeDecision int

const (
	// DecisionWait keeps polling.
	DecisionWait MergeDecision = iota
	// DecisionMerge means checks passed and the PR should be merged.
	DecisionMerge
	// DecisionDone means the PR is already merged.
	DecisionDone
	// DecisionConflict means the PR cannot be merged.
	DecisionConflict
)

// Decide applies the auto-merge policy to one status. Unknown
// mergeability keeps polling.
func Decide(s *vcs.PullRequestStatus) MergeDecision {
	switch {
	case s.Merged:
		return DecisionDone
	case s.Mergeable != nil && !*s.Mergeable:
		return DecisionConflict
	case s.Mergeable != nil && s.ChecksComplete && s.ChecksPassing:
		return DecisionMerge
	default:
		return DecisionWait
	}
}

// RecordMergeOutcome counts a finished watch.
func RecordMergeOutcome(ctx context.Context, driver, outcome string) {
	mergeOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("driver", driver),
		attribute.String("outcome", outcome),
	))
}

// PollWatcher watches pull requests from in-process goroutines.
type PollWatcher struct {
	tasks    Tasks
	gateways Gateways
	interval time.Duration
	attempts int
	method   string
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ MergeWatcher = (*PollWatcher)(nil)

// NewPollWatcher creates a watcher from the automerge config section.
func NewPollWatcher(tasks Tasks, gateways Gateways, cfg config.AutoMergeConfig, logger *zap.Logger) *PollWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 40
	}
	method := cfg.MergeMethod
	if method == "" {
		method = "squash"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PollWatcher{
		tasks:    tasks,
		gateways: gateways,
		interval: interval,
		attempts: attempts,
		method:   method,
		logger:   logger.Named("automerge"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch polls until the pull request reaches an outcome.
func (w *PollWatcher) Watch(ctx context.Context, req WatchRequest) error {
	if err := w.ctx.Err(); err != nil {
		return fmt.Errorf("%w: watcher stopped", ErrWatchInterrupted)
	}
	w.wg.Add(1)
	defer w.wg.Done()

	// Budget covers every poll plus slack for the status calls themselves.
	budget := time.Duration(w.attempts)*w.interval + time.Minute
	ctx, cancel := context.WithTimeoutCause(ctx, budget, errWatchBudget)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	if w.watch(ctx, req) {
		return nil
	}
	if context.Cause(ctx) == errWatchBudget {
		bg := context.WithoutCancel(ctx)
		w.note(bg, req.TaskID, task.LogInfo, "Auto-merge timeout - manual review required")
		RecordMergeOutcome(bg, "local", OutcomeTimeout)
		return nil
	}
	return fmt.Errorf("%w: %w", ErrWatchInterrupted, context.Cause(ctx))
}

var errWatchBudget = errors.New("auto-merge budget exhausted")

// Stop cancels every watch and waits for them to return. Tasks being
// watched stay in CODE_REVIEW.
func (w *PollWatcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

// watch reports false when ctx ended the watch before an outcome.
func (w *PollWatcher) watch(ctx context.Context, req WatchRequest) bool {
	log := w.logger.With(zap.String("task_id", req.TaskID), zap.Int("pr_number", req.PRNumber))

	gw, err := w.gateways.ForOwner(ctx, req.OwnerID)
	if err != nil {
		w.note(ctx, req.TaskID, task.LogError, "Auto-merge unavailable: "+err.Error())
		RecordMergeOutcome(ctx, "local", OutcomeAbandoned)
		return true
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for attempt := 1; attempt <= w.attempts; attempt++ {
		select {
		case <-ctx.Done():
			log.Info("auto-merge watch interrupted", zap.Int("attempt", attempt))
			return false
		case <-timer.C:
		}
		timer.Reset(w.interval)

		t, err := w.tasks.Get(ctx, req.TaskID)
		if err != nil && ctx.Err() != nil {
			return false
		}
		if err != nil || t.Stage != stage.CodeReview || t.PRNumber != req.PRNumber {
			log.Info("task left code review, ending auto-merge watch")
			RecordMergeOutcome(ctx, "local", OutcomeAbandoned)
			return true
		}

		status, err := gw.PullRequestStatus(ctx, req.Repo, req.PRNumber)
		if err != nil && ctx.Err() != nil {
			return false
		}
		if err != nil {
			w.note(ctx, req.TaskID, task.LogError, "PR status check failed: "+err.Error())
			continue
		}

		switch Decide(status) {
		case DecisionDone:
			w.note(ctx, req.TaskID, task.LogInfo, "PR merged")
			w.finish(ctx, req.TaskID, stage.Done, OutcomeMerged, log)
			return true
		case DecisionConflict:
			w.note(ctx, req.TaskID, task.LogError, "PR has merge conflicts")
			w.finish(ctx, req.TaskID, stage.Stuck, OutcomeConflict, log)
			return true
		case DecisionMerge:
			if err := gw.MergePullRequest(ctx, req.Repo, req.PRNumber, w.method); err != nil {
				if ctx.Err() != nil {
					return false
				}
				w.note(ctx, req.TaskID, task.LogError, "Auto-merge failed: "+err.Error())
				continue
			}
			w.note(ctx, req.TaskID, task.LogInfo, "PR auto-merged successfully")
			w.finish(ctx, req.TaskID, stage.Done, OutcomeMerged, log)
			return true
		}
		log.Debug("pull request not ready", zap.Int("attempt", attempt))
	}

	w.note(ctx, req.TaskID, task.LogInfo, "Auto-merge timeout - manual review required")
	RecordMergeOutcome(ctx, "local", OutcomeTimeout)
	return true
}

func (w *PollWatcher) finish(ctx context.Context, taskID string, to stage.Stage, outcome string, log *zap.Logger) {
	RecordMergeOutcome(ctx, "local", outcome)
	if _, err := w.tasks.Advance(ctx, taskID, to); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) || errors.Is(err, task.ErrNotFound) {
			log.Warn("task moved before auto-merge finished", zap.Error(err))
			return
		}
		log.Error("failed to record auto-merge result", zap.Stringer("stage", to), zap.Error(err))
	}
}

func (w *PollWatcher) note(ctx context.Context, taskID string, level task.LogLevel, message string) {
	if _, err := w.tasks.Log(ctx, taskID, level, message, nil); err != nil {
		w.logger.Warn("failed to append execution log", zap.String("task_id", taskID), zap.Error(err))
	}
}
