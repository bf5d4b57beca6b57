package task

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

// TailLogs calls fn for each log entry with a sequence above after, in
// order, polling for new entries until the task leaves execution and its
// log is drained. budget bounds the whole tail; reaching it ends the tail
// without error. An error from fn stops the tail and is returned.
func (s *Service) TailLogs(ctx context.Context, ownerID, taskID string, after int64, budget time.Duration, fn func(*ExecutionLog) error) error {
	if _, err := s.loadOwned(ctx, ownerID, taskID); err != nil {
		return err
	}

	tailCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		tailCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	ticker := time.NewTicker(s.tailInterval)
	defer ticker.Stop()

	for {
		// Read the stage before draining so entries written ahead of the
		// final transition are always delivered.
		t, err := s.store.GetTask(tailCtx, taskID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return tailErr(ctx, err)
		}

		for {
			batch, err := s.store.ListLogs(tailCtx, taskID, after, s.tailBatch)
			if err != nil {
				return tailErr(ctx, err)
			}
			for _, l := range batch {
				if err := fn(l); err != nil {
					return err
				}
				after = l.Sequence
			}
			if len(batch) < s.tailBatch {
				break
			}
		}

		if tailFinished(t) {
			return nil
		}

		select {
		case <-tailCtx.Done():
			return tailErr(ctx, tailCtx.Err())
		case <-ticker.C:
		}
	}
}

// tailFinished reports whether no more log entries are expected. A task in
// CODE_REVIEW with a pull request and autonomous mode still has the
// auto-merge watcher writing to it.
func tailFinished(t *Task) bool {
	if t.Stage.InFlight() {
		return false
	}
	if t.Stage == stage.CodeReview && t.AutonomousMode && t.PRNumber > 0 {
		return false
	}
	return true
}

// tailErr maps budget expiry to a clean stop while passing caller
// cancellation through.
func tailErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
