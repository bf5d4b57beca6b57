package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/loopforge/internal/task"
	"github.com/fyrsmithlabs/loopforge/internal/vcs"
)

// Error types surfaced to Temporal. Non-retryable types stop the activity
// retry policy immediately.
const (
	errTypeNoCredential = "NoCredential"
	errTypeNotFound     = "NotFound"
)

// wrapActivityError wraps an activity error with operation context. Errors
// no retry can fix are marked non-retryable.
func wrapActivityError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, vcs.ErrNoCredential):
		return temporal.NewNonRetryableApplicationError(operation, errTypeNoCredential, err)
	case errors.Is(err, task.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(operation, errTypeNotFound, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// cause returns the innermost message of an activity failure so log
// entries read the same as those of the local watcher.
func cause(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
