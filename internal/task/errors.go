package task

import (
	"errors"

	"github.com/fyrsmithlabs/loopforge/internal/stage"
)

var (
	// ErrNotFound is returned when a task or related record does not exist
	// or belongs to a different owner.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for missing or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a write lost an optimistic-concurrency race.
	ErrConflict = errors.New("concurrent modification")

	// Re-exported so callers of the service need not import stage.
	ErrInvalidTransition = stage.ErrInvalidTransition
	ErrPlanNotApproved   = stage.ErrPlanNotApproved
)
