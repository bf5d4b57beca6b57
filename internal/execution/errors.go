package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrPathTraversal is returned when a generated file path escapes the
	// repository root.
	ErrPathTraversal = errors.New("invalid file path")

	// ErrSecretDetected is returned when generated content contains a
	// credential.
	ErrSecretDetected = errors.New("secret detected in generated content")

	// ErrNoFiles is returned when no file blocks could be extracted from the
	// model output.
	ErrNoFiles = errors.New("no code files extracted from model output")

	// ErrNoRepository is returned for jobs whose task has no linked repository.
	ErrNoRepository = errors.New("no repository connected to this task")

	// ErrWatchInterrupted is returned by a MergeWatcher that stopped before
	// the pull request reached an outcome. The task stays in CODE_REVIEW.
	ErrWatchInterrupted = errors.New("auto-merge watch interrupted")
)

// PipelineError records which step of a run failed.
type PipelineError struct {
	Stage string // branch, provider, context, generate, extract, validate, scan, commit, review
	Op    string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func stepErr(stage, op string, err error) error {
	return &PipelineError{Stage: stage, Op: op, Err: err}
}

// failedStage names the step for metrics; unknown failures report "run".
func failedStage(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return "run"
}
