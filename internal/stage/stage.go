// Package stage defines the task workflow stages and the rules for moving between them.
//
// The package is pure: it holds no state and performs no I/O. Callers ask
// whether a move is legal and apply the resulting Move themselves.
package stage

import (
	"fmt"
	"strings"
)

// Stage is one discrete phase of the task workflow.
type Stage uint8

const (
	Todo Stage = iota
	Brainstorming
	Planning
	Ready
	Executing
	CodeReview
	Done
	Stuck

	numStages
)

var names = [numStages]string{
	Todo:          "TODO",
	Brainstorming: "BRAINSTORMING",
	Planning:      "PLANNING",
	Ready:         "READY",
	Executing:     "EXECUTING",
	CodeReview:    "CODE_REVIEW",
	Done:          "DONE",
	Stuck:         "STUCK",
}

// All returns every stage in workflow order, STUCK last.
func All() []Stage {
	out := make([]Stage, 0, numStages)
	for s := Todo; s < numStages; s++ {
		out = append(out, s)
	}
	return out
}

// Parse converts a stage name (case-insensitive) into a Stage.
func Parse(name string) (Stage, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s := Todo; s < numStages; s++ {
		if names[s] == upper {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// Valid reports whether s is one of the enumerated stages.
func (s Stage) Valid() bool {
	return s < numStages
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
	return names[s]
}

// MarshalText encodes the stage as its upper-case name.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, uint8(s))
	}
	return []byte(names[s]), nil
}

// UnmarshalText decodes an upper-case stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// InFlight reports whether a task in this stage has an execution job queued or running.
func (s Stage) InFlight() bool {
	return s == Ready || s == Executing
}

// Terminal reports whether no further automated work happens from this stage.
func (s Stage) Terminal() bool {
	return s == Done || s == Stuck
}
