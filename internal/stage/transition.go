package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for any move not in the transition table.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrPlanNotApproved is returned for PLANNING -> READY without an approved plan.
	ErrPlanNotApproved = errors.New("execution plan not approved")

	// ErrUnknownStage is returned when decoding a name that is not a stage.
	ErrUnknownStage = errors.New("unknown stage")
)

// transitions lists the moves a user may request. It is indexed by the
// source stage, so every stage must have an entry.
var transitions = [...][]Stage{
	Todo:          {Brainstorming},
	Brainstorming: {Planning},
	Planning:      {Ready, Brainstorming},
	Ready:         {Executing},
	Executing:     {CodeReview, Stuck},
	CodeReview:    {Done, Brainstorming},
	Done:          {},
	Stuck:         {Brainstorming},
}

// systemTransitions are the extra moves only the execution pipeline and the
// auto-merge watcher may take.
var systemTransitions = [...][]Stage{
	Todo:          {},
	Brainstorming: {},
	Planning:      {},
	Ready:         {Stuck},
	Executing:     {Executing},
	CodeReview:    {Stuck},
	Done:          {},
	Stuck:         {},
}

// A table missing a stage fails to compile here.
func _() {
	var x [1]struct{}
	_ = x[len(transitions)-int(numStages)]
	_ = x[len(systemTransitions)-int(numStages)]
}

// order is the linear position used for backward detection. CODE_REVIEW
// and STUCK sit outside the line, so moves from them never count as
// backward and never reset task data.
func order(s Stage) int {
	switch s {
	case Todo:
		return 0
	case Brainstorming:
		return 1
	case Planning:
		return 2
	case Ready:
		return 3
	case Executing:
		return 4
	case Done:
		return 5
	case CodeReview, Stuck:
		return -1
	default:
		panic(fmt.Sprintf("stage: no order for %v", s))
	}
}

// Gate carries the facts the approval gate needs.
type Gate struct {
	PlanApproved bool
}

// Move is a validated transition.
type Move struct {
	From     Stage
	To       Stage
	Backward bool
}

// Allowed returns the stages a user may move to from s.
func Allowed(s Stage) []Stage {
	if !s.Valid() {
		return nil
	}
	out := make([]Stage, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from -> to is in the user transition table.
func CanTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return contains(transitions[from], to)
}

// Check validates a user-requested move, including the approval gate.
func Check(from, to Stage, gate Gate) (Move, error) {
	if !CanTransition(from, to) {
		return Move{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == Planning && to == Ready && !gate.PlanApproved {
		return Move{}, fmt.Errorf("%w: task must have an approved plan to move to %s", ErrPlanNotApproved, to)
	}
	return newMove(from, to), nil
}

// CheckSystem validates a move made by automation. It accepts everything
// Check accepts without the approval gate, plus the system-only moves.
func CheckSystem(from, to Stage) (Move, error) {
	if !from.Valid() || !to.Valid() {
		return Move{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !contains(transitions[from], to) && !contains(systemTransitions[from], to) {
		return Move{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return newMove(from, to), nil
}

// IsBackward reports whether to precedes from on the linear workflow.
func IsBackward(from, to Stage) bool {
	fi, ti := order(from), order(to)
	if fi < 0 || ti < 0 {
		return false
	}
	return fi > ti
}

func newMove(from, to Stage) Move {
	return Move{From: from, To: to, Backward: IsBackward(from, to)}
}

func contains(set []Stage, s Stage) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}
