package stage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableCoversEveryStage(t *testing.T) {
	for _, s := range All() {
		assert.NotNil(t, transitions[s], "missing transitions for %s", s)
		assert.NotNil(t, systemTransitions[s], "missing system transitions for %s", s)
		assert.NotEmpty(t, names[s])
		assert.NotPanics(t, func() { order(s) })
	}
}

func TestCheck_LegalMoves(t *testing.T) {
	legal := map[Stage][]Stage{
		Todo:          {Brainstorming},
		Brainstorming: {Planning},
		Planning:      {Ready, Brainstorming},
		Ready:         {Executing},
		Executing:     {CodeReview, Stuck},
		CodeReview:    {Done, Brainstorming},
		Stuck:         {Brainstorming},
	}

	for _, from := range All() {
		for _, to := range All() {
			allowed := contains(legal[from], to)
			_, err := Check(from, to, Gate{PlanApproved: true})
			if allowed {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s: %v", from, to, err)
		}
	}
}

func TestCheck_ApprovalGate(t *testing.T) {
	t.Run("rejects unapproved plan", func(t *testing.T) {
		_, err := Check(Planning, Ready, Gate{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPlanNotApproved)
		assert.NotErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("accepts approved plan", func(t *testing.T) {
		mv, err := Check(Planning, Ready, Gate{PlanApproved: true})
		require.NoError(t, err)
		assert.Equal(t, Move{From: Planning, To: Ready}, mv)
	})

	t.Run("gate only applies to planning to ready", func(t *testing.T) {
		_, err := Check(Ready, Executing, Gate{})
		assert.NoError(t, err)
	})
}

func TestIsBackward(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{Planning, Brainstorming, true},
		{CodeReview, Brainstorming, false},
		{Executing, Ready, true},
		{Done, Todo, true},
		{Brainstorming, Planning, false},
		{Stuck, Brainstorming, false},
		{Executing, Stuck, false},
		{Planning, Planning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsBackward(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	mv, err := Check(Planning, Brainstorming, Gate{})
	require.NoError(t, err)
	assert.True(t, mv.Backward)

	mv, err = Check(CodeReview, Brainstorming, Gate{})
	require.NoError(t, err)
	assert.False(t, mv.Backward, "code review is off the linear order")
}

func TestCheckSystem(t *testing.T) {
	_, err := CheckSystem(Executing, Executing)
	assert.NoError(t, err)

	_, err = CheckSystem(CodeReview, Stuck)
	assert.NoError(t, err)

	_, err = CheckSystem(Planning, Ready)
	assert.NoError(t, err, "system moves skip the approval gate")

	_, err = CheckSystem(Done, Executing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// System-only edges stay closed to users.
	_, err = Check(CodeReview, Stuck, Gate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStageEncoding(t *testing.T) {
	b, err := json.Marshal(struct {
		Stage Stage `json:"stage"`
	}{CodeReview})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"CODE_REVIEW"}`, string(b))

	var out struct {
		Stage Stage `json:"stage"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"stuck"}`), &out))
	assert.Equal(t, Stuck, out.Stage)

	err = json.Unmarshal([]byte(`{"stage":"ARCHIVED"}`), &out)
	assert.ErrorIs(t, err, ErrUnknownStage)

	_, err = Stage(42).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestAllowedReturnsCopy(t *testing.T) {
	got := Allowed(Planning)
	require.Equal(t, []Stage{Ready, Brainstorming}, got)
	got[0] = Done
	assert.Equal(t, []Stage{Ready, Brainstorming}, Allowed(Planning))
}
