package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValue(t *testing.T) DecisionValue {
	t.Helper()
	v, err := NewDecisionValue("Use REST or GraphQL?", []string{"REST", "GraphQL"}, TypePoll, "")
	require.NoError(t, err)
	return v
}

func TestNewDecisionValue(t *testing.T) {
	t.Parallel()

	t.Run("initializes proposed stage with zeroed options", func(t *testing.T) {
		v := newTestValue(t)
		assert.Equal(t, StageProposed, v.Stage)
		assert.Nil(t, v.ResolvedOptionID)
		require.Len(t, v.Options, 2)
		assert.Equal(t, "opt-1", v.Options[0].ID)
		assert.Equal(t, "REST", v.Options[0].Label)
		assert.Equal(t, 0, v.Options[0].Votes)
		assert.Empty(t, v.Options[0].Voters)
		assert.Equal(t, "opt-2", v.Options[1].ID)
	})

	t.Run("defaults to poll", func(t *testing.T) {
		v, err := NewDecisionValue("q", []string{"a", "b"}, "", "")
		require.NoError(t, err)
		assert.Equal(t, TypePoll, v.DecisionType)
	})

	t.Run("rejects fewer than two options", func(t *testing.T) {
		_, err := NewDecisionValue("q", []string{"only one"}, TypePoll, "")
		assert.ErrorContains(t, err, "at least 2 options")
	})

	t.Run("rejects empty question", func(t *testing.T) {
		_, err := NewDecisionValue("", []string{"a", "b"}, TypePoll, "")
		assert.Error(t, err)
	})

	t.Run("rejects unknown decision type", func(t *testing.T) {
		_, err := NewDecisionValue("q", []string{"a", "b"}, "dictatorship", "")
		assert.ErrorContains(t, err, "unknown decision type")
	})
}

func TestToggleVote(t *testing.T) {
	t.Parallel()

	t.Run("cast then retract is a no-op", func(t *testing.T) {
		original := newTestValue(t)

		voted, err := ToggleVote(original, "opt-1", "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, voted.Options[0].Votes)
		assert.Equal(t, []string{"u1"}, voted.Options[0].Voters)

		retracted, err := ToggleVote(voted, "opt-1", "u1")
		require.NoError(t, err)
		assert.Equal(t, original, retracted)
	})

	t.Run("does not mutate the input snapshot", func(t *testing.T) {
		original := newTestValue(t)
		_, err := ToggleVote(original, "opt-1", "u1")
		require.NoError(t, err)
		assert.Equal(t, 0, original.Options[0].Votes)
		assert.Empty(t, original.Options[0].Voters)
	})

	t.Run("votes from distinct users accumulate", func(t *testing.T) {
		v := newTestValue(t)
		v, err := ToggleVote(v, "opt-2", "u1")
		require.NoError(t, err)
		v, err = ToggleVote(v, "opt-2", "u2")
		require.NoError(t, err)
		assert.Equal(t, 2, v.Options[1].Votes)
		assert.Equal(t, []string{"u1", "u2"}, v.Options[1].Voters)
		assert.Equal(t, 0, v.Options[0].Votes)
	})

	t.Run("unknown option", func(t *testing.T) {
		_, err := ToggleVote(newTestValue(t), "opt-99", "u1")
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("empty voter id", func(t *testing.T) {
		_, err := ToggleVote(newTestValue(t), "opt-1", "")
		assert.Error(t, err)
	})
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to DecisionStage
		allowed  bool
	}{
		{StageProposed, StageProposed, true},
		{StageProposed, StageActive, true},
		{StageProposed, StageResolved, false},
		{StageActive, StageActive, true},
		{StageActive, StageResolved, true},
		{StageActive, StageProposed, false},
		{StageResolved, StageResolved, true},
		{StageResolved, StageActive, false},
		{StageResolved, StageProposed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to),
			"%s → %s", tt.from, tt.to)
	}
}

func TestResolveStage(t *testing.T) {
	t.Parallel()

	t.Run("resolving sets the option id", func(t *testing.T) {
		v := newTestValue(t)
		v.Stage = StageActive
		resolved, err := ResolveStage(v, StageResolved, "opt-2")
		require.NoError(t, err)
		assert.Equal(t, StageResolved, resolved.Stage)
		require.NotNil(t, resolved.ResolvedOptionID)
		assert.Equal(t, "opt-2", *resolved.ResolvedOptionID)
	})

	t.Run("resolving without an option id retains the current one", func(t *testing.T) {
		opt := "opt-1"
		v := newTestValue(t)
		v.Stage = StageResolved
		v.ResolvedOptionID = &opt
		resolved, err := ResolveStage(v, StageResolved, "")
		require.NoError(t, err)
		require.NotNil(t, resolved.ResolvedOptionID)
		assert.Equal(t, "opt-1", *resolved.ResolvedOptionID)
	})
}

func TestValidateValue(t *testing.T) {
	t.Parallel()

	t.Run("valid value", func(t *testing.T) {
		assert.NoError(t, ValidateValue(newTestValue(t)))
	})

	t.Run("votes must match voters", func(t *testing.T) {
		v := newTestValue(t)
		v.Options[0].Votes = 3
		assert.ErrorContains(t, ValidateValue(v), "votes=3 but 0 voters")
	})

	t.Run("duplicate voter", func(t *testing.T) {
		v := newTestValue(t)
		v.Options[0].Votes = 2
		v.Options[0].Voters = []string{"u1", "u1"}
		assert.ErrorContains(t, ValidateValue(v), "twice")
	})

	t.Run("resolvedOptionId requires resolved stage", func(t *testing.T) {
		opt := "opt-1"
		v := newTestValue(t)
		v.Stage = StageActive
		v.ResolvedOptionID = &opt
		assert.ErrorContains(t, ValidateValue(v), "resolvedOptionId set while stage")
	})

	t.Run("resolvedOptionId must reference an option", func(t *testing.T) {
		opt := "opt-99"
		v := newTestValue(t)
		v.Stage = StageResolved
		v.ResolvedOptionID = &opt
		assert.ErrorContains(t, ValidateValue(v), "does not reference an option")
	})

	t.Run("duplicate option ids", func(t *testing.T) {
		v := newTestValue(t)
		v.Options[1].ID = "opt-1"
		assert.ErrorContains(t, ValidateValue(v), "duplicate option id")
	})

	t.Run("question over the length limit", func(t *testing.T) {
		v := newTestValue(t)
		v.Question = strings.Repeat("q", MaxQuestionLen+1)
		assert.ErrorContains(t, ValidateValue(v), "question exceeds")
	})

	t.Run("context over the length limit", func(t *testing.T) {
		v := newTestValue(t)
		v.Context = strings.Repeat("c", MaxContextLen+1)
		assert.ErrorContains(t, ValidateValue(v), "context exceeds")
	})

	t.Run("option label over the length limit", func(t *testing.T) {
		v := newTestValue(t)
		v.Options[0].Label = strings.Repeat("l", MaxOptionLabelLen+1)
		assert.ErrorContains(t, ValidateValue(v), "label exceeds")
	})

	t.Run("question at the length limit", func(t *testing.T) {
		v := newTestValue(t)
		v.Question = strings.Repeat("q", MaxQuestionLen)
		assert.NoError(t, ValidateValue(v))
	})
}

func TestValidateUpdate(t *testing.T) {
	t.Parallel()

	t.Run("vote update at same stage is legal", func(t *testing.T) {
		current := newTestValue(t)
		next, err := ToggleVote(current, "opt-1", "u1")
		require.NoError(t, err)
		assert.NoError(t, ValidateUpdate(current, next))
	})

	t.Run("decision type is immutable", func(t *testing.T) {
		current := newTestValue(t)
		next := newTestValue(t)
		next.DecisionType = TypeConsensus
		assert.ErrorContains(t, ValidateUpdate(current, next), "fixed at creation")
	})

	t.Run("skipping a stage is rejected", func(t *testing.T) {
		current := newTestValue(t)
		next := newTestValue(t)
		next.Stage = StageResolved
		opt := "opt-1"
		next.ResolvedOptionID = &opt
		assert.ErrorContains(t, ValidateUpdate(current, next), "illegal stage transition")
	})

	t.Run("options cannot be removed", func(t *testing.T) {
		current := newTestValue(t)
		next := newTestValue(t)
		next.Options = append(next.Options[:1], DecisionOption{ID: "opt-3", Label: "gRPC", Voters: []string{}})
		assert.ErrorContains(t, ValidateUpdate(current, next), "cannot be removed")
	})
}

func TestRoleAtLeast(t *testing.T) {
	t.Parallel()

	assert.True(t, RoleAtLeast(RoleAdmin, RoleModerator))
	assert.True(t, RoleAtLeast(RoleModerator, RoleModerator))
	assert.False(t, RoleAtLeast(RoleMember, RoleModerator))
	assert.False(t, RoleAtLeast("", RoleMember))
}
