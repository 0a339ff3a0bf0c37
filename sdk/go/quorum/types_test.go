package quorum

import "testing"

func TestToggleVoteCastsAndRetracts(t *testing.T) {
	value := pollValue()

	after, err := toggleVote(value, "opt-a", "alice")
	if err != nil {
		t.Fatalf("toggleVote failed: %v", err)
	}
	if after.Options[0].Votes != 1 {
		t.Errorf("expected 1 vote after cast, got %d", after.Options[0].Votes)
	}
	if len(after.Options[0].Voters) != 1 || after.Options[0].Voters[0] != "alice" {
		t.Errorf("expected voters [alice], got %v", after.Options[0].Voters)
	}

	// Toggling again retracts.
	retracted, err := toggleVote(after, "opt-a", "alice")
	if err != nil {
		t.Fatalf("toggleVote failed: %v", err)
	}
	if retracted.Options[0].Votes != 0 {
		t.Errorf("expected 0 votes after retract, got %d", retracted.Options[0].Votes)
	}
}

func TestToggleVoteDoesNotMutateInput(t *testing.T) {
	value := pollValue("bob")

	_, err := toggleVote(value, "opt-a", "alice")
	if err != nil {
		t.Fatalf("toggleVote failed: %v", err)
	}
	if len(value.Options[0].Voters) != 1 || value.Options[0].Voters[0] != "bob" {
		t.Errorf("input was mutated: voters now %v", value.Options[0].Voters)
	}
	if value.Options[0].Votes != 1 {
		t.Errorf("input was mutated: votes now %d", value.Options[0].Votes)
	}
}

func TestToggleVoteValidation(t *testing.T) {
	if _, err := toggleVote(pollValue(), "opt-a", ""); err == nil {
		t.Error("expected error for empty userID")
	}
	if _, err := toggleVote(pollValue(), "no-such-option", "alice"); err == nil {
		t.Error("expected error for unknown option")
	}
}

func TestApplyStage(t *testing.T) {
	value := pollValue("alice")

	active := applyStage(value, StageActive, "")
	if active.Stage != StageActive {
		t.Errorf("expected stage active, got %q", active.Stage)
	}
	if active.ResolvedOptionID != nil {
		t.Errorf("expected no resolved option, got %v", *active.ResolvedOptionID)
	}

	resolved := applyStage(active, StageResolved, "opt-a")
	if resolved.Stage != StageResolved {
		t.Errorf("expected stage resolved, got %q", resolved.Stage)
	}
	if resolved.ResolvedOptionID == nil || *resolved.ResolvedOptionID != "opt-a" {
		t.Errorf("expected resolvedOptionId 'opt-a', got %v", resolved.ResolvedOptionID)
	}

	// Input untouched.
	if value.Stage != StageActive {
		t.Errorf("input was mutated: stage now %q", value.Stage)
	}
}

func TestApplyStageKeepsExistingWinner(t *testing.T) {
	winner := "opt-b"
	value := pollValue()
	value.Stage = StageResolved
	value.ResolvedOptionID = &winner

	again := applyStage(value, StageResolved, "")
	if again.ResolvedOptionID == nil || *again.ResolvedOptionID != "opt-b" {
		t.Errorf("expected existing winner 'opt-b' kept, got %v", again.ResolvedOptionID)
	}
}
