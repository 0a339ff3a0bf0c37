// Package model defines the domain types shared by the storage, service,
// and HTTP layers: decision records, their structured values, version
// history entries, and conflict records.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecisionStage is the lifecycle phase of a structured decision.
type DecisionStage string

const (
	StageProposed DecisionStage = "proposed"
	StageActive   DecisionStage = "active"
	StageResolved DecisionStage = "resolved"
)

// Valid reports whether s is a known stage.
func (s DecisionStage) Valid() bool {
	switch s {
	case StageProposed, StageActive, StageResolved:
		return true
	}
	return false
}

// CanTransition reports whether moving from one stage to another is legal.
// proposed → active → resolved is the only forward path; staying in the
// same stage (a non-transition update, e.g. a vote) is always allowed.
func CanTransition(from, to DecisionStage) bool {
	if from == to {
		return true
	}
	switch from {
	case StageProposed:
		return to == StageActive
	case StageActive:
		return to == StageResolved
	}
	return false
}

// DecisionType is the resolution mode of a structured decision.
// Fixed at creation, never mutated.
type DecisionType string

const (
	TypePoll      DecisionType = "poll"
	TypeConsensus DecisionType = "consensus"
	TypeAuthority DecisionType = "authority"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case TypePoll, TypeConsensus, TypeAuthority:
		return true
	}
	return false
}

// MinOptions is the minimum number of options a structured decision must carry.
const MinOptions = 2

// DecisionOption is a single votable option within a decision value.
// Votes is derived: it must always equal len(Voters).
type DecisionOption struct {
	ID     string   `json:"id"`
	Label  string   `json:"label"`
	Votes  int      `json:"votes"`
	Voters []string `json:"voters"`
}

// DecisionValue is the structured payload of a decision record.
type DecisionValue struct {
	Question         string           `json:"question"`
	Options          []DecisionOption `json:"options"`
	DecisionType     DecisionType     `json:"decisionType"`
	Context          string           `json:"context,omitempty"`
	Stage            DecisionStage    `json:"stage"`
	ResolvedOptionID *string          `json:"resolvedOptionId"`
}

// DecisionRecord is a versioned, lockable unit of agreement scoped to a chat.
// Version is the optimistic-concurrency token: the server increments it on
// every accepted mutation, and conditional updates are rejected when the
// caller's expected version no longer matches.
type DecisionRecord struct {
	ID                uuid.UUID     `json:"id"`
	ChatID            uuid.UUID     `json:"chatId"`
	Title             string        `json:"title"`
	Value             DecisionValue `json:"value"`
	Version           int64         `json:"version"`
	IsLocked          bool          `json:"isLocked"`
	LockReason        *string       `json:"lockReason,omitempty"`
	OpenConflictCount int           `json:"openConflictCount"`
	CreatedBy         uuid.UUID     `json:"createdBy"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// DecisionVersion is an immutable, append-only history entry. One is written
// for every accepted mutation; entries are never updated or deleted.
type DecisionVersion struct {
	ID            uuid.UUID     `json:"id"`
	DecisionID    uuid.UUID     `json:"decisionId"`
	VersionNumber int64         `json:"versionNumber"`
	Value         DecisionValue `json:"value"`
	Reason        string        `json:"reason"`
	ChangedBy     uuid.UUID     `json:"changedBy"`
	ChangedAt     time.Time     `json:"changedAt"`
}

// ConflictStatus is the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// DecisionConflict is a recorded disagreement attached to a decision.
// Distinct from a version-conflict write rejection: this is a domain
// object, not a transport error. Once resolved it is immutable.
type DecisionConflict struct {
	ID           uuid.UUID      `json:"id"`
	DecisionID   uuid.UUID      `json:"decisionId"`
	ConflictType string         `json:"conflictType"`
	Description  string         `json:"description"`
	Status       ConflictStatus `json:"status"`
	Resolution   *string        `json:"resolution,omitempty"`
	RaisedBy     uuid.UUID      `json:"raisedBy"`
	CreatedAt    time.Time      `json:"createdAt"`
	ResolvedAt   *time.Time     `json:"resolvedAt,omitempty"`
}

// NewDecisionValue builds the initial structured value for a decision:
// stage=proposed, every option at zero votes, no resolved option.
func NewDecisionValue(question string, optionLabels []string, decisionType DecisionType, context string) (DecisionValue, error) {
	if question == "" {
		return DecisionValue{}, fmt.Errorf("model: question is required")
	}
	if len(optionLabels) < MinOptions {
		return DecisionValue{}, fmt.Errorf("model: at least %d options required, got %d", MinOptions, len(optionLabels))
	}
	if decisionType == "" {
		decisionType = TypePoll
	}
	if !decisionType.Valid() {
		return DecisionValue{}, fmt.Errorf("model: unknown decision type %q", decisionType)
	}

	options := make([]DecisionOption, len(optionLabels))
	for i, label := range optionLabels {
		if label == "" {
			return DecisionValue{}, fmt.Errorf("model: option %d has an empty label", i+1)
		}
		options[i] = DecisionOption{
			ID:     fmt.Sprintf("opt-%d", i+1),
			Label:  label,
			Votes:  0,
			Voters: []string{},
		}
	}

	return DecisionValue{
		Question:     question,
		Options:      options,
		DecisionType: decisionType,
		Context:      context,
		Stage:        StageProposed,
	}, nil
}

// ToggleVote returns a copy of value with userID's vote on optionID toggled:
// cast if absent, retracted if present. The input value is not mutated.
// Toggling twice is a no-op, which is what makes the conflict-retry recompute
// safe against a refreshed snapshot.
func ToggleVote(value DecisionValue, optionID, userID string) (DecisionValue, error) {
	if userID == "" {
		return DecisionValue{}, fmt.Errorf("model: voter id is required")
	}

	found := false
	options := make([]DecisionOption, len(value.Options))
	for i, opt := range value.Options {
		if opt.ID != optionID {
			options[i] = cloneOption(opt)
			continue
		}
		found = true
		if containsVoter(opt.Voters, userID) {
			voters := make([]string, 0, len(opt.Voters)-1)
			for _, v := range opt.Voters {
				if v != userID {
					voters = append(voters, v)
				}
			}
			options[i] = DecisionOption{ID: opt.ID, Label: opt.Label, Votes: opt.Votes - 1, Voters: voters}
		} else {
			voters := make([]string, 0, len(opt.Voters)+1)
			voters = append(voters, opt.Voters...)
			voters = append(voters, userID)
			options[i] = DecisionOption{ID: opt.ID, Label: opt.Label, Votes: opt.Votes + 1, Voters: voters}
		}
	}
	if !found {
		return DecisionValue{}, fmt.Errorf("model: option %q not found", optionID)
	}

	value.Options = options
	return value, nil
}

// ResolveStage returns a copy of value moved to newStage. When resolving,
// resolvedOptionID is taken from the argument if non-empty, otherwise
// retained from the current value — it is never cleared implicitly.
func ResolveStage(value DecisionValue, newStage DecisionStage, resolvedOptionID string) (DecisionValue, error) {
	if !newStage.Valid() {
		return DecisionValue{}, fmt.Errorf("model: unknown stage %q", newStage)
	}
	value.Options = cloneOptions(value.Options)
	value.Stage = newStage
	if newStage == StageResolved && resolvedOptionID != "" {
		value.ResolvedOptionID = &resolvedOptionID
	}
	return value, nil
}

// ValidateValue checks the internal consistency of a structured value:
// known stage and type, text fields within their length limits, at least
// MinOptions options with unique non-empty ids, votes matching the voter
// sets, unique voters per option, and resolvedOptionId set only at
// stage=resolved and referencing a real option.
func ValidateValue(v DecisionValue) error {
	if v.Question == "" {
		return fmt.Errorf("model: question is required")
	}
	if len(v.Question) > MaxQuestionLen {
		return fmt.Errorf("model: question exceeds %d bytes", MaxQuestionLen)
	}
	if len(v.Context) > MaxContextLen {
		return fmt.Errorf("model: context exceeds %d bytes", MaxContextLen)
	}
	if !v.Stage.Valid() {
		return fmt.Errorf("model: unknown stage %q", v.Stage)
	}
	if !v.DecisionType.Valid() {
		return fmt.Errorf("model: unknown decision type %q", v.DecisionType)
	}
	if len(v.Options) < MinOptions {
		return fmt.Errorf("model: at least %d options required, got %d", MinOptions, len(v.Options))
	}

	ids := make(map[string]bool, len(v.Options))
	for i, opt := range v.Options {
		if opt.ID == "" {
			return fmt.Errorf("model: option %d has an empty id", i+1)
		}
		if ids[opt.ID] {
			return fmt.Errorf("model: duplicate option id %q", opt.ID)
		}
		ids[opt.ID] = true

		if len(opt.Label) > MaxOptionLabelLen {
			return fmt.Errorf("model: option %q label exceeds %d bytes", opt.ID, MaxOptionLabelLen)
		}

		if opt.Votes != len(opt.Voters) {
			return fmt.Errorf("model: option %q has votes=%d but %d voters", opt.ID, opt.Votes, len(opt.Voters))
		}
		seen := make(map[string]bool, len(opt.Voters))
		for _, voter := range opt.Voters {
			if seen[voter] {
				return fmt.Errorf("model: option %q lists voter %q twice", opt.ID, voter)
			}
			seen[voter] = true
		}
	}

	if v.ResolvedOptionID != nil {
		if v.Stage != StageResolved {
			return fmt.Errorf("model: resolvedOptionId set while stage is %q", v.Stage)
		}
		if !ids[*v.ResolvedOptionID] {
			return fmt.Errorf("model: resolvedOptionId %q does not reference an option", *v.ResolvedOptionID)
		}
	}

	return nil
}

// ValidateUpdate checks an incoming value against the stored current value:
// the decision type is immutable, option ids may not be removed, and the
// stage may only move along the forward path.
func ValidateUpdate(current, next DecisionValue) error {
	if err := ValidateValue(next); err != nil {
		return err
	}
	if next.DecisionType != current.DecisionType {
		return fmt.Errorf("model: decision type is fixed at creation (%q)", current.DecisionType)
	}
	if !CanTransition(current.Stage, next.Stage) {
		return fmt.Errorf("model: illegal stage transition from %q to %q", current.Stage, next.Stage)
	}

	nextIDs := make(map[string]bool, len(next.Options))
	for _, opt := range next.Options {
		nextIDs[opt.ID] = true
	}
	for _, opt := range current.Options {
		if !nextIDs[opt.ID] {
			return fmt.Errorf("model: option %q cannot be removed", opt.ID)
		}
	}
	return nil
}

func cloneOption(opt DecisionOption) DecisionOption {
	voters := make([]string, len(opt.Voters))
	copy(voters, opt.Voters)
	opt.Voters = voters
	return opt
}

func cloneOptions(options []DecisionOption) []DecisionOption {
	out := make([]DecisionOption, len(options))
	for i, opt := range options {
		out[i] = cloneOption(opt)
	}
	return out
}

func containsVoter(voters []string, userID string) bool {
	for _, v := range voters {
		if v == userID {
			return true
		}
	}
	return false
}
