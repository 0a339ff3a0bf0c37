package quorum

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DecisionStage is the lifecycle phase of a structured decision.
// Stages only move forward: proposed, then active, then resolved.
type DecisionStage string

const (
	StageProposed DecisionStage = "proposed"
	StageActive   DecisionStage = "active"
	StageResolved DecisionStage = "resolved"
)

// DecisionType fixes how a decision is expected to be settled.
type DecisionType string

const (
	TypePoll      DecisionType = "poll"
	TypeConsensus DecisionType = "consensus"
	TypeAuthority DecisionType = "authority"
)

// DecisionOption is one selectable choice inside a structured value.
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
	ResolvedOptionID *string          `json:"resolvedOptionId,omitempty"`
}

// DecisionRecord mirrors the server's decision record for API consumers.
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

// DecisionVersion is one entry in a decision's immutable history trail.
type DecisionVersion struct {
	ID            uuid.UUID     `json:"id"`
	DecisionID    uuid.UUID     `json:"decisionId"`
	VersionNumber int64         `json:"versionNumber"`
	Value         DecisionValue `json:"value"`
	Reason        string        `json:"reason"`
	ChangedBy     uuid.UUID     `json:"changedBy"`
	ChangedAt     time.Time     `json:"changedAt"`
}

// DecisionConflict is a recorded disagreement attached to a decision.
type DecisionConflict struct {
	ID           uuid.UUID  `json:"id"`
	DecisionID   uuid.UUID  `json:"decisionId"`
	ConflictType string     `json:"conflictType"`
	Description  string     `json:"description"`
	Status       string     `json:"status"`
	Resolution   *string    `json:"resolution,omitempty"`
	RaisedBy     uuid.UUID  `json:"raisedBy"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// Chat is a conversation that decisions belong to.
type Chat struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedBy uuid.UUID `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateDecisionRequest is the body for creating a decision.
type CreateDecisionRequest struct {
	ChatID uuid.UUID     `json:"chatId"`
	Title  string        `json:"title"`
	Value  DecisionValue `json:"value"`
	Reason string        `json:"reason,omitempty"`
}

// HealthResponse reports server health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptimeSeconds"`
}

// toggleVote returns a copy of value with userID's vote on optionID
// toggled: cast if absent, retracted if present. The input is not mutated,
// so it can be recomputed against a refetched snapshot on retry.
func toggleVote(value DecisionValue, optionID, userID string) (DecisionValue, error) {
	if userID == "" {
		return DecisionValue{}, fmt.Errorf("quorum: userID is required to vote")
	}

	found := false
	next := value
	next.Options = make([]DecisionOption, len(value.Options))
	for i, opt := range value.Options {
		voters := make([]string, len(opt.Voters))
		copy(voters, opt.Voters)
		cp := opt
		cp.Voters = voters

		if opt.ID == optionID {
			found = true
			idx := -1
			for j, v := range voters {
				if v == userID {
					idx = j
					break
				}
			}
			if idx >= 0 {
				cp.Voters = append(voters[:idx], voters[idx+1:]...)
			} else {
				cp.Voters = append(voters, userID)
			}
			cp.Votes = len(cp.Voters)
		}
		next.Options[i] = cp
	}
	if !found {
		return DecisionValue{}, fmt.Errorf("quorum: option %q not found", optionID)
	}
	return next, nil
}

// applyStage returns a copy of value moved to newStage. resolvedOptionID is
// recorded only when resolving; when empty, a previously recorded winner is
// kept as-is.
func applyStage(value DecisionValue, newStage DecisionStage, resolvedOptionID string) DecisionValue {
	next := value
	next.Options = make([]DecisionOption, len(value.Options))
	for i, opt := range value.Options {
		voters := make([]string, len(opt.Voters))
		copy(voters, opt.Voters)
		cp := opt
		cp.Voters = voters
		next.Options[i] = cp
	}
	next.Stage = newStage
	if newStage == StageResolved && resolvedOptionID != "" {
		id := resolvedOptionID
		next.ResolvedOptionID = &id
	}
	return next
}
