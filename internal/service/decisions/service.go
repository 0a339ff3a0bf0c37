// Package decisions provides the shared business logic for decision operations.
//
// HTTP handlers delegate to this service so that validation, transactional
// writes, and change notification stay consistent across all entry points.
package decisions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quorumhq/quorum/internal/model"
	"github.com/quorumhq/quorum/internal/storage"
	"github.com/quorumhq/quorum/internal/telemetry"
)

// retryBaseDelay is the initial backoff for transient Postgres conflicts.
// Version conflicts are never retried here; that policy belongs to clients.
const retryBaseDelay = 10 * time.Millisecond

// Service encapsulates decision business logic shared by all handlers.
type Service struct {
	db         *storage.DB
	logger     *slog.Logger
	maxRetries int

	updateDuration   metric.Float64Histogram
	versionConflicts metric.Int64Counter
}

// New creates a new decision Service. maxRetries bounds retries of
// serialization failures inside a single server-side operation.
func New(db *storage.DB, logger *slog.Logger, maxRetries int) *Service {
	meter := telemetry.Meter("quorum/decisions")
	updDur, _ := meter.Float64Histogram("quorum.decision.update.duration",
		metric.WithDescription("Time to apply a decision update (ms)"),
		metric.WithUnit("ms"),
	)
	verConf, _ := meter.Int64Counter("quorum.decision.version_conflicts",
		metric.WithDescription("Updates rejected because the expected version was stale"),
	)
	return &Service{
		db:               db,
		logger:           logger,
		maxRetries:       maxRetries,
		updateDuration:   updDur,
		versionConflicts: verConf,
	}
}

// Create validates and persists a new decision at version 1.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, req model.CreateDecisionRequest) (model.DecisionRecord, error) {
	if req.Title == "" {
		return model.DecisionRecord{}, fmt.Errorf("create: %w: title is required", model.ErrInvalidInput)
	}
	if len(req.Title) > model.MaxTitleLen {
		return model.DecisionRecord{}, fmt.Errorf("create: %w: title exceeds %d bytes", model.ErrInvalidInput, model.MaxTitleLen)
	}
	if len(req.Reason) > model.MaxReasonLen {
		return model.DecisionRecord{}, fmt.Errorf("create: %w: reason exceeds %d bytes", model.ErrInvalidInput, model.MaxReasonLen)
	}
	if err := model.ValidateValue(req.Value); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("create: %w", invalidInput(err))
	}
	if _, err := s.db.GetChat(ctx, req.ChatID); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("create: chat: %w", err)
	}

	now := time.Now().UTC()
	record := model.DecisionRecord{
		ID:        uuid.New(),
		ChatID:    req.ChatID,
		Title:     req.Title,
		Value:     req.Value,
		Version:   1,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.db.CreateDecision(ctx, record, req.Reason)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("create: %w", err)
	}

	s.notifyChange(ctx, created.ID)
	return created, nil
}

// Get fetches a single decision by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.DecisionRecord, error) {
	return s.db.GetDecision(ctx, id)
}

// List returns the decisions of a chat, newest first.
func (s *Service) List(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]model.DecisionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListDecisions(ctx, chatID, limit, offset)
}

// Update replaces a decision's value, guarded by the caller's expected
// version when one is supplied. A nil expected version applies the write
// unconditionally against whatever version is current.
func (s *Service) Update(ctx context.Context, id, userID uuid.UUID, req model.UpdateDecisionRequest) (model.DecisionRecord, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("quorum.decision_id", id.String()))
	if req.ExpectedVersion != nil {
		span.SetAttributes(attribute.Int64("quorum.expected_version", *req.ExpectedVersion))
	}

	if len(req.Reason) > model.MaxReasonLen {
		return model.DecisionRecord{}, fmt.Errorf("update: %w: reason exceeds %d bytes", model.ErrInvalidInput, model.MaxReasonLen)
	}
	if err := model.ValidateValue(req.Value); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("update: %w", invalidInput(err))
	}

	// Structural checks against the current value (type immutability, stage
	// transitions, option removal). The version guard inside the UPDATE is
	// what ultimately protects against concurrent writers.
	current, err := s.db.GetDecision(ctx, id)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("update: %w", err)
	}
	// A stale guard is a conflict, not a validation failure. Report it
	// before structural checks so conflict-retrying clients see 409 even
	// when their snapshot no longer validates against the current value.
	if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
		s.versionConflicts.Add(ctx, 1)
		s.logger.Info("update rejected on stale version",
			"decision_id", id, "expected_version", req.ExpectedVersion)
		return model.DecisionRecord{}, fmt.Errorf("update: %w", storage.ErrVersionConflict)
	}
	if err := model.ValidateUpdate(current.Value, req.Value); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("update: %w", invalidInput(err))
	}

	start := time.Now()
	var updated model.DecisionRecord
	err = storage.WithRetry(ctx, s.maxRetries, retryBaseDelay, func() error {
		var err error
		updated, err = s.db.UpdateDecisionValue(ctx, id, req.Value, req.Reason, userID, req.ExpectedVersion)
		return err
	})
	s.updateDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.versionConflicts.Add(ctx, 1)
			s.logger.Info("update rejected on stale version",
				"decision_id", id, "expected_version", req.ExpectedVersion)
		}
		return model.DecisionRecord{}, fmt.Errorf("update: %w", err)
	}

	s.notifyChange(ctx, updated.ID)
	return updated, nil
}

// Lock marks a decision as locked. Locking is unconditional: it ignores
// expected versions, still bumps the version counter, and is recorded in
// history like any other accepted mutation.
func (s *Service) Lock(ctx context.Context, id, userID uuid.UUID, lockReason string) (model.DecisionRecord, error) {
	if len(lockReason) > model.MaxReasonLen {
		return model.DecisionRecord{}, fmt.Errorf("lock: %w: reason exceeds %d bytes", model.ErrInvalidInput, model.MaxReasonLen)
	}
	var reasonPtr *string
	if lockReason != "" {
		reasonPtr = &lockReason
	}
	historyReason := "decision locked"
	if lockReason != "" {
		historyReason = "decision locked: " + lockReason
	}

	locked, err := s.db.SetDecisionLock(ctx, id, true, reasonPtr, historyReason, userID)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("lock: %w", err)
	}

	s.notifyChange(ctx, locked.ID)
	return locked, nil
}

// Unlock clears a decision's lock.
func (s *Service) Unlock(ctx context.Context, id, userID uuid.UUID) (model.DecisionRecord, error) {
	unlocked, err := s.db.SetDecisionLock(ctx, id, false, nil, "decision unlocked", userID)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("unlock: %w", err)
	}

	s.notifyChange(ctx, unlocked.ID)
	return unlocked, nil
}

// History returns the full version trail of a decision, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]model.DecisionVersion, error) {
	if _, err := s.db.GetDecision(ctx, id); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return s.db.ListVersions(ctx, id)
}

// RaiseConflict records a disagreement against a decision. The conflict is
// a domain object, not a write rejection; it does not bump the decision's
// version.
func (s *Service) RaiseConflict(ctx context.Context, decisionID, userID uuid.UUID, req model.RaiseConflictRequest) (model.DecisionConflict, error) {
	if req.ConflictType == "" || req.Description == "" {
		return model.DecisionConflict{}, fmt.Errorf("raise conflict: %w: conflictType and description are required", model.ErrInvalidInput)
	}
	if len(req.Description) > model.MaxDescriptionLen {
		return model.DecisionConflict{}, fmt.Errorf("raise conflict: %w: description exceeds %d bytes", model.ErrInvalidInput, model.MaxDescriptionLen)
	}
	if _, err := s.db.GetDecision(ctx, decisionID); err != nil {
		return model.DecisionConflict{}, fmt.Errorf("raise conflict: %w", err)
	}

	conflict := model.DecisionConflict{
		ID:           uuid.New(),
		DecisionID:   decisionID,
		ConflictType: req.ConflictType,
		Description:  req.Description,
		Status:       model.ConflictOpen,
		RaisedBy:     userID,
		CreatedAt:    time.Now().UTC(),
	}

	created, err := s.db.CreateConflict(ctx, conflict)
	if err != nil {
		return model.DecisionConflict{}, fmt.Errorf("raise conflict: %w", err)
	}

	s.notifyChange(ctx, decisionID)
	return created, nil
}

// ListConflicts returns a decision's conflicts, open ones first.
func (s *Service) ListConflicts(ctx context.Context, decisionID uuid.UUID) ([]model.DecisionConflict, error) {
	if _, err := s.db.GetDecision(ctx, decisionID); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return s.db.ListConflicts(ctx, decisionID)
}

// ResolveConflict closes an open conflict with a resolution note. Resolving
// an already-resolved conflict is rejected.
func (s *Service) ResolveConflict(ctx context.Context, decisionID, conflictID, userID uuid.UUID, resolution string) (model.DecisionConflict, error) {
	if resolution == "" {
		return model.DecisionConflict{}, fmt.Errorf("resolve conflict: %w: resolution is required", model.ErrInvalidInput)
	}
	if len(resolution) > model.MaxResolutionLen {
		return model.DecisionConflict{}, fmt.Errorf("resolve conflict: %w: resolution exceeds %d bytes", model.ErrInvalidInput, model.MaxResolutionLen)
	}

	resolved, err := s.db.ResolveConflict(ctx, decisionID, conflictID, resolution)
	if err != nil {
		return model.DecisionConflict{}, fmt.Errorf("resolve conflict: %w", err)
	}

	s.logger.Info("conflict resolved",
		"decision_id", decisionID, "conflict_id", conflictID, "resolved_by", userID)
	s.notifyChange(ctx, decisionID)
	return resolved, nil
}

// invalidInput tags a validation failure so handlers can map it to 400
// without the model package knowing about transport codes.
func invalidInput(err error) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidInput, err)
}

// notifyChange publishes a decision change event after commit. Failures are
// logged and swallowed: pollers will still observe the change.
func (s *Service) notifyChange(ctx context.Context, decisionID uuid.UUID) {
	payload, err := json.Marshal(map[string]any{"decisionId": decisionID})
	if err != nil {
		s.logger.Error("marshal notify payload", "error", err)
		return
	}
	if err := s.db.Notify(ctx, storage.ChannelDecisions, string(payload)); err != nil {
		s.logger.Error("notify subscribers", "error", err, "decision_id", decisionID)
	}
}
