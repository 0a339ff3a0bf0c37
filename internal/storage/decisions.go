package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/internal/model"
)

// decisionColumns is the SELECT list shared by all decision queries.
// open_conflict_count is derived, never stored: the subquery keeps it
// consistent with the conflicts table without triggers.
const decisionColumns = `d.id, d.chat_id, d.title, d.value, d.version, d.is_locked, d.lock_reason,
	 (SELECT COUNT(*) FROM decision_conflicts c WHERE c.decision_id = d.id AND c.status = 'open'),
	 d.created_by, d.created_at, d.updated_at`

// CreateDecision inserts a decision at version 1 together with its first
// history entry, atomically.
func (db *DB) CreateDecision(ctx context.Context, d model.DecisionRecord, reason string) (model.DecisionRecord, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.Version = 1
	d.IsLocked = false
	d.CreatedAt = now
	d.UpdatedAt = now

	valueJSON, err := json.Marshal(d.Value)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: marshal decision value: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO decisions (id, chat_id, title, value, version, is_locked, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.ChatID, d.Title, valueJSON, d.Version, d.IsLocked, d.CreatedBy, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: create decision: %w", err)
	}

	if err := insertVersion(ctx, tx, d.ID, d.Version, valueJSON, reason, d.CreatedBy, now); err != nil {
		return model.DecisionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: commit create: %w", err)
	}
	return d, nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.DecisionRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions d WHERE d.id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionRecord{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.DecisionRecord{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns the decisions of a chat, newest first.
func (db *DB) ListDecisions(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]model.DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions d
		 WHERE d.chat_id = $1
		 ORDER BY d.created_at DESC, d.id
		 LIMIT $2 OFFSET $3`,
		chatID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	decisions := []model.DecisionRecord{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// UpdateDecisionValue applies a versioned value update. When expectedVersion
// is non-nil the update is conditional: it fails with ErrVersionConflict if
// the stored version differs. When nil, the update is unconditional
// (last-write-wins). Locked decisions reject the update with ErrLocked
// either way. Every accepted update bumps the version and appends a
// history entry in the same transaction.
func (db *DB) UpdateDecisionValue(ctx context.Context, id uuid.UUID, value model.DecisionValue, reason string, changedBy uuid.UUID, expectedVersion *int64) (model.DecisionRecord, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: marshal decision value: %w", err)
	}
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The version guard and the lock guard live in the UPDATE itself so the
	// check and the write are one atomic statement.
	row := tx.QueryRow(ctx,
		`UPDATE decisions d SET value = $2, version = d.version + 1, updated_at = $3
		 WHERE d.id = $1
		   AND NOT d.is_locked
		   AND ($4::bigint IS NULL OR d.version = $4)
		 RETURNING `+decisionColumns,
		id, valueJSON, now, expectedVersion,
	)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionRecord{}, db.classifyUpdateFailure(ctx, tx, id, expectedVersion)
		}
		return model.DecisionRecord{}, fmt.Errorf("storage: update decision: %w", err)
	}

	if err := insertVersion(ctx, tx, d.ID, d.Version, valueJSON, reason, changedBy, now); err != nil {
		return model.DecisionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: commit update: %w", err)
	}
	return d, nil
}

// SetDecisionLock locks or unlocks a decision unconditionally — no expected
// version. Locking is an administrative override that wins over concurrent
// edits, so it must never fail with a version conflict. It still counts as a
// mutation: the version is bumped and a history entry written.
func (db *DB) SetDecisionLock(ctx context.Context, id uuid.UUID, locked bool, lockReason *string, reason string, changedBy uuid.UUID) (model.DecisionRecord, error) {
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE decisions d SET is_locked = $2, lock_reason = $3, version = d.version + 1, updated_at = $4
		 WHERE d.id = $1
		 RETURNING `+decisionColumns,
		id, locked, lockReason, now,
	)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionRecord{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.DecisionRecord{}, fmt.Errorf("storage: set lock: %w", err)
	}

	valueJSON, err := json.Marshal(d.Value)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: marshal decision value: %w", err)
	}
	if err := insertVersion(ctx, tx, d.ID, d.Version, valueJSON, reason, changedBy, now); err != nil {
		return model.DecisionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("storage: commit lock: %w", err)
	}
	return d, nil
}

// ListVersions returns the full history of a decision, oldest first.
func (db *DB) ListVersions(ctx context.Context, decisionID uuid.UUID) ([]model.DecisionVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, decision_id, version_number, value, reason, changed_by, changed_at
		 FROM decision_versions
		 WHERE decision_id = $1
		 ORDER BY version_number ASC`,
		decisionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list versions: %w", err)
	}
	defer rows.Close()

	versions := []model.DecisionVersion{}
	for rows.Next() {
		var v model.DecisionVersion
		var valueJSON []byte
		if err := rows.Scan(&v.ID, &v.DecisionID, &v.VersionNumber, &valueJSON, &v.Reason, &v.ChangedBy, &v.ChangedAt); err != nil {
			return nil, fmt.Errorf("storage: scan version: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &v.Value); err != nil {
			return nil, fmt.Errorf("storage: unmarshal version value: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// classifyUpdateFailure distinguishes why a guarded UPDATE matched no rows:
// missing decision, locked decision, or version mismatch — in that order of
// precedence. Runs inside the caller's transaction so the row it reads is
// the row the UPDATE saw.
func (db *DB) classifyUpdateFailure(ctx context.Context, tx pgx.Tx, id uuid.UUID, expectedVersion *int64) error {
	var isLocked bool
	var version int64
	err := tx.QueryRow(ctx, `SELECT is_locked, version FROM decisions WHERE id = $1`, id).Scan(&isLocked, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("storage: classify update failure: %w", err)
	}
	if isLocked {
		return fmt.Errorf("storage: decision %s: %w", id, ErrLocked)
	}
	if expectedVersion != nil {
		return fmt.Errorf("storage: decision %s: expected version %d, found %d: %w", id, *expectedVersion, version, ErrVersionConflict)
	}
	return fmt.Errorf("storage: update decision %s matched no rows", id)
}

func insertVersion(ctx context.Context, tx pgx.Tx, decisionID uuid.UUID, versionNumber int64, valueJSON []byte, reason string, changedBy uuid.UUID, changedAt time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO decision_versions (id, decision_id, version_number, value, reason, changed_by, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), decisionID, versionNumber, valueJSON, reason, changedBy, changedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert version %d: %w", versionNumber, err)
	}
	return nil
}

func scanDecision(row pgx.Row) (model.DecisionRecord, error) {
	var d model.DecisionRecord
	var valueJSON []byte
	if err := row.Scan(
		&d.ID, &d.ChatID, &d.Title, &valueJSON, &d.Version, &d.IsLocked, &d.LockReason,
		&d.OpenConflictCount, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return model.DecisionRecord{}, err
	}
	if err := json.Unmarshal(valueJSON, &d.Value); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("unmarshal decision value: %w", err)
	}
	return d, nil
}
