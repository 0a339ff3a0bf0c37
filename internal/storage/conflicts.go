package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quorumhq/quorum/internal/model"
)

const conflictColumns = `id, decision_id, conflict_type, description, status, resolution, raised_by, created_at, resolved_at`

// CreateConflict records a new open conflict on a decision.
func (db *DB) CreateConflict(ctx context.Context, c model.DecisionConflict) (model.DecisionConflict, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = model.ConflictOpen
	c.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO decision_conflicts (id, decision_id, conflict_type, description, status, raised_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.DecisionID, c.ConflictType, c.Description, c.Status, c.RaisedBy, c.CreatedAt,
	)
	if err != nil {
		return model.DecisionConflict{}, fmt.Errorf("storage: create conflict: %w", err)
	}
	return c, nil
}

// ListConflicts returns all conflicts of a decision, open before resolved,
// newest first within each group.
func (db *DB) ListConflicts(ctx context.Context, decisionID uuid.UUID) ([]model.DecisionConflict, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+conflictColumns+` FROM decision_conflicts
		 WHERE decision_id = $1
		 ORDER BY status = 'resolved', created_at DESC`,
		decisionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []model.DecisionConflict{}
	for rows.Next() {
		var c model.DecisionConflict
		if err := rows.Scan(&c.ID, &c.DecisionID, &c.ConflictType, &c.Description, &c.Status, &c.Resolution, &c.RaisedBy, &c.CreatedAt, &c.ResolvedAt); err != nil {
			return nil, fmt.Errorf("storage: scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict moves an open conflict to resolved with the given
// resolution text. Resolved conflicts are immutable: resolving one a second
// time fails with ErrConflictResolved.
func (db *DB) ResolveConflict(ctx context.Context, decisionID, conflictID uuid.UUID, resolution string) (model.DecisionConflict, error) {
	now := time.Now().UTC()
	row := db.pool.QueryRow(ctx,
		`UPDATE decision_conflicts SET status = 'resolved', resolution = $3, resolved_at = $4
		 WHERE id = $1 AND decision_id = $2 AND status = 'open'
		 RETURNING `+conflictColumns,
		conflictID, decisionID, resolution, now,
	)

	var c model.DecisionConflict
	err := row.Scan(&c.ID, &c.DecisionID, &c.ConflictType, &c.Description, &c.Status, &c.Resolution, &c.RaisedBy, &c.CreatedAt, &c.ResolvedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.DecisionConflict{}, fmt.Errorf("storage: resolve conflict: %w", err)
	}

	// No row matched: either the conflict doesn't exist or it is already
	// resolved. Tell those apart for the caller.
	var status model.ConflictStatus
	err = db.pool.QueryRow(ctx,
		`SELECT status FROM decision_conflicts WHERE id = $1 AND decision_id = $2`,
		conflictID, decisionID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionConflict{}, fmt.Errorf("storage: conflict %s: %w", conflictID, ErrNotFound)
		}
		return model.DecisionConflict{}, fmt.Errorf("storage: resolve conflict: %w", err)
	}
	return model.DecisionConflict{}, fmt.Errorf("storage: conflict %s: %w", conflictID, ErrConflictResolved)
}
