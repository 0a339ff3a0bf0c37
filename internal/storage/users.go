package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quorumhq/quorum/internal/model"
)

// CreateUser inserts a user account.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, role, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, u.Role, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return model.User{}, fmt.Errorf("storage: user %s: %w", u.Email, ErrDuplicateEmail)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email address.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, name, role, password_hash, created_at FROM users WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %s: %w", email, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// CountUsers returns the number of user accounts. Used for admin seeding.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count users: %w", err)
	}
	return n, nil
}

// CreateChat inserts a chat.
func (db *DB) CreateChat(ctx context.Context, c model.Chat) (model.Chat, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO chats (id, title, created_by, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Title, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return model.Chat{}, fmt.Errorf("storage: create chat: %w", err)
	}
	return c, nil
}

// GetChat retrieves a chat by ID.
func (db *DB) GetChat(ctx context.Context, id uuid.UUID) (model.Chat, error) {
	var c model.Chat
	err := db.pool.QueryRow(ctx,
		`SELECT id, title, created_by, created_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Chat{}, fmt.Errorf("storage: chat %s: %w", id, ErrNotFound)
		}
		return model.Chat{}, fmt.Errorf("storage: get chat: %w", err)
	}
	return c, nil
}

// ListChats returns all chats, newest first.
func (db *DB) ListChats(ctx context.Context, limit, offset int) ([]model.Chat, error) {
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
		`SELECT id, title, created_by, created_at FROM chats ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list chats: %w", err)
	}
	defer rows.Close()

	chats := []model.Chat{}
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
