// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrUsernameTaken is returned by CreateUser for a duplicate username.
var ErrUsernameTaken = errors.New("store: username already taken")

// User is an identity that can edit and approve plans. PasswordHash
// is a bcrypt hash and never leaves the server.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.clock.Now()
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `INSERT INTO users (id, username, password_hash, created_at)
			VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{user.ID, user.Username, user.PasswordHash, toNanos(user.CreatedAt)},
		})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
			}
			return fmt.Errorf("store: insert user %s: %w", user.Username, err)
		}
		return nil
	})
}

// GetUser returns ErrNotFound for an unknown id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.queryUser(ctx, "id", id)
}

// GetUserByUsername returns ErrNotFound for an unknown username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.queryUser(ctx, "username", username)
}

func (s *Store) queryUser(ctx context.Context, column, value string) (User, error) {
	var user User
	found := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id, username, password_hash, created_at
			FROM users WHERE `+column+` = ?`, &sqlitex.ExecOptions{
			Args: []any{value},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				user = User{
					ID:           stmt.ColumnText(0),
					Username:     stmt.ColumnText(1),
					PasswordHash: stmt.ColumnText(2),
					CreatedAt:    fromNanos(stmt.ColumnInt64(3)),
				}
				return nil
			},
		})
	})
	if err != nil {
		return User{}, fmt.Errorf("store: get user by %s: %w", column, err)
	}
	if !found {
		return User{}, fmt.Errorf("user %q: %w", value, ErrNotFound)
	}
	return user, nil
}
