// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/ngocp-0847/explain-source/lib/store"
)

// ErrUnauthenticated is returned by an Identifier when the request
// carries no acceptable identity.
var ErrUnauthenticated = errors.New("authentication required")

// UserHeader names the user ID in trusted-header mode.
const UserHeader = "X-User-ID"

// Identifier resolves the user making a request.
type Identifier interface {
	Identify(r *http.Request) (store.User, error)
}

// UserLookup finds users. *store.Store implements it.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
}

// PasswordIdentifier accepts HTTP Basic credentials verified against
// the user's bcrypt hash. With TrustHeader set it also accepts an
// X-User-ID header naming an existing user, for deployments behind an
// authenticating proxy.
type PasswordIdentifier struct {
	Users       UserLookup
	TrustHeader bool
}

// Identify implements Identifier.
func (p *PasswordIdentifier) Identify(r *http.Request) (store.User, error) {
	ctx := r.Context()
	if username, password, ok := r.BasicAuth(); ok {
		user, err := p.Users.GetUserByUsername(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, fmt.Errorf("%w: unknown user or wrong password", ErrUnauthenticated)
		}
		if err != nil {
			return store.User{}, err
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			return store.User{}, fmt.Errorf("%w: unknown user or wrong password", ErrUnauthenticated)
		}
		return user, nil
	}

	if p.TrustHeader {
		if id := r.Header.Get(UserHeader); id != "" {
			user, err := p.Users.GetUser(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return store.User{}, fmt.Errorf("%w: unknown user %q", ErrUnauthenticated, id)
			}
			return user, err
		}
	}
	return store.User{}, ErrUnauthenticated
}

// HashPassword returns the bcrypt hash stored for a new user.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

type userContextKey struct{}

// requireUser rejects requests without an identity and stores the
// user in the request context.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.identifier.Identify(r)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				w.Header().Set("WWW-Authenticate", `Basic realm="explain-source"`)
			}
			h.sendError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

// requestUser returns the user stored by requireUser.
func requestUser(r *http.Request) store.User {
	user, _ := r.Context().Value(userContextKey{}).(store.User)
	return user
}
