// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the authenticated user via context

package auth

import (
	"context"

	"github.com/2389/huddle/internal/store"
)

// authContextKey is the key type for storing the user in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the authenticated user attached.
func WithAuth(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, authContextKey{}, user)
}

// FromContext retrieves the authenticated user, returning nil if not present.
func FromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(authContextKey{}).(*store.User)
	return user
}

// MustFromContext retrieves the authenticated user, panicking if not present.
func MustFromContext(ctx context.Context) *store.User {
	user := FromContext(ctx)
	if user == nil {
		panic("auth: user not found in context")
	}
	return user
}
