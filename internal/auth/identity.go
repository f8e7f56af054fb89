// ABOUTME: Identity verification that turns an opaque credential into a user
// ABOUTME: Combines token verification with a user lookup and active check

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/huddle/internal/store"
)

// Identity errors
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownIdentity   = errors.New("unknown identity")
	ErrInactiveIdentity  = errors.New("identity is inactive")
)

// IdentityVerifier validates a credential and returns the authenticated user.
type IdentityVerifier interface {
	VerifyCredential(ctx context.Context, credential string) (*store.User, error)
}

// CredentialVerifier implements IdentityVerifier with a TokenVerifier and a UserStore.
type CredentialVerifier struct {
	tokens TokenVerifier
	users  store.UserStore
}

// NewCredentialVerifier creates an IdentityVerifier backed by tokens and users.
func NewCredentialVerifier(tokens TokenVerifier, users store.UserStore) *CredentialVerifier {
	return &CredentialVerifier{tokens: tokens, users: users}
}

// VerifyCredential checks the token signature, resolves its subject to a
// user and rejects inactive users.
func (v *CredentialVerifier) VerifyCredential(ctx context.Context, credential string) (*store.User, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}

	userID, err := v.tokens.Verify(credential)
	if err != nil {
		return nil, err
	}

	user, err := v.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	if !user.IsActive {
		return nil, ErrInactiveIdentity
	}
	return user, nil
}

// IsCredentialError reports whether err means the credential itself was
// rejected, as opposed to a lookup failure.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrMissingClaim) ||
		errors.Is(err, ErrUnknownIdentity) ||
		errors.Is(err, ErrInactiveIdentity)
}
