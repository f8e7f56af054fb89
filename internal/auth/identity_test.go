// ABOUTME: Tests for credential to identity resolution
// ABOUTME: Covers unknown, inactive and valid users plus store failures

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle/internal/store"
)

func seedUser(t *testing.T, s *store.MockStore, id string, active bool) *store.User {
	t.Helper()
	u := &store.User{
		ID:          id,
		Email:       id + "@example.com",
		DisplayName: "User " + id,
		IsActive:    active,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestCredentialVerifier_ValidUser(t *testing.T) {
	users := store.NewMockStore()
	seedUser(t, users, "u1", true)
	jwtVerifier := newTestVerifier(t)
	verifier := NewCredentialVerifier(jwtVerifier, users)

	token, err := jwtVerifier.Generate("u1", time.Hour)
	require.NoError(t, err)

	user, err := verifier.VerifyCredential(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "User u1", user.Name())
}

func TestCredentialVerifier_Rejections(t *testing.T) {
	users := store.NewMockStore()
	seedUser(t, users, "inactive", false)
	jwtVerifier := newTestVerifier(t)
	verifier := NewCredentialVerifier(jwtVerifier, users)

	ghost, _ := jwtVerifier.Generate("ghost", time.Hour)
	inactive, _ := jwtVerifier.Generate("inactive", time.Hour)
	expired, _ := jwtVerifier.Generate("inactive", -time.Hour)

	tests := []struct {
		name       string
		credential string
		want       error
	}{
		{"missing", "", ErrMissingCredential},
		{"garbage", "nope", ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"unknown user", ghost, ErrUnknownIdentity},
		{"inactive user", inactive, ErrInactiveIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyCredential(t.Context(), tt.credential)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsCredentialError(err))
		})
	}
}

type failingUsers struct{ store.UserStore }

func (failingUsers) GetUser(ctx context.Context, id string) (*store.User, error) {
	return nil, errors.New("database is locked")
}

func TestCredentialVerifier_StoreFailureIsNotACredentialError(t *testing.T) {
	jwtVerifier := newTestVerifier(t)
	verifier := NewCredentialVerifier(jwtVerifier, failingUsers{})

	token, _ := jwtVerifier.Generate("u1", time.Hour)
	_, err := verifier.VerifyCredential(t.Context(), token)
	require.Error(t, err)
	assert.False(t, IsCredentialError(err))
}
