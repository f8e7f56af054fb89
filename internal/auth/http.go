// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the credential from the Authorization header or token query parameter

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractToken returns the request credential. A bearer Authorization header
// wins; otherwise the token query parameter is used.
func ExtractToken(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing credential"
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the
// request credential and adds the user to the request context.
func HTTPAuthMiddleware(verifier IdentityVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http-auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			user, err := verifier.VerifyCredential(r.Context(), token)
			switch {
			case err == nil:
			case errors.Is(err, ErrInactiveIdentity):
				writeAuthError(w, http.StatusForbidden, "identity is inactive")
				return
			case IsCredentialError(err):
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			default:
				logger.Error("credential lookup failed", "error", err)
				writeAuthError(w, http.StatusInternalServerError, "internal error")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), user)))
		})
	}
}
