// Package auth provides credential verification for huddle.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured jwt_secret.
// The "sub" claim is the user ID. Peer nodes use the same secret with a
// "node:<id>" subject when relaying broadcast events.
//
// # Identity verification
//
// CredentialVerifier implements IdentityVerifier: it verifies the token,
// loads the user from the store and rejects inactive users. The chat
// handshake and the HTTP middleware both use it.
//
// # HTTP
//
// HTTPAuthMiddleware reads the credential from "Authorization: Bearer" or the
// "token" query parameter and stores the user in the request context
// (WithAuth / FromContext).
package auth
