package authn

import "errors"

var (
	// ErrInvalidCredentials is the uniform failure for login and API-key
	// authentication. It never distinguishes unknown users from wrong
	// passwords or unknown keys.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken marks a JWT that failed signature, expiry or shape
	// checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnknownProvider marks a login against a provider name that is not
	// configured.
	ErrUnknownProvider = errors.New("unknown authentication provider")

	// ErrPrincipalNotFound marks a lookup of an absent principal.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrSessionNotFound marks a lookup of an absent session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionRevoked marks use or re-revocation of a revoked session.
	ErrSessionRevoked = errors.New("session has been revoked")

	// ErrSessionExpired marks a refresh past the session's maximum age.
	ErrSessionExpired = errors.New("session has expired")

	// ErrAPIKeyNotFound marks a revocation of an absent API key.
	ErrAPIKeyNotFound = errors.New("api key not found")

	// ErrScopeEscalation marks an API-key request for scopes beyond the
	// issuing principal's own.
	ErrScopeEscalation = errors.New("requested scopes exceed the principal's scopes")

	// ErrAuthorizationPending marks a device-code poll before the user has
	// approved the pending session.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrDeviceCodeExpired marks a device-code poll after the pending
	// session's expiry.
	ErrDeviceCodeExpired = errors.New("device code has expired")

	// ErrPendingSessionNotFound marks a verification of a user code with no
	// live pending session.
	ErrPendingSessionNotFound = errors.New("pending session not found")
)
