package authn

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authz"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// accessClaims is the payload of a short-lived access token. The registered
// claims contribute sub (the principal uuid) and exp.
type accessClaims struct {
	SubjectType  string   `json:"sub_typ"`
	Scopes       []string `json:"scp"`
	SessionState string   `json:"state"`
	Identities   []string `json:"ids"`
	TokenType    string   `json:"type"`
	jwt.RegisteredClaims
}

// refreshClaims is the payload of a refresh token. It carries only the
// session id; everything else is re-read from the database on refresh.
type refreshClaims struct {
	SessionID string `json:"sid"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// mintAccessToken signs an access token for the principal acting in the
// given session.
func (s *Service) mintAccessToken(p *Principal, sessionID uuid.UUID, now time.Time) (string, error) {
	claims := &accessClaims{
		SubjectType:  string(p.Type),
		Scopes:       p.Scopes().Strings(),
		SessionState: sessionID.String(),
		Identities:   p.IdentityIDs(),
		TokenType:    tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secrets[0])
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// mintRefreshToken signs a refresh token for the session.
func (s *Service) mintRefreshToken(sessionID uuid.UUID, now time.Time) (string, error) {
	claims := &refreshClaims{
		SessionID: sessionID.String(),
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secrets[0])
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return token, nil
}

// parseToken verifies a JWT against the configured keys in order, so tokens
// signed before a key rotation stay valid until they expire.
func (s *Service) parseToken(token string, claims jwt.Claims) error {
	var lastErr error
	for _, secret := range s.secrets {
		key := secret
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return key, nil
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
}

// AuthenticateAccessToken verifies an access token and returns the caller
// it represents. Validation is stateless; revocation takes effect when the
// short-lived token next has to be refreshed.
func (s *Service) AuthenticateAccessToken(token string) (authz.Caller, error) {
	var claims accessClaims
	if err := s.parseToken(token, &claims); err != nil {
		return authz.Caller{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return authz.Caller{}, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	principalID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return authz.Caller{}, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	scopes, err := authz.ParseScopeSet(claims.Scopes)
	if err != nil {
		return authz.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return authz.Caller{
		PrincipalID: principalID,
		Type:        authz.PrincipalType(claims.SubjectType),
		Identities:  claims.Identities,
		Scopes:      scopes,
	}, nil
}
