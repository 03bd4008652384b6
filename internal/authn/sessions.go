package authn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authz"
)

// Session records one login. Access is exercised through short-lived access
// tokens; the session row gates refreshes until it expires or is revoked.
type Session struct {
	ID                uuid.UUID `json:"uuid"`
	PrincipalID       uuid.UUID `json:"-"`
	TimeCreated       time.Time `json:"time_created"`
	TimeLastRefreshed time.Time `json:"time_last_refreshed"`
	RefreshCount      int       `json:"refresh_count"`
	ExpirationTime    time.Time `json:"expiration_time"`
	Revoked           bool      `json:"revoked"`
}

// TokenPair is the response body of a successful login or refresh.
type TokenPair struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// VerifyCredentials authenticates against a named provider and returns the
// principal, creating it on first login. Any credential failure surfaces as
// ErrInvalidCredentials; provider malfunctions are logged but reported to
// the client the same way.
func (s *Service) VerifyCredentials(ctx context.Context, providerName, username, password string) (*Principal, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	externalID, err := provider.Authenticate(ctx, username, password)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			s.warnf("provider %q failed to authenticate: %v", providerName, err)
		}
		return nil, ErrInvalidCredentials
	}

	return s.EnsurePrincipal(ctx, providerName, externalID)
}

// PasswordGrant performs a password login: verify credentials, open a
// session and issue the first token pair.
func (s *Service) PasswordGrant(ctx context.Context, providerName, username, password string) (*TokenPair, error) {
	principal, err := s.VerifyCredentials(ctx, providerName, username, password)
	if err != nil {
		return nil, err
	}
	return s.openSession(ctx, principal)
}

// openSession inserts a session row for the principal and issues its first
// token pair.
func (s *Service) openSession(ctx context.Context, p *Principal) (*TokenPair, error) {
	now := time.Now().UTC()
	session := Session{
		ID:                uuid.New(),
		PrincipalID:       p.ID,
		TimeCreated:       now,
		TimeLastRefreshed: now,
		ExpirationTime:    now.Add(s.sessionMaxAge),
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sessions (id, principal_id, time_created, time_last_refreshed, refresh_count, expiration_time, revoked)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`),
		session.ID.String(), p.ID.String(), now, now, session.ExpirationTime, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return s.issueTokens(p, session.ID, now)
}

// issueTokens mints a fresh access and refresh token pair.
func (s *Service) issueTokens(p *Principal, sessionID uuid.UUID, now time.Time) (*TokenPair, error) {
	access, err := s.mintAccessToken(p, sessionID, now)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mintRefreshToken(sessionID, now)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:           access,
		RefreshToken:          refresh,
		TokenType:             "bearer",
		ExpiresIn:             int64(s.accessTTL.Seconds()),
		RefreshTokenExpiresIn: int64(s.refreshTTL.Seconds()),
	}, nil
}

// Refresh rotates a session's tokens: the refresh token is verified, the
// session's refresh count is incremented, and a new pair is issued. Revoked
// sessions and sessions past their maximum age refuse to refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var claims refreshClaims
	if err := s.parseToken(refreshToken, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed session id", ErrInvalidToken)
	}

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Revoked {
		return nil, ErrSessionRevoked
	}
	now := time.Now().UTC()
	if now.After(session.ExpirationTime) {
		return nil, ErrSessionExpired
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET refresh_count = refresh_count + 1, time_last_refreshed = $1 WHERE id = $2`),
		now, sessionID.String()); err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}

	principal, err := s.GetPrincipal(ctx, session.PrincipalID)
	if err != nil {
		return nil, err
	}
	return s.issueTokens(principal, sessionID, now)
}

// RevokeSession marks a session revoked and records it in the revocation
// list. A caller may revoke only its own sessions unless it is an admin.
// Revoking an already-revoked session reports ErrSessionRevoked.
func (s *Service) RevokeSession(ctx context.Context, caller authz.Caller, sessionID uuid.UUID) error {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.PrincipalID != caller.PrincipalID && !caller.IsAdmin() {
		return authz.ErrForbidden
	}
	if session.Revoked {
		return ErrSessionRevoked
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET revoked = $1 WHERE id = $2`),
		true, sessionID.String()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO revoked_sessions (session_id, time_revoked) VALUES ($1, $2)`),
		sessionID.String(), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit revocation: %w", err)
	}
	return nil
}

// ListSessions returns the principal's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, principalID uuid.UUID) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id, principal_id, time_created, time_last_refreshed, refresh_count, expiration_time, revoked
		 FROM sessions WHERE principal_id = $1 ORDER BY time_created DESC, id`),
		principalID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *Service) getSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, principal_id, time_created, time_last_refreshed, refresh_count, expiration_time, revoked
		 FROM sessions WHERE id = $1`),
		id.String())
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session        Session
		rawID, rawPrin string
	)
	err := row.Scan(&rawID, &rawPrin, &session.TimeCreated, &session.TimeLastRefreshed,
		&session.RefreshCount, &session.ExpirationTime, &session.Revoked)
	if err != nil {
		return nil, err
	}
	if session.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("corrupt session id %q: %w", rawID, err)
	}
	if session.PrincipalID, err = uuid.Parse(rawPrin); err != nil {
		return nil, fmt.Errorf("corrupt session principal %q: %w", rawPrin, err)
	}
	return &session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
