package authn

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/pkg/database"
)

// DeviceCodeInterval is the polling interval clients are told to honor.
const DeviceCodeInterval = 5 * time.Second

// userCodeAlphabet omits characters that read ambiguously when typed from a
// terminal into a browser (0/O, 1/I/L).
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// PendingSession is the response of a device-code initiation. DeviceCode is
// the polling secret, returned exactly once; UserCode is what the operator
// types into the verification page.
type PendingSession struct {
	UserCode   string
	DeviceCode string
	Expiry     time.Time
	Interval   time.Duration
}

// StartDeviceFlow opens a pending session for a device-code login and
// reaps expired ones while it is here.
func (s *Service) StartDeviceFlow(ctx context.Context) (*PendingSession, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM pending_sessions WHERE expiry < $1`), now); err != nil {
		s.warnf("failed to reap expired pending sessions: %v", err)
	}

	// User codes are short; an expired-but-unreaped duplicate is possible,
	// so colliding inserts retry with a fresh code.
	for attempt := 0; attempt < 3; attempt++ {
		userCode, err := randomUserCode()
		if err != nil {
			return nil, err
		}
		deviceCode, digest, err := newKeySecret()
		if err != nil {
			return nil, err
		}

		pending := &PendingSession{
			UserCode:   userCode,
			DeviceCode: deviceCode,
			Expiry:     now.Add(s.deviceCodeTTL),
			Interval:   DeviceCodeInterval,
		}
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO pending_sessions (device_code_digest, user_code, expiry, time_created) VALUES ($1, $2, $3, $4)`),
			digest, userCode, pending.Expiry, now)
		if database.IsUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create pending session: %w", err)
		}
		return pending, nil
	}
	return nil, fmt.Errorf("failed to create pending session: user code collisions")
}

// ApproveDeviceCode binds an authenticated principal to the pending session
// named by the user code. Expired and unknown codes are indistinguishable.
func (s *Service) ApproveDeviceCode(ctx context.Context, userCode string, principalID uuid.UUID) error {
	code := canonicalUserCode(userCode)

	var expiry time.Time
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT expiry FROM pending_sessions WHERE user_code = $1`), code).Scan(&expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPendingSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up pending session: %w", err)
	}
	if time.Now().UTC().After(expiry) {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM pending_sessions WHERE user_code = $1`), code); err != nil {
			s.warnf("failed to delete expired pending session: %v", err)
		}
		return ErrPendingSessionNotFound
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE pending_sessions SET principal_id = $1 WHERE user_code = $2`),
		principalID.String(), code); err != nil {
		return fmt.Errorf("failed to approve pending session: %w", err)
	}
	return nil
}

// RedeemDeviceCode exchanges an approved device code for a session's first
// token pair. Before approval it reports ErrAuthorizationPending; the
// pending session is consumed on success.
func (s *Service) RedeemDeviceCode(ctx context.Context, deviceCode string) (*TokenPair, error) {
	digest, err := digestKeySecret(deviceCode)
	if err != nil {
		return nil, err
	}

	var (
		expiry    time.Time
		principal sql.NullString
	)
	err = s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT expiry, principal_id FROM pending_sessions WHERE device_code_digest = $1`),
		digest).Scan(&expiry, &principal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pending session: %w", err)
	}

	if time.Now().UTC().After(expiry) {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM pending_sessions WHERE device_code_digest = $1`), digest); err != nil {
			s.warnf("failed to delete expired pending session: %v", err)
		}
		return nil, ErrDeviceCodeExpired
	}
	if !principal.Valid {
		return nil, ErrAuthorizationPending
	}

	principalID, err := uuid.Parse(principal.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt pending session principal %q: %w", principal.String, err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM pending_sessions WHERE device_code_digest = $1`), digest); err != nil {
		return nil, fmt.Errorf("failed to consume pending session: %w", err)
	}

	p, err := s.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return s.openSession(ctx, p)
}

// randomUserCode draws an XXXX-XXXX code from the unambiguous alphabet.
func randomUserCode() (string, error) {
	// Rejection sampling keeps the alphabet distribution uniform.
	limit := byte(len(userCodeAlphabet) * (256 / len(userCodeAlphabet)))
	letters := make([]byte, 0, 8)
	buf := make([]byte, 1)
	for len(letters) < 8 {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		letters = append(letters, userCodeAlphabet[int(buf[0])%len(userCodeAlphabet)])
	}
	return string(letters[:4]) + "-" + string(letters[4:]), nil
}

// canonicalUserCode normalizes operator input to the stored XXXX-XXXX form.
func canonicalUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}
