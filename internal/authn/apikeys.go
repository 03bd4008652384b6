package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authz"
)

// apiKeySecretBytes sizes the random secret behind each API key. The secret
// circulates as its 64-char hex form; only its SHA-256 digest is stored.
const apiKeySecretBytes = 32

// APIKey is the stored record of an issued key. The secret itself is
// returned exactly once, from CreateAPIKey.
type APIKey struct {
	FirstEight     string     `json:"first_eight"`
	PrincipalID    uuid.UUID  `json:"-"`
	TimeCreated    time.Time  `json:"time_created"`
	ExpirationTime *time.Time `json:"expiration_time"`
	LatestActivity *time.Time `json:"latest_activity"`
	Note           string     `json:"note,omitempty"`
	Scopes         []string   `json:"scopes"`

	// Tags restricts the key to acting through the listed access tags.
	// nil means unrestricted.
	Tags []string `json:"tags,omitempty"`
}

// APIKeyRequest carries the client-chosen parameters of a new key.
type APIKeyRequest struct {
	// ExpiresIn is the key lifetime; zero means the key never expires.
	ExpiresIn time.Duration

	Note string

	// Scopes the key carries. Empty defaults to the inherit metascope,
	// which resolves to the principal's scopes at each use.
	Scopes []string

	// Tags restricts the key to the listed access tags; nil leaves it
	// unrestricted.
	Tags []string
}

// CreateAPIKey mints a key for the principal and returns the record along
// with the secret. Requested scopes must be a subset of the principal's own
// unless the principal is an admin.
func (s *Service) CreateAPIKey(ctx context.Context, principalID uuid.UUID, req APIKeyRequest) (*APIKey, string, error) {
	principal, err := s.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, "", err
	}

	scopes, err := normalizeKeyScopes(req.Scopes, principal)
	if err != nil {
		return nil, "", err
	}
	for _, tag := range req.Tags {
		if tag == "" {
			return nil, "", fmt.Errorf("empty tag in api key restriction")
		}
	}

	secret, digest, err := newKeySecret()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	key := &APIKey{
		FirstEight:  secret[:8],
		PrincipalID: principalID,
		TimeCreated: now,
		Note:        req.Note,
		Scopes:      scopes,
		Tags:        req.Tags,
	}
	if req.ExpiresIn != 0 {
		t := now.Add(req.ExpiresIn)
		key.ExpirationTime = &t
	}

	scopesJSON, err := json.Marshal(key.Scopes)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode api key scopes: %w", err)
	}
	var tagsJSON any
	if key.Tags != nil {
		b, err := json.Marshal(key.Tags)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode api key tags: %w", err)
		}
		tagsJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO api_keys (digest, first_eight, principal_id, time_created, expiration_time, note, scopes, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`),
		digest, key.FirstEight, principalID.String(), now, key.ExpirationTime, key.Note, string(scopesJSON), tagsJSON)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	return key, secret, nil
}

// AuthenticateAPIKey verifies a presented secret and returns the caller it
// represents, marking the key used. Expired and unknown keys both report
// ErrInvalidCredentials.
func (s *Service) AuthenticateAPIKey(ctx context.Context, secret string) (authz.Caller, error) {
	digest, err := digestKeySecret(secret)
	if err != nil {
		return authz.Caller{}, err
	}

	key, err := s.getAPIKey(ctx, digest)
	if err != nil {
		return authz.Caller{}, err
	}
	if key.ExpirationTime != nil && time.Now().UTC().After(*key.ExpirationTime) {
		return authz.Caller{}, ErrInvalidCredentials
	}

	principal, err := s.GetPrincipal(ctx, key.PrincipalID)
	if err != nil {
		return authz.Caller{}, err
	}

	scopes, err := s.resolveKeyScopes(key, principal)
	if err != nil {
		return authz.Caller{}, err
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE api_keys SET latest_activity = $1 WHERE digest = $2`),
		time.Now().UTC(), digest); err != nil {
		s.warnf("failed to record api key activity: %v", err)
	}

	return authz.Caller{
		PrincipalID: principal.ID,
		Type:        principal.Type,
		Identities:  principal.IdentityIDs(),
		Scopes:      scopes,
		KeyTags:     key.Tags,
	}, nil
}

// ListAPIKeys returns the principal's keys in creation order.
func (s *Service) ListAPIKeys(ctx context.Context, principalID uuid.UUID) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT first_eight, principal_id, time_created, expiration_time, latest_activity, note, scopes, tags
		 FROM api_keys WHERE principal_id = $1 ORDER BY time_created, first_eight`),
		principalID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deletes the principal's key matching the reference, which
// may be the full secret or just its displayed first eight characters.
func (s *Service) RevokeAPIKey(ctx context.Context, principalID uuid.UUID, ref string) error {
	if len(ref) < 8 {
		return ErrAPIKeyNotFound
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM api_keys WHERE principal_id = $1 AND first_eight = $2`),
		principalID.String(), ref[:8])
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (s *Service) getAPIKey(ctx context.Context, digest string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT first_eight, principal_id, time_created, expiration_time, latest_activity, note, scopes, tags
		 FROM api_keys WHERE digest = $1`),
		digest)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	return key, err
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		key          APIKey
		rawPrin      string
		expiration   sql.NullTime
		activity     sql.NullTime
		scopes, tags []byte
	)
	err := row.Scan(&key.FirstEight, &rawPrin, &key.TimeCreated, &expiration, &activity,
		&key.Note, &scopes, &tags)
	if err != nil {
		return nil, err
	}
	if key.PrincipalID, err = uuid.Parse(rawPrin); err != nil {
		return nil, fmt.Errorf("corrupt api key principal %q: %w", rawPrin, err)
	}
	if expiration.Valid {
		t := expiration.Time
		key.ExpirationTime = &t
	}
	if activity.Valid {
		t := activity.Time
		key.LatestActivity = &t
	}
	if err := json.Unmarshal(scopes, &key.Scopes); err != nil {
		return nil, fmt.Errorf("corrupt api key scopes: %w", err)
	}
	if tags != nil {
		if err := json.Unmarshal(tags, &key.Tags); err != nil {
			return nil, fmt.Errorf("corrupt api key tags: %w", err)
		}
	}
	return &key, nil
}

// normalizeKeyScopes validates requested scopes at creation time. Empty
// defaults to inherit; inherit must stand alone; named scopes must parse
// and, for non-admins, stay within the principal's own scopes.
func normalizeKeyScopes(requested []string, principal *Principal) ([]string, error) {
	if len(requested) == 0 {
		return []string{string(authz.ScopeInherit)}, nil
	}
	for _, name := range requested {
		if name == string(authz.ScopeInherit) {
			if len(requested) != 1 {
				return nil, fmt.Errorf("the inherit metascope cannot be combined with other scopes")
			}
			return []string{string(authz.ScopeInherit)}, nil
		}
	}
	set, err := authz.ParseScopeSet(requested)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() && !principal.Scopes().HasAll(set) {
		return nil, ErrScopeEscalation
	}
	return set.Strings(), nil
}

// resolveKeyScopes expands a stored key's scopes at use time: the inherit
// metascope resolves to whatever the principal's roles currently grant.
func (s *Service) resolveKeyScopes(key *APIKey, principal *Principal) (authz.ScopeSet, error) {
	if len(key.Scopes) == 1 && key.Scopes[0] == string(authz.ScopeInherit) {
		return principal.Scopes(), nil
	}
	scopes, err := authz.ParseScopeSet(key.Scopes)
	if err != nil {
		return nil, fmt.Errorf("corrupt api key scopes: %w", err)
	}
	return scopes, nil
}

// newKeySecret draws a fresh secret and returns its hex form plus the
// digest under which it is stored.
func newKeySecret() (secret, digest string, err error) {
	raw := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(raw), hex.EncodeToString(sum[:]), nil
}

// digestKeySecret hashes a presented secret for lookup. Input that is not
// valid hex cannot match any stored key.
func digestKeySecret(secret string) (string, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
