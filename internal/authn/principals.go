package authn

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authz"
)

// Principal is an authenticated identity, human or service. Identities and
// Roles are always loaded; APIKeys and Sessions only by GetPrincipalDetail.
type Principal struct {
	ID             uuid.UUID           `json:"uuid"`
	Type           authz.PrincipalType `json:"type"`
	TimeCreated    time.Time           `json:"time_created"`
	LatestActivity *time.Time          `json:"latest_activity"`
	Identities     []Identity          `json:"identities"`
	Roles          []Role              `json:"roles"`
	APIKeys        []APIKey            `json:"api_keys,omitempty"`
	Sessions       []Session           `json:"sessions,omitempty"`
}

// Identity links a principal to one external identity.
type Identity struct {
	Provider    string     `json:"provider"`
	ID          string     `json:"id"`
	LatestLogin *time.Time `json:"latest_login"`
}

// Role names a reusable scope grant.
type Role struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// Scopes returns the union of the principal's role scopes.
func (p *Principal) Scopes() authz.ScopeSet {
	set := authz.NewScopeSet()
	for _, role := range p.Roles {
		for _, name := range role.Scopes {
			if scope, err := authz.ParseScope(name); err == nil {
				set.Add(scope)
			}
		}
	}
	return set
}

// IsAdmin reports whether the principal's roles grant the admin scope.
func (p *Principal) IsAdmin() bool {
	return p.Scopes().Has(authz.ScopeAdminAPIKeys)
}

// IdentityIDs returns the external ids of the principal's identities, the
// strings access blobs and tag registries refer to.
func (p *Principal) IdentityIDs() []string {
	out := make([]string, 0, len(p.Identities))
	for _, identity := range p.Identities {
		out = append(out, identity.ID)
	}
	return out
}

// Caller builds the request identity a session token represents: the
// principal acting with its full role scopes and no key-tag restriction.
func (p *Principal) Caller() authz.Caller {
	return authz.Caller{
		PrincipalID: p.ID,
		Type:        p.Type,
		Identities:  p.IdentityIDs(),
		Scopes:      p.Scopes(),
	}
}

// EnsurePrincipal returns the principal linked to (provider, id), creating
// a fresh one with the user role on first login. Identities listed in the
// admin bootstrap configuration gain the admin role, including ones that
// existed before the configuration change.
func (s *Service) EnsurePrincipal(ctx context.Context, provider, id string) (*Principal, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var principalID string
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		`SELECT principal_id FROM identities WHERE provider = $1 AND id = $2`),
		provider, id).Scan(&principalID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		principalID = uuid.New().String()
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO principals (id, type, time_created, latest_activity) VALUES ($1, $2, $3, $4)`),
			principalID, string(authz.PrincipalUser), now, now); err != nil {
			return nil, fmt.Errorf("failed to create principal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO identities (provider, id, principal_id, time_created, latest_login) VALUES ($1, $2, $3, $4, $5)`),
			provider, id, principalID, now, now); err != nil {
			return nil, fmt.Errorf("failed to create identity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO principal_roles (principal_id, role_name) VALUES ($1, $2)`),
			principalID, RoleUser); err != nil {
			return nil, fmt.Errorf("failed to assign user role: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE identities SET latest_login = $1 WHERE provider = $2 AND id = $3`),
			now, provider, id); err != nil {
			return nil, fmt.Errorf("failed to record login: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE principals SET latest_activity = $1 WHERE id = $2`),
			now, principalID); err != nil {
			return nil, fmt.Errorf("failed to record principal activity: %w", err)
		}
	}

	if s.isConfiguredAdmin(provider, id) {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO principal_roles (principal_id, role_name) VALUES ($1, $2) ON CONFLICT (principal_id, role_name) DO NOTHING`),
			principalID, RoleAdmin); err != nil {
			return nil, fmt.Errorf("failed to assign admin role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit principal: %w", err)
	}

	parsed, err := uuid.Parse(principalID)
	if err != nil {
		return nil, fmt.Errorf("corrupt principal id %q: %w", principalID, err)
	}
	return s.GetPrincipal(ctx, parsed)
}

// GetPrincipal loads a principal with its identities and roles.
func (s *Service) GetPrincipal(ctx context.Context, id uuid.UUID) (*Principal, error) {
	var (
		p              Principal
		rawID, rawType string
		latestActivity sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, type, time_created, latest_activity FROM principals WHERE id = $1`),
		id.String()).Scan(&rawID, &rawType, &p.TimeCreated, &latestActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}

	p.ID = id
	p.Type = authz.PrincipalType(rawType)
	if latestActivity.Valid {
		t := latestActivity.Time
		p.LatestActivity = &t
	}

	if p.Identities, err = s.loadIdentities(ctx, id); err != nil {
		return nil, err
	}
	if p.Roles, err = s.loadRoles(ctx, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPrincipalDetail loads a principal with its API keys and sessions in
// addition to identities and roles.
func (s *Service) GetPrincipalDetail(ctx context.Context, id uuid.UUID) (*Principal, error) {
	p, err := s.GetPrincipal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.APIKeys, err = s.ListAPIKeys(ctx, id); err != nil {
		return nil, err
	}
	if p.Sessions, err = s.ListSessions(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPrincipals pages through all principals in creation order and reports
// the total count.
func (s *Service) ListPrincipals(ctx context.Context, offset, limit int) ([]*Principal, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count principals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT id FROM principals ORDER BY time_created, id LIMIT $1 OFFSET $2`),
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, fmt.Errorf("failed to scan principal id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, 0, fmt.Errorf("corrupt principal id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	principals := make([]*Principal, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPrincipal(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		principals = append(principals, p)
	}
	return principals, total, nil
}

// CreateServicePrincipal creates a principal of type service holding the
// named role. Service principals have no identities and log in only through
// API keys.
func (s *Service) CreateServicePrincipal(ctx context.Context, role string) (*Principal, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT EXISTS (SELECT 1 FROM roles WHERE name = $1)`), role).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check role: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	id := uuid.New()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO principals (id, type, time_created) VALUES ($1, $2, $3)`),
		id.String(), string(authz.PrincipalService), now); err != nil {
		return nil, fmt.Errorf("failed to create service principal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO principal_roles (principal_id, role_name) VALUES ($1, $2)`),
		id.String(), role); err != nil {
		return nil, fmt.Errorf("failed to assign role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit service principal: %w", err)
	}

	return s.GetPrincipal(ctx, id)
}

func (s *Service) loadIdentities(ctx context.Context, principalID uuid.UUID) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT provider, id, latest_login FROM identities WHERE principal_id = $1 ORDER BY time_created, provider, id`),
		principalID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load identities: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var (
			identity    Identity
			latestLogin sql.NullTime
		)
		if err := rows.Scan(&identity.Provider, &identity.ID, &latestLogin); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		if latestLogin.Valid {
			t := latestLogin.Time
			identity.LatestLogin = &t
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (s *Service) loadRoles(ctx context.Context, principalID uuid.UUID) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT r.name, r.scopes
		 FROM roles r
		 JOIN principal_roles pr ON pr.role_name = r.name
		 WHERE pr.principal_id = $1
		 ORDER BY r.name`),
		principalID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var (
			role   Role
			scopes []byte
		)
		if err := rows.Scan(&role.Name, &scopes); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if err := json.Unmarshal(scopes, &role.Scopes); err != nil {
			return nil, fmt.Errorf("corrupt role scopes: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
