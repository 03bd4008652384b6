package authn

import "github.com/trellisdata/trellis/pkg/database"

// migrations is the linear schema history of the authentication database.
// Principal and session ids are uuid strings; JSON columns are JSONB on
// PostgreSQL and TEXT on SQLite. Expiry columns are compared in Go so the
// two dialects' timestamp encodings never meet in a WHERE clause.
var migrations = []database.Migration{
	{
		Version: 1,
		Postgres: []string{
			`CREATE TABLE principals (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				time_created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				latest_activity TIMESTAMPTZ
			)`,

			`CREATE TABLE identities (
				provider TEXT NOT NULL,
				id TEXT NOT NULL,
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				latest_login TIMESTAMPTZ,
				PRIMARY KEY (provider, id)
			)`,
			`CREATE INDEX idx_identities_principal ON identities (principal_id)`,

			`CREATE TABLE roles (
				name TEXT PRIMARY KEY,
				scopes JSONB NOT NULL DEFAULT '[]'
			)`,

			`CREATE TABLE principal_roles (
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				role_name TEXT NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
				PRIMARY KEY (principal_id, role_name)
			)`,

			`CREATE TABLE api_keys (
				digest TEXT PRIMARY KEY,
				first_eight TEXT NOT NULL,
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expiration_time TIMESTAMPTZ,
				latest_activity TIMESTAMPTZ,
				note TEXT NOT NULL DEFAULT '',
				scopes JSONB NOT NULL DEFAULT '[]',
				tags JSONB
			)`,
			`CREATE INDEX idx_api_keys_principal ON api_keys (principal_id)`,

			`CREATE TABLE sessions (
				id TEXT PRIMARY KEY,
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				time_last_refreshed TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				refresh_count INTEGER NOT NULL DEFAULT 0,
				expiration_time TIMESTAMPTZ NOT NULL,
				revoked BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX idx_sessions_principal ON sessions (principal_id)`,

			`CREATE TABLE revoked_sessions (
				session_id TEXT PRIMARY KEY,
				time_revoked TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,

			`CREATE TABLE pending_sessions (
				device_code_digest TEXT PRIMARY KEY,
				user_code TEXT NOT NULL UNIQUE,
				expiry TIMESTAMPTZ NOT NULL,
				principal_id TEXT REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
		SQLite: []string{
			`CREATE TABLE principals (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				time_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				latest_activity TIMESTAMP
			)`,

			`CREATE TABLE identities (
				provider TEXT NOT NULL,
				id TEXT NOT NULL,
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				latest_login TIMESTAMP,
				PRIMARY KEY (provider, id)
			)`,
			`CREATE INDEX idx_identities_principal ON identities (principal_id)`,

			`CREATE TABLE roles (
				name TEXT PRIMARY KEY,
				scopes TEXT NOT NULL DEFAULT '[]'
			)`,

			`CREATE TABLE principal_roles (
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				role_name TEXT NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
				PRIMARY KEY (principal_id, role_name)
			)`,

			`CREATE TABLE api_keys (
				digest TEXT PRIMARY KEY,
				first_eight TEXT NOT NULL,
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expiration_time TIMESTAMP,
				latest_activity TIMESTAMP,
				note TEXT NOT NULL DEFAULT '',
				scopes TEXT NOT NULL DEFAULT '[]',
				tags TEXT
			)`,
			`CREATE INDEX idx_api_keys_principal ON api_keys (principal_id)`,

			`CREATE TABLE sessions (
				id TEXT PRIMARY KEY,
				principal_id TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				time_last_refreshed TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				refresh_count INTEGER NOT NULL DEFAULT 0,
				expiration_time TIMESTAMP NOT NULL,
				revoked BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE INDEX idx_sessions_principal ON sessions (principal_id)`,

			`CREATE TABLE revoked_sessions (
				session_id TEXT PRIMARY KEY,
				time_revoked TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,

			`CREATE TABLE pending_sessions (
				device_code_digest TEXT PRIMARY KEY,
				user_code TEXT NOT NULL UNIQUE,
				expiry TIMESTAMP NOT NULL,
				principal_id TEXT REFERENCES principals(id) ON DELETE CASCADE,
				time_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
}
