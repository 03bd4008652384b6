package catalog

import "github.com/trellisdata/trellis/pkg/database"

// migrations is the linear schema history of the catalog database. IDs are
// uuid/hash strings on both dialects; JSON columns are JSONB on PostgreSQL
// and TEXT on SQLite, bridged by the translation layer.
var migrations = []database.Migration{
	{
		Version: 1,
		Postgres: []string{
			`CREATE TABLE nodes (
				id TEXT PRIMARY KEY,
				parent TEXT NOT NULL,
				key TEXT NOT NULL,
				structure_family TEXT NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				specs JSONB NOT NULL DEFAULT '[]',
				sorting JSONB NOT NULL DEFAULT '[]',
				access_blob JSONB NOT NULL DEFAULT '{}',
				created_by TEXT NOT NULL DEFAULT '',
				updated_by TEXT NOT NULL DEFAULT '',
				time_created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				time_updated TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (parent, key)
			)`,
			// Forward pagination in insertion order reads key straight out
			// of this index, stable under concurrent sibling inserts.
			`CREATE INDEX idx_nodes_parent_order ON nodes (parent, time_created, id) INCLUDE (key)`,

			`CREATE TABLE structures (
				id TEXT PRIMARY KEY,
				family TEXT NOT NULL,
				body JSONB NOT NULL
			)`,

			`CREATE TABLE data_sources (
				id BIGSERIAL PRIMARY KEY,
				node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
				mimetype TEXT NOT NULL,
				structure_id TEXT REFERENCES structures(id),
				parameters JSONB NOT NULL DEFAULT '{}',
				management TEXT NOT NULL
			)`,
			`CREATE INDEX idx_data_sources_node ON data_sources (node_id)`,

			`CREATE TABLE assets (
				id BIGSERIAL PRIMARY KEY,
				data_source_id BIGINT NOT NULL REFERENCES data_sources(id) ON DELETE CASCADE,
				data_uri TEXT NOT NULL,
				is_directory BOOLEAN NOT NULL DEFAULT FALSE,
				parameter TEXT NOT NULL DEFAULT '',
				num INTEGER
			)`,
			`CREATE INDEX idx_assets_data_source ON assets (data_source_id)`,

			`CREATE TABLE revisions (
				id BIGSERIAL PRIMARY KEY,
				node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
				revision_number INTEGER NOT NULL,
				metadata JSONB NOT NULL,
				specs JSONB NOT NULL,
				access_blob JSONB NOT NULL,
				time_updated TIMESTAMPTZ NOT NULL,
				updated_by TEXT NOT NULL DEFAULT '',
				UNIQUE (node_id, revision_number)
			)`,
		},
		SQLite: []string{
			`CREATE TABLE nodes (
				id TEXT PRIMARY KEY,
				parent TEXT NOT NULL,
				key TEXT NOT NULL,
				structure_family TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				specs TEXT NOT NULL DEFAULT '[]',
				sorting TEXT NOT NULL DEFAULT '[]',
				access_blob TEXT NOT NULL DEFAULT '{}',
				created_by TEXT NOT NULL DEFAULT '',
				updated_by TEXT NOT NULL DEFAULT '',
				time_created TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				time_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE (parent, key)
			)`,
			// SQLite has no INCLUDE clause; key rides in the index columns.
			`CREATE INDEX idx_nodes_parent_order ON nodes (parent, time_created, id, key)`,

			`CREATE TABLE structures (
				id TEXT PRIMARY KEY,
				family TEXT NOT NULL,
				body TEXT NOT NULL
			)`,

			`CREATE TABLE data_sources (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
				mimetype TEXT NOT NULL,
				structure_id TEXT REFERENCES structures(id),
				parameters TEXT NOT NULL DEFAULT '{}',
				management TEXT NOT NULL
			)`,
			`CREATE INDEX idx_data_sources_node ON data_sources (node_id)`,

			`CREATE TABLE assets (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				data_source_id INTEGER NOT NULL REFERENCES data_sources(id) ON DELETE CASCADE,
				data_uri TEXT NOT NULL,
				is_directory BOOLEAN NOT NULL DEFAULT FALSE,
				parameter TEXT NOT NULL DEFAULT '',
				num INTEGER
			)`,
			`CREATE INDEX idx_assets_data_source ON assets (data_source_id)`,

			`CREATE TABLE revisions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
				revision_number INTEGER NOT NULL,
				metadata TEXT NOT NULL,
				specs TEXT NOT NULL,
				access_blob TEXT NOT NULL,
				time_updated TIMESTAMP NOT NULL,
				updated_by TEXT NOT NULL DEFAULT '',
				UNIQUE (node_id, revision_number)
			)`,
		},
	},
}
