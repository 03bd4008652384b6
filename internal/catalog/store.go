package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/database"
	"github.com/trellisdata/trellis/pkg/logger"
	"github.com/trellisdata/trellis/pkg/query"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Store persists the node tree and its satellite rows (data sources,
// assets, structures, revisions) over PostgreSQL or SQLite.
type Store struct {
	db       *database.DB
	logger   *logger.Logger
	writable *WritableStorage
}

// NewStore applies pending migrations and returns the store.
// writableStorage may be empty for a catalog that cannot mint new data.
func NewStore(ctx context.Context, db *database.DB, writableStorage string, log *logger.Logger) (*Store, error) {
	if err := database.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
	}
	store := &Store{db: db, logger: log}
	if writableStorage != "" {
		w, err := NewWritableStorage(writableStorage)
		if err != nil {
			return nil, err
		}
		store.writable = w
	}
	return store, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *database.DB {
	return s.db
}

// Writable returns the writable storage, nil when none is configured.
func (s *Store) Writable() *WritableStorage {
	return s.writable
}

// RootNode returns the synthetic root container. It has no row; its blob is
// public so any principal may read the (filtered) top level.
func RootNode() *Node {
	return &Node{
		StructureFamily: structure.FamilyContainer,
		Metadata:        map[string]any{},
		AccessBlob:      authz.AccessBlob{Tags: []string{authz.PublicTag}},
		Sorting:         structure.DefaultSorting(),
	}
}

const nodeColumns = "id, parent, key, structure_family, metadata, specs, sorting, access_blob, created_by, updated_by, time_created, time_updated"

// CreateNode persists a node with its data sources and assets in one
// transaction. Writable data sources arriving without assets get a minted
// storage directory. A (parent, key) collision returns ErrConflict.
func (s *Store) CreateNode(ctx context.Context, node *Node) error {
	if err := ValidateKey(node.Key); err != nil {
		return err
	}
	if err := structure.ValidateSpecs(node.Specs); err != nil {
		return err
	}
	if !node.IsContainer() && len(node.DataSources) == 0 {
		return fmt.Errorf("%s nodes require a data source", node.StructureFamily)
	}

	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	now := time.Now().UTC()
	node.TimeCreated = now
	node.TimeUpdated = now

	for i := range node.DataSources {
		ds := &node.DataSources[i]
		if ds.Management == adapter.ManagementWritable && len(ds.Assets) == 0 {
			if s.writable == nil {
				return ErrNoWritableStorage
			}
			asset, err := s.writable.Mint(node.ID, i)
			if err != nil {
				return err
			}
			ds.Assets = []adapter.Asset{asset}
		}
	}

	metadata, err := encodeMetadata(node.Metadata)
	if err != nil {
		return err
	}
	specs, err := encodeJSONList(node.Specs)
	if err != nil {
		return err
	}
	sorting, err := encodeJSONList(node.Sorting)
	if err != nil {
		return err
	}
	blob, err := encodeBlob(node.AccessBlob)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`),
		node.ID.String(), node.Parent(), node.Key, string(node.StructureFamily),
		metadata, specs, sorting, blob,
		uuidString(node.CreatedBy), uuidString(node.UpdatedBy),
		node.TimeCreated, node.TimeUpdated)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %q under %q", ErrConflict, node.Key, node.Parent())
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}

	for i := range node.DataSources {
		if err := s.insertDataSource(ctx, tx, node.ID, &node.DataSources[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node create: %w", err)
	}
	return nil
}

func (s *Store) insertDataSource(ctx context.Context, tx *sql.Tx, nodeID uuid.UUID, ds *adapter.DataSource) error {
	var structureID any
	if !ds.Structure.IsZero() {
		id, err := s.upsertStructure(ctx, tx, ds.Structure)
		if err != nil {
			return err
		}
		structureID = id
	}

	params, err := encodeMetadata(ds.Parameters)
	if err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO data_sources (node_id, mimetype, structure_id, parameters, management)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`),
		nodeID.String(), ds.Mimetype, structureID, params, string(ds.Management)).Scan(&ds.ID)
	if err != nil {
		return fmt.Errorf("failed to insert data source: %w", err)
	}

	for j := range ds.Assets {
		asset := &ds.Assets[j]
		err := tx.QueryRowContext(ctx, s.db.Rebind(`
			INSERT INTO assets (data_source_id, data_uri, is_directory, parameter, num)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`),
			ds.ID, asset.DataURI, asset.IsDirectory, asset.Parameter, asset.Num).Scan(&asset.ID)
		if err != nil {
			return fmt.Errorf("failed to insert asset: %w", err)
		}
	}
	return nil
}

// upsertStructure stores the content-addressed structure row and returns
// its hash id. Nodes sharing a structure share the row.
func (s *Store) upsertStructure(ctx context.Context, tx *sql.Tx, st structure.Structure) (string, error) {
	id, err := st.Hash()
	if err != nil {
		return "", fmt.Errorf("failed to hash structure: %w", err)
	}
	body, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to encode structure: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO structures (id, family, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`),
		id, string(st.Family()), string(body))
	if err != nil {
		return "", fmt.Errorf("failed to store structure: %w", err)
	}
	return id, nil
}

// GetNode loads one node with its data sources by (parent, key).
func (s *Store) GetNode(ctx context.Context, parent, key string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent = $1 AND key = $2`), parent, key)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, joinedPath(parent, key))
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	if err := s.loadDataSources(ctx, []*Node{node}); err != nil {
		return nil, err
	}
	return node, nil
}

// GetNodeByPath resolves a '/'-joined path; the empty path is the synthetic
// root.
func (s *Store) GetNodeByPath(ctx context.Context, path string) (*Node, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return RootNode(), nil
	}
	return s.GetNode(ctx, JoinPath(segments[:len(segments)-1]), segments[len(segments)-1])
}

// UpdateNode replaces the node's mutable triple (metadata, specs, access
// blob), snapshotting the prior values as a new revision in the same
// transaction. A nil blob keeps the current one.
func (s *Store) UpdateNode(ctx context.Context, node *Node, metadata map[string]any, specs []structure.Spec, blob *authz.AccessBlob, updatedBy uuid.UUID) (*Node, error) {
	if err := structure.ValidateSpecs(specs); err != nil {
		return nil, err
	}

	newBlob := node.AccessBlob
	if blob != nil {
		newBlob = *blob
	}

	priorMetadata, err := encodeMetadata(node.Metadata)
	if err != nil {
		return nil, err
	}
	priorSpecs, err := encodeJSONList(node.Specs)
	if err != nil {
		return nil, err
	}
	priorBlob, err := encodeBlob(node.AccessBlob)
	if err != nil {
		return nil, err
	}
	nextMetadata, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	nextSpecs, err := encodeJSONList(specs)
	if err != nil {
		return nil, err
	}
	nextBlob, err := encodeBlob(newBlob)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COALESCE(MAX(revision_number), 0) + 1 FROM revisions WHERE node_id = $1`),
		node.ID.String()).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to number revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO revisions (node_id, revision_number, metadata, specs, access_blob, time_updated, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		node.ID.String(), next, priorMetadata, priorSpecs, priorBlob,
		node.TimeUpdated, uuidString(node.UpdatedBy))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: node was updated concurrently", ErrConflict)
		}
		return nil, fmt.Errorf("failed to snapshot revision: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE nodes
		SET metadata = $1, specs = $2, access_blob = $3, updated_by = $4, time_updated = $5
		WHERE id = $6`),
		nextMetadata, nextSpecs, nextBlob, uuidString(updatedBy), now, node.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to update node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit node update: %w", err)
	}

	updated := *node
	updated.Metadata = metadata
	updated.Specs = specs
	updated.AccessBlob = newBlob
	updated.UpdatedBy = updatedBy
	updated.TimeUpdated = now
	return &updated, nil
}

// DeleteNode removes the node and, through cascades, its data sources,
// assets and revisions. Nodes with children are refused. Asset bytes under
// catalog-owned management are removed from disk after the rows are gone.
func (s *Store) DeleteNode(ctx context.Context, node *Node) error {
	uris, err := s.ownedAssetURIs(ctx, node.ID)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM nodes
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent = $2)`),
		node.ID.String(), node.Path())
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if affected == 0 {
		hasChildren, err := s.HasChildren(ctx, node.Path())
		if err != nil {
			return err
		}
		if hasChildren {
			return fmt.Errorf("%w: %q", ErrHasChildren, node.Path())
		}
		return fmt.Errorf("%w: %q", ErrNotFound, node.Path())
	}

	for _, uri := range uris {
		path, err := adapter.PathFromFileURI(uri)
		if err != nil {
			s.warnf("skipping asset cleanup for %s: %v", uri, err)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.warnf("failed to remove asset bytes at %s: %v", path, err)
		}
	}
	return nil
}

func (s *Store) ownedAssetURIs(ctx context.Context, nodeID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT a.data_uri
		FROM assets a
		JOIN data_sources ds ON a.data_source_id = ds.id
		WHERE ds.node_id = $1 AND ds.management != $2`),
		nodeID.String(), string(adapter.ManagementExternal))
	if err != nil {
		return nil, fmt.Errorf("failed to list owned assets: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("failed to scan asset uri: %w", err)
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

// HasChildren reports whether any node lists path as its parent.
func (s *Store) HasChildren(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT EXISTS(SELECT 1 FROM nodes WHERE parent = $1)`), path).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check children: %w", err)
	}
	return exists, nil
}

// KeysRange lists child keys of parent in sorted order, offset/limit
// windowed, restricted by the filter predicates.
func (s *Store) KeysRange(ctx context.Context, parent string, offset, limit int, sorting []structure.SortKey, filters []query.Query) ([]string, error) {
	if query.ContainsNoAccess(filters) {
		return nil, nil
	}
	args := &ArgList{}
	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return nil, err
	}
	order := orderBy(s.db.Dialect(), sorting, args)

	q := fmt.Sprintf(`SELECT key FROM nodes WHERE %s ORDER BY %s LIMIT %s OFFSET %s`,
		where, order, args.Add(limit), args.Add(offset))
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ItemsRange lists child nodes of parent with their data sources loaded.
func (s *Store) ItemsRange(ctx context.Context, parent string, offset, limit int, sorting []structure.SortKey, filters []query.Query) ([]*Node, error) {
	if query.ContainsNoAccess(filters) {
		return nil, nil
	}
	args := &ArgList{}
	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return nil, err
	}
	order := orderBy(s.db.Dialect(), sorting, args)

	q := fmt.Sprintf(`SELECT %s FROM nodes WHERE %s ORDER BY %s LIMIT %s OFFSET %s`,
		nodeColumns, where, order, args.Add(limit), args.Add(offset))
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadDataSources(ctx, nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Len counts the children of parent visible through the filters.
func (s *Store) Len(ctx context.Context, parent string, filters []query.Query) (int64, error) {
	if query.ContainsNoAccess(filters) {
		return 0, nil
	}
	args := &ArgList{}
	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM nodes WHERE `+where), args.Values()...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// LenLowerBound counts children up to threshold+1 rows. The second return
// is true when the count is exact (below the threshold).
func (s *Store) LenLowerBound(ctx context.Context, parent string, threshold int64, filters []query.Query) (int64, bool, error) {
	if query.ContainsNoAccess(filters) {
		return 0, true, nil
	}
	args := &ArgList{}
	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return 0, false, err
	}
	q := fmt.Sprintf(`SELECT COUNT(*) FROM (SELECT 1 FROM nodes WHERE %s LIMIT %s) t`,
		where, args.Add(threshold+1))
	var count int64
	err = s.db.QueryRowContext(ctx, s.db.Rebind(q), args.Values()...).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count nodes: %w", err)
	}
	if count > threshold {
		return count, false, nil
	}
	return count, true, nil
}

func (s *Store) childPredicate(parent string, filters []query.Query, args *ArgList) (string, error) {
	where := "parent = " + args.Add(parent)
	if len(filters) == 0 {
		return where, nil
	}
	pred, err := Predicate(filters, s.db.Dialect(), args)
	if err != nil {
		return "", err
	}
	return where + " AND " + pred, nil
}

// Revisions lists revision snapshots of a node, oldest first.
func (s *Store) Revisions(ctx context.Context, nodeID uuid.UUID, offset, limit int) ([]*Revision, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT revision_number, metadata, specs, access_blob, time_updated, updated_by
		FROM revisions
		WHERE node_id = $1
		ORDER BY revision_number ASC
		LIMIT $2 OFFSET $3`),
		nodeID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*Revision
	for rows.Next() {
		var (
			rev                   Revision
			metadata, specs, blob []byte
			updatedBy             string
		)
		if err := rows.Scan(&rev.RevisionNumber, &metadata, &specs, &blob, &rev.TimeUpdated, &updatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		rev.NodeID = nodeID
		rev.UpdatedBy = parseUUID(updatedBy)
		if err := json.Unmarshal(metadata, &rev.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt revision metadata: %w", err)
		}
		if err := json.Unmarshal(specs, &rev.Specs); err != nil {
			return nil, fmt.Errorf("corrupt revision specs: %w", err)
		}
		if err := json.Unmarshal(blob, &rev.AccessBlob); err != nil {
			return nil, fmt.Errorf("corrupt revision access blob: %w", err)
		}
		revisions = append(revisions, &rev)
	}
	return revisions, rows.Err()
}

// DeleteRevision removes one revision snapshot by number.
func (s *Store) DeleteRevision(ctx context.Context, nodeID uuid.UUID, number int) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM revisions WHERE node_id = $1 AND revision_number = $2`),
		nodeID.String(), number)
	if err != nil {
		return fmt.Errorf("failed to delete revision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete revision: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrRevisionNotFound, number)
	}
	return nil
}

// UpdateDataSourceStructure swaps a data source onto a new structure row,
// used when appends or resizes change shape or row counts.
func (s *Store) UpdateDataSourceStructure(ctx context.Context, dataSourceID int64, st structure.Structure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := s.upsertStructure(ctx, tx, st)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE data_sources SET structure_id = $1 WHERE id = $2`), id, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to update data source: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update data source: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: data source %d", ErrNotFound, dataSourceID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit structure update: %w", err)
	}
	return nil
}

func (s *Store) loadDataSources(ctx context.Context, nodes []*Node) error {
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[string]*Node, len(nodes))
	args := &ArgList{}
	placeholders := make([]string, 0, len(nodes))
	for _, n := range nodes {
		byID[n.ID.String()] = n
		placeholders = append(placeholders, args.Add(n.ID.String()))
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(fmt.Sprintf(`
		SELECT ds.id, ds.node_id, ds.mimetype, ds.parameters, ds.management, st.family, st.body
		FROM data_sources ds
		LEFT JOIN structures st ON ds.structure_id = st.id
		WHERE ds.node_id IN (%s)
		ORDER BY ds.id`, strings.Join(placeholders, ", "))), args.Values()...)
	if err != nil {
		return fmt.Errorf("failed to load data sources: %w", err)
	}
	defer rows.Close()

	type dsRef struct {
		node  *Node
		index int
	}
	refs := make(map[int64]dsRef)

	for rows.Next() {
		var (
			dsID                         int64
			nodeID, mimetype, management string
			params                       []byte
			family, body                 sql.NullString
		)
		if err := rows.Scan(&dsID, &nodeID, &mimetype, &params, &management, &family, &body); err != nil {
			return fmt.Errorf("failed to scan data source: %w", err)
		}
		node := byID[nodeID]
		if node == nil {
			continue
		}
		ds := adapter.DataSource{
			ID:         dsID,
			Mimetype:   mimetype,
			Management: adapter.Management(management),
		}
		if err := json.Unmarshal(params, &ds.Parameters); err != nil {
			return fmt.Errorf("corrupt data source parameters: %w", err)
		}
		if family.Valid && body.Valid {
			st, err := structure.Decode(structure.Family(family.String), []byte(body.String))
			if err != nil {
				return fmt.Errorf("corrupt structure for data source %d: %w", dsID, err)
			}
			ds.Structure = st
		}
		node.DataSources = append(node.DataSources, ds)
		refs[dsID] = dsRef{node: node, index: len(node.DataSources) - 1}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	assetArgs := &ArgList{}
	assetPlaceholders := make([]string, 0, len(refs))
	for dsID := range refs {
		assetPlaceholders = append(assetPlaceholders, assetArgs.Add(dsID))
	}
	assetRows, err := s.db.QueryContext(ctx, s.db.Rebind(fmt.Sprintf(`
		SELECT id, data_source_id, data_uri, is_directory, parameter, num
		FROM assets
		WHERE data_source_id IN (%s)
		ORDER BY id`, strings.Join(assetPlaceholders, ", "))), assetArgs.Values()...)
	if err != nil {
		return fmt.Errorf("failed to load assets: %w", err)
	}
	defer assetRows.Close()

	for assetRows.Next() {
		var (
			asset adapter.Asset
			dsID  int64
			num   sql.NullInt64
		)
		if err := assetRows.Scan(&asset.ID, &dsID, &asset.DataURI, &asset.IsDirectory, &asset.Parameter, &num); err != nil {
			return fmt.Errorf("failed to scan asset: %w", err)
		}
		if num.Valid {
			n := int(num.Int64)
			asset.Num = &n
		}
		ref, ok := refs[dsID]
		if !ok {
			continue
		}
		ds := &ref.node.DataSources[ref.index]
		ds.Assets = append(ds.Assets, asset)
	}
	return assetRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		id, parent, key, family        string
		metadata, specs, sorting, blob []byte
		createdBy, updatedBy           string
		timeCreated, timeUpdated       time.Time
	)
	err := row.Scan(&id, &parent, &key, &family, &metadata, &specs, &sorting, &blob,
		&createdBy, &updatedBy, &timeCreated, &timeUpdated)
	if err != nil {
		return nil, err
	}

	node := &Node{
		Key:             key,
		Ancestors:       SplitPath(parent),
		StructureFamily: structure.Family(family),
		TimeCreated:     timeCreated,
		TimeUpdated:     timeUpdated,
		CreatedBy:       parseUUID(createdBy),
		UpdatedBy:       parseUUID(updatedBy),
	}
	if node.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt node id %q: %w", id, err)
	}
	if err := json.Unmarshal(metadata, &node.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt node metadata: %w", err)
	}
	if err := json.Unmarshal(specs, &node.Specs); err != nil {
		return nil, fmt.Errorf("corrupt node specs: %w", err)
	}
	if err := json.Unmarshal(sorting, &node.Sorting); err != nil {
		return nil, fmt.Errorf("corrupt node sorting: %w", err)
	}
	if err := json.Unmarshal(blob, &node.AccessBlob); err != nil {
		return nil, fmt.Errorf("corrupt node access blob: %w", err)
	}
	return node, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func encodeJSONList(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func encodeBlob(b authz.AccessBlob) (string, error) {
	out, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to encode access blob: %w", err)
	}
	return string(out), nil
}

func uuidString(u uuid.UUID) string {
	if u == uuid.Nil {
		return ""
	}
	return u.String()
}

func parseUUID(s string) uuid.UUID {
	if s == "" {
		return uuid.Nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return u
}

func joinedPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "/" + key
}

func (s *Store) warnf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}
