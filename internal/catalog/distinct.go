package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/trellisdata/trellis/pkg/database"
	"github.com/trellisdata/trellis/pkg/query"
)

// DistinctValue is one observed value, with its occurrence count when
// counting was requested.
type DistinctValue struct {
	Value any    `json:"value"`
	Count *int64 `json:"count,omitempty"`
}

// DistinctResult groups distinct values by the dimension they were drawn
// from.
type DistinctResult struct {
	Metadata          map[string][]DistinctValue `json:"metadata,omitempty"`
	StructureFamilies []DistinctValue            `json:"structure_families,omitempty"`
	Specs             []DistinctValue            `json:"specs,omitempty"`
}

// Distinct reports the distinct values among the children of parent for the
// requested metadata keys, structure families and spec names. Children not
// matching the filters are excluded; children missing a metadata key do not
// contribute to that key's values.
func (s *Store) Distinct(ctx context.Context, parent string, filters []query.Query, metadataKeys []string, structureFamilies, specs, counts bool) (*DistinctResult, error) {
	result := &DistinctResult{}
	if query.ContainsNoAccess(filters) {
		return result, nil
	}

	for _, key := range metadataKeys {
		values, err := s.distinctMetadata(ctx, parent, filters, key, counts)
		if err != nil {
			return nil, err
		}
		if result.Metadata == nil {
			result.Metadata = make(map[string][]DistinctValue, len(metadataKeys))
		}
		result.Metadata[key] = values
	}

	if structureFamilies {
		values, err := s.distinctFamilies(ctx, parent, filters, counts)
		if err != nil {
			return nil, err
		}
		result.StructureFamilies = values
	}

	if specs {
		values, err := s.distinctSpecs(ctx, parent, filters, counts)
		if err != nil {
			return nil, err
		}
		result.Specs = values
	}

	return result, nil
}

// distinctMetadata extracts JSON values so scalars keep their type across
// the round trip. Postgres yields jsonb; SQLite wraps json_extract in
// json_quote to get the same JSON text form.
func (s *Store) distinctMetadata(ctx context.Context, parent string, filters []query.Query, key string, counts bool) ([]DistinctValue, error) {
	args := &ArgList{}
	var expr string
	if s.db.Dialect() == database.DialectPostgres {
		expr = fmt.Sprintf("metadata #> string_to_array(%s, '.')", args.Add(key))
	} else {
		expr = fmt.Sprintf("json_quote(json_extract(metadata, %s))", args.Add("$."+key))
	}

	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return nil, err
	}

	var present string
	if s.db.Dialect() == database.DialectPostgres {
		present = fmt.Sprintf("metadata #> string_to_array(%s, '.') IS NOT NULL", args.Add(key))
	} else {
		present = fmt.Sprintf("json_extract(metadata, %s) IS NOT NULL", args.Add("$."+key))
	}

	q := fmt.Sprintf(`SELECT %s AS v, COUNT(*) FROM nodes WHERE %s AND %s GROUP BY v ORDER BY v`,
		expr, where, present)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct metadata: %w", err)
	}
	defer rows.Close()

	var values []DistinctValue
	for rows.Next() {
		var (
			raw   []byte
			count int64
		)
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, fmt.Errorf("failed to scan distinct value: %w", err)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("corrupt metadata value for key %q: %w", key, err)
		}
		values = append(values, distinctValue(value, count, counts))
	}
	return values, rows.Err()
}

func (s *Store) distinctFamilies(ctx context.Context, parent string, filters []query.Query, counts bool) ([]DistinctValue, error) {
	args := &ArgList{}
	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return nil, err
	}

	q := `SELECT structure_family AS v, COUNT(*) FROM nodes WHERE ` + where + ` GROUP BY v ORDER BY v`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct families: %w", err)
	}
	defer rows.Close()

	var values []DistinctValue
	for rows.Next() {
		var (
			family string
			count  int64
		)
		if err := rows.Scan(&family, &count); err != nil {
			return nil, fmt.Errorf("failed to scan distinct family: %w", err)
		}
		values = append(values, distinctValue(family, count, counts))
	}
	return values, rows.Err()
}

func (s *Store) distinctSpecs(ctx context.Context, parent string, filters []query.Query, counts bool) ([]DistinctValue, error) {
	args := &ArgList{}
	where, err := s.childPredicate(parent, filters, args)
	if err != nil {
		return nil, err
	}

	var q string
	if s.db.Dialect() == database.DialectPostgres {
		q = fmt.Sprintf(`
			SELECT spec ->> 'name' AS v, COUNT(*)
			FROM nodes, jsonb_array_elements(nodes.specs) AS spec
			WHERE %s GROUP BY v ORDER BY v`, where)
	} else {
		q = fmt.Sprintf(`
			SELECT json_extract(je.value, '$.name') AS v, COUNT(*)
			FROM nodes, json_each(nodes.specs) AS je
			WHERE %s GROUP BY v ORDER BY v`, where)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args.Values()...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct specs: %w", err)
	}
	defer rows.Close()

	var values []DistinctValue
	for rows.Next() {
		var (
			name  sql.NullString
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan distinct spec: %w", err)
		}
		if !name.Valid {
			continue
		}
		values = append(values, distinctValue(name.String, count, counts))
	}
	return values, rows.Err()
}

func distinctValue(value any, count int64, counts bool) DistinctValue {
	dv := DistinctValue{Value: value}
	if counts {
		dv.Count = &count
	}
	return dv
}
