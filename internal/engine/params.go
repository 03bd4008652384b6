package engine

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmespath/go-jmespath"
)

// fieldSet is the parsed ?fields= selection. The zero value selects the
// default field set.
type fieldSet struct {
	explicit bool
	none     bool
	names    map[string]bool
}

// defaultFields is what a response carries when the client selects nothing.
var defaultFields = []string{
	"structure_family", "structure", "metadata", "specs", "sorting", "access_blob",
}

// knownFields is the accepted ?fields= vocabulary.
var knownFields = map[string]bool{
	"metadata": true, "structure_family": true, "structure": true,
	"specs": true, "sorting": true, "count": true, "access_blob": true,
	"data_sources": true, "none": true,
}

// parseFields reads the repeatable ?fields= parameter.
func parseFields(r *http.Request) (fieldSet, error) {
	fs := fieldSet{names: make(map[string]bool)}
	for _, raw := range r.URL.Query()["fields"] {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !knownFields[name] {
				return fs, errorf(http.StatusBadRequest, "unknown field %q", name)
			}
			fs.explicit = true
			if name == "none" {
				fs.none = true
				continue
			}
			fs.names[name] = true
		}
	}
	return fs, nil
}

// Has reports whether the named field should be included.
func (f fieldSet) Has(name string) bool {
	if f.none {
		return false
	}
	if !f.explicit {
		for _, def := range defaultFields {
			if def == name {
				return true
			}
		}
		return false
	}
	return f.names[name]
}

// listParams bundles the query parameters shared by listing endpoints.
type listParams struct {
	page           pageParams
	fields         fieldSet
	omitLinks      bool
	includeSources bool
	maxDepth       int
	selectMetadata *jmespath.JMESPath
}

func (e *Engine) parseListParams(r *http.Request) (listParams, error) {
	var p listParams
	var err error

	if p.page, err = e.parsePagination(r); err != nil {
		return p, err
	}
	if p.fields, err = parseFields(r); err != nil {
		return p, err
	}

	q := r.URL.Query()
	if p.omitLinks, err = boolParam(q.Get("omit_links")); err != nil {
		return p, errorf(http.StatusBadRequest, "invalid omit_links: %v", err)
	}
	if p.includeSources, err = boolParam(q.Get("include_data_sources")); err != nil {
		return p, errorf(http.StatusBadRequest, "invalid include_data_sources: %v", err)
	}

	p.maxDepth = e.config.Server.DepthLimit
	if raw := q.Get("max_depth"); raw != "" {
		depth, convErr := strconv.Atoi(raw)
		if convErr != nil || depth < 0 {
			return p, errorf(http.StatusBadRequest, "invalid max_depth %q", raw)
		}
		if depth < p.maxDepth {
			p.maxDepth = depth
		}
	}

	if expr := q.Get("select_metadata"); expr != "" {
		compiled, compErr := jmespath.Compile(expr)
		if compErr != nil {
			return p, errorf(http.StatusBadRequest, "invalid select_metadata expression: %v", compErr)
		}
		p.selectMetadata = compiled
	}
	return p, nil
}

// applySelectMetadata projects node metadata through the compiled JMESPath
// expression, when one was supplied.
func (p listParams) applySelectMetadata(metadata map[string]any) (any, error) {
	if p.selectMetadata == nil {
		return metadata, nil
	}
	projected, err := p.selectMetadata.Search(map[string]any(metadata))
	if err != nil {
		return nil, errorf(http.StatusBadRequest, "select_metadata failed: %v", err)
	}
	return projected, nil
}

func boolParam(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// parseBlock reads a ?block=i,j,k parameter into grid indices.
func parseBlock(raw string) ([]int, error) {
	if raw == "" {
		return nil, errorf(http.StatusBadRequest, "missing block parameter")
	}
	parts := strings.Split(raw, ",")
	block := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v < 0 {
			return nil, errorf(http.StatusBadRequest, "invalid block index %q", part)
		}
		block[i] = v
	}
	return block, nil
}
