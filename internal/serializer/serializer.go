// Package serializer turns adapter payloads into response bodies. Encoders
// are registered per spec name or structure family and per media type; the
// registry dispatches specs in declaration order before falling back to the
// family. The registry is populated at startup and read-only afterwards,
// so Dispatch and Negotiate are safe for concurrent use.
package serializer

import (
	"sort"
	"strings"
	"sync"

	"github.com/trellisdata/trellis/pkg/structure"
)

// Media types served by the built-in encoders.
const (
	MediaJSON        = "application/json"
	MediaMsgpack     = "application/x-msgpack"
	MediaOctetStream = "application/octet-stream"
	MediaCSV         = "text/csv"
	MediaText        = "text/plain"
)

// Encoder renders one payload as a response body. The payload is one of
// *structure.ArrayPayload, *structure.TablePayload, *structure.SparsePayload,
// *structure.AwkwardPayload, or a JSON-compatible value for containers.
type Encoder func(v any) ([]byte, error)

// Registry maps (spec-or-family, media type) pairs to encoders.
type Registry struct {
	mu       sync.RWMutex
	encoders map[string]map[string]Encoder
	aliases  map[string]string
}

// NewRegistry creates an empty registry carrying the standard short-format
// aliases.
func NewRegistry() *Registry {
	return &Registry{
		encoders: make(map[string]map[string]Encoder),
		aliases: map[string]string{
			"json":    MediaJSON,
			"msgpack": MediaMsgpack,
			"bin":     MediaOctetStream,
			"csv":     MediaCSV,
			"txt":     MediaText,
		},
	}
}

// Register registers an encoder for a spec name or structure family under
// the given media type, replacing any previous registration.
func (r *Registry) Register(key string, mediaType string, enc Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.encoders[key]
	if !ok {
		byType = make(map[string]Encoder)
		r.encoders[key] = byType
	}
	byType[mediaType] = enc
}

// RegisterAlias maps a short ?format= value to a full media type.
func (r *Registry) RegisterAlias(alias, mediaType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aliases[alias] = mediaType
}

// ResolveAlias expands a ?format= value. Values containing a slash are
// already media types and pass through unchanged.
func (r *Registry) ResolveAlias(format string) string {
	if strings.Contains(format, "/") {
		return format
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mt, ok := r.aliases[strings.ToLower(format)]; ok {
		return mt
	}
	return format
}

// Aliases returns a copy of the short-format alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.aliases))
	for alias, mt := range r.aliases {
		out[alias] = mt
	}
	return out
}

// Dispatch returns the encoder serving mediaType for the given specs and
// family. Specs are consulted in declaration order before the family, so a
// spec-specific encoder shadows the family one.
func (r *Registry) Dispatch(specs []structure.Spec, family structure.Family, mediaType string) (Encoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, spec := range specs {
		if enc, ok := r.encoders[spec.Name][mediaType]; ok {
			return enc, true
		}
	}
	enc, ok := r.encoders[string(family)][mediaType]
	return enc, ok
}

// MediaTypes returns the media types available for the given specs and
// family, sorted.
func (r *Registry) MediaTypes(specs []structure.Spec, family structure.Family) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, spec := range specs {
		for mt := range r.encoders[spec.Name] {
			seen[mt] = struct{}{}
		}
	}
	for mt := range r.encoders[string(family)] {
		seen[mt] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for mt := range seen {
		out = append(out, mt)
	}
	sort.Strings(out)
	return out
}

// DefaultMediaType returns the media type served when the client expresses
// no preference (empty Accept or */*).
func DefaultMediaType(family structure.Family) string {
	switch family {
	case structure.FamilyArray, structure.FamilySparse:
		return MediaOctetStream
	case structure.FamilyTable:
		return MediaCSV
	default:
		return MediaJSON
	}
}

// Negotiate picks the encoder for a request. The ?format= parameter wins
// when present; otherwise the Accept header is walked in order, with */*
// (and an absent header) meaning the family default. No acceptable type
// yields a *NegotiationError listing what is supported.
func (r *Registry) Negotiate(format, accept string, specs []structure.Spec, family structure.Family) (string, Encoder, error) {
	if format != "" {
		mt := r.ResolveAlias(format)
		if enc, ok := r.Dispatch(specs, family, mt); ok {
			return mt, enc, nil
		}
		return "", nil, &NegotiationError{Requested: format, Supported: r.MediaTypes(specs, family)}
	}

	candidates := parseAccept(accept)
	if len(candidates) == 0 {
		candidates = []string{"*/*"}
	}
	for _, mt := range candidates {
		if mt == "*/*" {
			mt = DefaultMediaType(family)
		}
		if enc, ok := r.Dispatch(specs, family, mt); ok {
			return mt, enc, nil
		}
	}
	return "", nil, &NegotiationError{Requested: accept, Supported: r.MediaTypes(specs, family)}
}

// parseAccept splits an Accept header into bare media types in the order
// given, dropping parameters such as q-values.
func parseAccept(accept string) []string {
	if accept == "" {
		return nil
	}
	parts := strings.Split(accept, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt != "" {
			out = append(out, strings.ToLower(mt))
		}
	}
	return out
}
