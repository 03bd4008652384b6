package structure

import (
	"encoding/json"
	"fmt"
)

// AwkwardStructure describes ragged data: an opaque form document (the
// awkward IR), the logical length, and the named buffers that realize it.
type AwkwardStructure struct {
	Form    json.RawMessage  `json:"form"`
	Length  int64            `json:"length"`
	Buffers map[string]int64 `json:"buffers,omitempty"`
}

// Validate checks that the form is well-formed JSON and the length and
// buffer sizes are non-negative.
func (a AwkwardStructure) Validate() error {
	if len(a.Form) == 0 {
		return fmt.Errorf("awkward structure requires a form")
	}
	var probe any
	if err := json.Unmarshal(a.Form, &probe); err != nil {
		return fmt.Errorf("awkward form is not valid JSON: %w", err)
	}
	if a.Length < 0 {
		return fmt.Errorf("awkward length is negative")
	}
	for name, size := range a.Buffers {
		if name == "" {
			return fmt.Errorf("awkward buffer with empty name")
		}
		if size < 0 {
			return fmt.Errorf("awkward buffer %q has negative size", name)
		}
	}
	return nil
}

// AwkwardPayload carries a complete awkward array over the wire: the form,
// the logical length and the raw named buffers.
type AwkwardPayload struct {
	Form    json.RawMessage   `json:"form" msgpack:"form"`
	Length  int64             `json:"length" msgpack:"length"`
	Buffers map[string][]byte `json:"buffers" msgpack:"buffers"`
}

// ByteSize returns the summed size of all declared buffers.
func (a AwkwardStructure) ByteSize() int64 {
	var total int64
	for _, size := range a.Buffers {
		total += size
	}
	return total
}
