// Package awkwarddir stores an awkward array as a directory holding a
// form.json document, a length file, and one file per named buffer under
// buffers/.
package awkwarddir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/trellisdata/trellis/pkg/adapter"
	"github.com/trellisdata/trellis/pkg/structure"
)

// Mimetype is the registered mimetype of this adapter.
const Mimetype = "application/x-trellis-awkward"

func init() {
	adapter.Register(Mimetype, New)
}

const (
	formFile   = "form.json"
	lengthFile = "length"
	buffersDir = "buffers"
)

// Adapter reads and writes one awkward array under a directory.
type Adapter struct {
	root     string
	awkward  structure.AwkwardStructure
	metadata map[string]any
}

// New instantiates the adapter from a stored node description.
func New(ctx context.Context, node adapter.NodeInfo) (adapter.Adapter, error) {
	awkward, ok := node.Structure.Awkward()
	if !ok {
		return nil, fmt.Errorf("%s requires an awkward structure", Mimetype)
	}
	root, err := adapter.DataURIPath(node.DataSource)
	if err != nil {
		return nil, err
	}
	return &Adapter{root: root, awkward: *awkward, metadata: node.Metadata}, nil
}

func (a *Adapter) StructureFamily() structure.Family {
	return structure.FamilyAwkward
}

func (a *Adapter) Structure() structure.Structure {
	return structure.FromAwkward(a.awkward)
}

func (a *Adapter) Metadata() map[string]any {
	return a.metadata
}

// checkBufferKey rejects names that would escape the buffers directory.
func checkBufferKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return fmt.Errorf("invalid buffer key %q", key)
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("invalid buffer key %q", key)
	}
	return nil
}

func (a *Adapter) bufferPath(key string) string {
	return filepath.Join(a.root, buffersDir, key)
}

// ReadBuffers returns the named buffers; an empty formKeys list selects all
// stored buffers.
func (a *Adapter) ReadBuffers(ctx context.Context, formKeys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(formKeys) == 0 {
		entries, err := os.ReadDir(filepath.Join(a.root, buffersDir))
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list buffers: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				formKeys = append(formKeys, entry.Name())
			}
		}
		sort.Strings(formKeys)
	}
	out := make(map[string][]byte, len(formKeys))
	for _, key := range formKeys {
		if err := checkBufferKey(key); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(a.bufferPath(key))
		if os.IsNotExist(err) {
			return nil, adapter.NewNotFoundError("key", key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read buffer %q: %w", key, err)
		}
		out[key] = raw
	}
	return out, nil
}

// WriteBuffers replaces the stored form, length and buffer set.
func (a *Adapter) WriteBuffers(ctx context.Context, form json.RawMessage, length int64, buffers map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sizes := make(map[string]int64, len(buffers))
	for key, raw := range buffers {
		if err := checkBufferKey(key); err != nil {
			return err
		}
		sizes[key] = int64(len(raw))
	}
	next := structure.AwkwardStructure{Form: form, Length: length, Buffers: sizes}
	if err := next.Validate(); err != nil {
		return err
	}

	dir := filepath.Join(a.root, buffersDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear buffers: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create buffers directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.root, formFile), form, 0o644); err != nil {
		return fmt.Errorf("failed to write form: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.root, lengthFile), []byte(strconv.FormatInt(length, 10)), 0o644); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	for key, raw := range buffers {
		if err := os.WriteFile(a.bufferPath(key), raw, 0o644); err != nil {
			return fmt.Errorf("failed to write buffer %q: %w", key, err)
		}
	}
	a.awkward = next
	return nil
}

// Form returns the stored form document, preferring the on-disk copy over
// the catalog structure so reads reflect the latest write.
func (a *Adapter) Form() (json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(a.root, formFile))
	if os.IsNotExist(err) {
		return a.awkward.Form, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read form: %w", err)
	}
	return raw, nil
}

// Length returns the stored logical length.
func (a *Adapter) Length() (int64, error) {
	raw, err := os.ReadFile(filepath.Join(a.root, lengthFile))
	if os.IsNotExist(err) {
		return a.awkward.Length, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read length: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt length file: %w", err)
	}
	return n, nil
}
