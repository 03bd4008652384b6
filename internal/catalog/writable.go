package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/trellisdata/trellis/pkg/adapter"
)

// WritableStorage mints directory assets for writable data sources under a
// single root directory. Bytes are laid out as
// root/data/<id[:2]>/<id>/ds-<n> so one directory never accumulates an
// unbounded number of entries.
type WritableStorage struct {
	root string
}

// NewWritableStorage resolves the configured location (a path or file://
// URI) and creates the root directory.
func NewWritableStorage(location string) (*WritableStorage, error) {
	root := location
	if strings.HasPrefix(location, "file://") {
		var err error
		root, err = adapter.PathFromFileURI(location)
		if err != nil {
			return nil, err
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve writable storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create writable storage: %w", err)
	}
	return &WritableStorage{root: abs}, nil
}

// Root returns the absolute root directory.
func (w *WritableStorage) Root() string {
	return w.root
}

// Mint creates a fresh directory for one data source of the node and
// returns its asset record.
func (w *WritableStorage) Mint(nodeID uuid.UUID, index int) (adapter.Asset, error) {
	id := nodeID.String()
	dir := filepath.Join(w.root, "data", id[:2], id, fmt.Sprintf("ds-%d", index))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return adapter.Asset{}, fmt.Errorf("failed to create data source directory: %w", err)
	}
	return adapter.Asset{
		DataURI:     adapter.FileURI(dir),
		IsDirectory: true,
		Parameter:   "data_uri",
	}, nil
}
