package catalog

import "errors"

var (
	// ErrNotFound marks a node absent from the catalog.
	ErrNotFound = errors.New("node not found")

	// ErrConflict marks an insert of a key that already exists under the
	// same parent.
	ErrConflict = errors.New("a node with this key already exists")

	// ErrHasChildren marks a delete of a container that still has children.
	ErrHasChildren = errors.New("node has children")

	// ErrRevisionNotFound marks a revision number absent for the node.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrInvalidKey marks a node key that is empty or contains a path
	// separator or NUL byte.
	ErrInvalidKey = errors.New("invalid node key")

	// ErrNotContainer marks a child operation against a non-container node.
	ErrNotContainer = errors.New("node is not a container")

	// ErrNoWritableStorage marks a writable-node create on a catalog with no
	// writable storage configured.
	ErrNoWritableStorage = errors.New("catalog has no writable storage")
)
