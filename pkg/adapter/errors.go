package adapter

import (
	"errors"
	"fmt"
)

// Standard adapter errors
var (
	// ErrUnsupported is returned when an operation is not supported by the
	// adapter serving a node. The HTTP layer maps it to 405.
	ErrUnsupported = errors.New("operation not supported by this adapter")

	// ErrAdapterNotFound is returned when no factory is registered for a
	// mimetype.
	ErrAdapterNotFound = errors.New("adapter not found")

	// ErrKeyNotFound is returned when a container lookup misses.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBlockOutOfRange is returned when a block index falls outside the
	// chunk grid.
	ErrBlockOutOfRange = errors.New("block index out of range")

	// ErrShapeMismatch is returned when a written payload does not match
	// the declared structure.
	ErrShapeMismatch = errors.New("payload shape does not match structure")
)

// NotFoundError is returned when a mimetype or container key cannot be
// resolved.
type NotFoundError struct {
	ResourceType string
	ResourceName string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceName)
}

// Is checks if the error matches ErrAdapterNotFound or ErrKeyNotFound.
func (e *NotFoundError) Is(target error) bool {
	switch e.ResourceType {
	case "mimetype", "adapter":
		return errors.Is(target, ErrAdapterNotFound)
	case "key", "node":
		return errors.Is(target, ErrKeyNotFound)
	}
	return false
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// UnsupportedError is returned when a node's adapter lacks a capability.
type UnsupportedError struct {
	Mimetype  string
	Operation string
	Reason    string
}

// Error implements the error interface.
func (e *UnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s does not support %s: %s", e.Mimetype, e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s does not support %s", e.Mimetype, e.Operation)
}

// Is checks if the error is ErrUnsupported.
func (e *UnsupportedError) Is(target error) bool {
	return errors.Is(target, ErrUnsupported)
}

// NewUnsupportedError creates a new UnsupportedError.
func NewUnsupportedError(mimetype, operation, reason string) *UnsupportedError {
	return &UnsupportedError{Mimetype: mimetype, Operation: operation, Reason: reason}
}

// BlockRangeError is returned when a block index falls outside the chunk
// grid of an array or sparse structure.
type BlockRangeError struct {
	Block     []int
	GridShape []int64
}

// Error implements the error interface.
func (e *BlockRangeError) Error() string {
	return fmt.Sprintf("block %v out of range for chunk grid %v", e.Block, e.GridShape)
}

// Is checks if the error is ErrBlockOutOfRange.
func (e *BlockRangeError) Is(target error) bool {
	return errors.Is(target, ErrBlockOutOfRange)
}

// NewBlockRangeError creates a new BlockRangeError.
func NewBlockRangeError(block []int, gridShape []int64) *BlockRangeError {
	return &BlockRangeError{Block: block, GridShape: gridShape}
}

// IsUnsupported checks if an error indicates a missing capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsNotFound checks if an error indicates a missing adapter or key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAdapterNotFound) || errors.Is(err, ErrKeyNotFound)
}
