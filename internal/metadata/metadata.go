// Package metadata defines how the symbolicator reaches the debug metadata of a
// binary module. Container formats live behind Provider so the matching logic
// can run against in-memory tables.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrNotManaged means the binary carries no CLI metadata
	ErrNotManaged = errors.New("image does not contain .NET metadata")
	// ErrNoDebugData means no debug data is associated with the binary
	ErrNoDebugData = errors.New("no associated debug data")
	// ErrCorrupt means the debug data could not be decoded
	ErrCorrupt = errors.New("corrupt debug data")
)

// IsUnavailable reports whether err means the module has no usable debug data,
// as opposed to an unexpected failure such as an I/O error
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNotManaged) || errors.Is(err, ErrNoDebugData) || errors.Is(err, ErrCorrupt)
}

// HiddenLine is the start line the toolchain records for hidden sequence points
const HiddenLine = 0xFEEFEE

// Point maps an IL offset to a source range
type Point struct {
	Offset      uint32 `json:"offset"`
	Hidden      bool   `json:"hidden,omitempty"`
	Document    string `json:"document,omitempty"`
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine"`
	EndColumn   int    `json:"endColumn"`
}

// MethodTable is the debug information of one method. Points are in the order
// the debug data lists them, which is ascending by offset in practice.
type MethodTable struct {
	// Document is the method's initial document; points may override it
	Document string  `json:"document,omitempty"`
	Points   []Point `json:"points"`
}

// Module is the opened debug metadata of one binary
type Module interface {
	// Method returns the table of the MethodDef row rid. A missing row or a
	// method without debug information reports false.
	Method(ctx context.Context, rid uint32) (*MethodTable, bool, error)
	Close() error
}

// Provider opens debug metadata for binary modules
type Provider interface {
	Open(ctx context.Context, path string) (Module, error)
}

// ProviderFunc adapts a function to Provider
type ProviderFunc func(ctx context.Context, path string) (Module, error)

func (f ProviderFunc) Open(ctx context.Context, path string) (Module, error) {
	return f(ctx, path)
}
