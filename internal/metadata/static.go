package metadata

import (
	"context"
	"fmt"
)

// Static is an in-memory provider. Tables are keyed by module path and then by
// MethodDef row. A path that is absent has no debug data.
type Static map[string]map[uint32]*MethodTable

func (s Static) Open(_ context.Context, path string) (Module, error) {
	tables, ok := s[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDebugData, path)
	}
	return staticModule(tables), nil
}

type staticModule map[uint32]*MethodTable

func (m staticModule) Method(_ context.Context, rid uint32) (*MethodTable, bool, error) {
	t, ok := m[rid]
	if !ok || t == nil {
		return nil, false, nil
	}
	return t, true, nil
}

func (m staticModule) Close() error {
	return nil
}
