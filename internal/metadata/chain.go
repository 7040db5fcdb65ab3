package metadata

import (
	"context"
)

type chain []Provider

// Chain tries providers in order. A provider whose error satisfies
// IsUnavailable passes the binary to the next one; any other error stops the
// chain. When every provider declines, the last error is returned.
func Chain(providers ...Provider) Provider {
	return chain(providers)
}

func (c chain) Open(ctx context.Context, path string) (Module, error) {
	err := ErrNoDebugData
	for _, p := range c {
		var m Module
		m, err = p.Open(ctx, path)
		if err == nil {
			return m, nil
		}
		if !IsUnavailable(err) {
			return nil, err
		}
	}
	return nil, err
}
