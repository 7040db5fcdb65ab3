package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yousuf/sharpen/internal/metadata"
)

func TestDecodeLookup(t *testing.T) {
	output := []byte(`{
		"found": true,
		"document": "src/Foo.cs",
		"points": [
			{"offset": 0, "startLine": 9, "startColumn": 5, "endLine": 9, "endColumn": 6},
			{"offset": 16, "hidden": true},
			{"offset": 32, "document": "src/Other.cs", "startLine": 10, "startColumn": 3, "endLine": 10, "endColumn": 10}
		]
	}`)

	table, ok, err := decodeLookup(output)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "src/Foo.cs", table.Document)
	require.Len(t, table.Points, 3)
	assert.Equal(t, metadata.HiddenLine, table.Points[1].StartLine)
	assert.Equal(t, "src/Other.cs", table.Points[2].Document)
	assert.Equal(t, uint32(32), table.Points[2].Offset)
}

func TestDecodeLookupNotFound(t *testing.T) {
	for _, output := range []string{`{"found": false}`, `{"found": true, "points": []}`} {
		table, ok, err := decodeLookup([]byte(output))
		require.NoError(t, err, output)
		assert.False(t, ok, output)
		assert.Nil(t, table, output)
	}
}

func TestDecodeLookupErrors(t *testing.T) {
	_, _, err := decodeLookup([]byte(`not json`))
	assert.ErrorIs(t, err, metadata.ErrCorrupt)

	_, _, err = decodeLookup([]byte(`{"error": "bad rid"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad rid")
	assert.False(t, metadata.IsUnavailable(err))
}

func TestManifest(t *testing.T) {
	p := NewProvider("/plugins/debuginfo.wasm", WithTimeout(2*time.Second))
	m := p.manifest([]byte("wasm"), "/srv/bin/Foo.Core.dll")

	assert.Equal(t, map[string]string{"/srv/bin": "/binaries"}, m.AllowedPaths)
	assert.Equal(t, "/binaries/Foo.Core.dll", m.Config["module"])
	assert.Equal(t, uint64(2000), m.Timeout)
	require.Len(t, m.Wasm, 1)
}

func TestOpenMissingPlugin(t *testing.T) {
	p := NewProvider("/plugins/missing.wasm", WithFs(afero.NewMemMapFs()))

	_, err := p.Open(context.Background(), "/bin/Foo.dll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read plugin")
	assert.False(t, metadata.IsUnavailable(err))

	// The read failure is remembered.
	_, err2 := p.Open(context.Background(), "/bin/Bar.dll")
	assert.Equal(t, err, err2)
}

func TestOpenInvalidPlugin(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/plugins/bad.wasm", []byte("definitely not wasm"), 0o644))

	p := NewProvider("/plugins/bad.wasm", WithFs(fs))
	_, err := p.Open(context.Background(), "/bin/Foo.dll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create plugin")
}

func TestClosedModule(t *testing.T) {
	m := &Module{binary: "/bin/Foo.dll"}
	require.NoError(t, m.Close())

	_, _, err := m.Method(context.Background(), 1)
	assert.ErrorIs(t, err, errClosed)
}
