package portablepdb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yousuf/sharpen/internal/metadata"
	"github.com/yousuf/sharpen/internal/portablepdb/pdbtest"
)

var testID = [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 0xAA, 0xBB, 0xCC, 0xDD}

func TestCompressedIntegers(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"one byte", []byte{0x03}, 0x03},
		{"one byte max", []byte{0x7F}, 0x7F},
		{"two bytes", []byte{0x80, 0x80}, 0x80},
		{"two bytes max", []byte{0xBF, 0xFF}, 0x3FFF},
		{"four bytes", []byte{0xC0, 0x00, 0x40, 0x00}, 0x4000},
		{"four bytes max", []byte{0xDF, 0xFF, 0xFF, 0xFF}, 0x1FFFFFFF},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &cursor{data: tc.data}
			assert.Equal(t, tc.want, c.compressedUint())
			require.NoError(t, c.err)
			assert.Zero(t, c.remaining())
		})
	}

	signed := []struct {
		data []byte
		want int32
	}{
		{[]byte{0x06}, 3},
		{[]byte{0x7B}, -3},
		{[]byte{0x80, 0x80}, 64},
		{[]byte{0x01}, -64},
		{[]byte{0xC0, 0x00, 0x40, 0x00}, 8192},
		{[]byte{0x80, 0x01}, -8192},
	}
	for _, tc := range signed {
		c := &cursor{data: tc.data}
		assert.Equal(t, tc.want, c.compressedInt(), "% x", tc.data)
		require.NoError(t, c.err)
	}
}

func TestCompressedIntegerErrors(t *testing.T) {
	c := &cursor{data: []byte{0xE0}}
	c.compressedUint()
	assert.ErrorIs(t, c.err, metadata.ErrCorrupt)

	c = &cursor{data: []byte{0x80}}
	c.compressedUint()
	assert.ErrorIs(t, c.err, metadata.ErrCorrupt)

	c = &cursor{}
	c.compressedInt()
	assert.ErrorIs(t, c.err, metadata.ErrCorrupt)
}

func TestParseMethod(t *testing.T) {
	b := pdbtest.NewPDB(testID)
	foo := b.AddDocument("src/Foo.cs")
	partial := b.AddDocument("src/Foo.Partial.cs")
	rid := b.AddMethod(foo,
		pdbtest.Point{Offset: 0x00, StartLine: 9, StartColumn: 5, EndLine: 9, EndColumn: 6},
		pdbtest.Point{Offset: 0x20, StartLine: 10, StartColumn: 3, EndLine: 10, EndColumn: 10},
		pdbtest.Point{Offset: 0x28, Hidden: true},
		pdbtest.Point{Offset: 0x30, Document: partial, StartLine: 5, StartColumn: 20, EndLine: 6, EndColumn: 4},
		pdbtest.Point{Offset: 0x3A, StartLine: 3, StartColumn: 1, EndLine: 3, EndColumn: 2},
	)

	pdb, err := Parse(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, testID, pdb.ID())
	assert.Equal(t, uint32(1), pdb.MethodCount())

	table, ok, err := pdb.Method(rid)
	require.NoError(t, err)
	require.True(t, ok)

	want := &metadata.MethodTable{
		Document: "src/Foo.cs",
		Points: []metadata.Point{
			{Offset: 0x00, Document: "src/Foo.cs", StartLine: 9, StartColumn: 5, EndLine: 9, EndColumn: 6},
			{Offset: 0x20, Document: "src/Foo.cs", StartLine: 10, StartColumn: 3, EndLine: 10, EndColumn: 10},
			{Offset: 0x28, Document: "src/Foo.cs", Hidden: true, StartLine: metadata.HiddenLine, EndLine: metadata.HiddenLine},
			{Offset: 0x30, Document: "src/Foo.Partial.cs", StartLine: 5, StartColumn: 20, EndLine: 6, EndColumn: 4},
			{Offset: 0x3A, Document: "src/Foo.Partial.cs", StartLine: 3, StartColumn: 1, EndLine: 3, EndColumn: 2},
		},
	}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("Method mismatch (-want +got):\n%s", diff)
	}
}

func TestParseInlineDocument(t *testing.T) {
	b := pdbtest.NewPDB(testID)
	b.AddDocument("a/First.cs")
	second := b.AddDocument("b/Second.cs")
	rid := b.AddMethodInlineDocument(second,
		pdbtest.Point{Offset: 0x04, StartLine: 42, StartColumn: 9, EndLine: 42, EndColumn: 30},
	)

	pdb, err := Parse(b.Bytes())
	require.NoError(t, err)

	table, ok, err := pdb.Method(rid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b/Second.cs", table.Document)
	require.Len(t, table.Points, 1)
	assert.Equal(t, uint32(0x04), table.Points[0].Offset)
	assert.Equal(t, 42, table.Points[0].StartLine)
	assert.Equal(t, 30, table.Points[0].EndColumn)
}

func TestMethodAbsent(t *testing.T) {
	b := pdbtest.NewPDB(testID)
	doc := b.AddDocument("Foo.cs")
	b.AddMethod(doc, pdbtest.Point{Offset: 0, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2})
	empty := b.AddEmptyMethod()

	pdb, err := Parse(b.Bytes())
	require.NoError(t, err)

	for _, rid := range []uint32{0, empty, 99} {
		table, ok, err := pdb.Method(rid)
		require.NoError(t, err, "rid %d", rid)
		assert.False(t, ok, "rid %d", rid)
		assert.Nil(t, table)
	}
}

func TestDocumentNameCached(t *testing.T) {
	b := pdbtest.NewPDB(testID)
	doc := b.AddDocument("src/deep/path/File.cs")

	pdb, err := Parse(b.Bytes())
	require.NoError(t, err)

	name, err := pdb.Document(doc)
	require.NoError(t, err)
	assert.Equal(t, "src/deep/path/File.cs", name)
	assert.Contains(t, pdb.docs, doc)

	_, err = pdb.Document(5)
	assert.ErrorIs(t, err, metadata.ErrCorrupt)
}

func TestParseCorrupt(t *testing.T) {
	b := pdbtest.NewPDB(testID)
	doc := b.AddDocument("Foo.cs")
	b.AddMethod(doc, pdbtest.Point{Offset: 0, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2})
	good := b.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad signature", append([]byte("XXXX"), good[4:]...)},
		{"truncated header", good[:20]},
		{"truncated streams", good[:len(good)-8]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, metadata.ErrCorrupt)
		})
	}
}
