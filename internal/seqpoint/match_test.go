package seqpoint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yousuf/sharpen/internal/metadata"
)

func pt(offset uint32, line int) metadata.Point {
	return metadata.Point{Offset: offset, StartLine: line, StartColumn: 1, EndLine: line, EndColumn: 2}
}

func hidden(offset uint32) metadata.Point {
	return metadata.Point{Offset: offset, Hidden: true, StartLine: metadata.HiddenLine, EndLine: metadata.HiddenLine}
}

func TestMatch(t *testing.T) {
	table := []metadata.Point{pt(0x10, 5), pt(0x20, 6), pt(0x30, 7)}

	tests := []struct {
		name   string
		points []metadata.Point
		offset uint32
		line   int
		ok     bool
	}{
		{"exact match wins over preceding point", table, 0x20, 6, true},
		{"nearest preceding point", table, 0x25, 6, true},
		{"first point", table, 0x10, 5, true},
		{"past the last point", table, 0x99, 7, true},
		{"below the first point", table, 0x05, 0, false},
		{"hidden exact point is skipped", []metadata.Point{pt(0x10, 5), {Offset: 0x20, Hidden: true, StartLine: 99}}, 0x20, 5, true},
		{"only hidden points", []metadata.Point{hidden(0), hidden(0x10)}, 0x10, 0, false},
		{"empty table", nil, 0, 0, false},
		{"unsorted prefix keeps scanning until a candidate exists", []metadata.Point{pt(0x40, 9), pt(0x08, 3), pt(0x30, 8)}, 0x10, 3, true},
		{"scan stops at first point past offset once a candidate exists", []metadata.Point{pt(0x08, 3), pt(0x40, 9), pt(0x0c, 4)}, 0x10, 3, true},
		{"exact match after an earlier candidate", []metadata.Point{pt(0x00, 1), pt(0x04, 2), pt(0x04, 20)}, 0x04, 2, true},
		{"duplicate offsets keep the later one as candidate", []metadata.Point{pt(0x00, 1), pt(0x02, 2), pt(0x02, 3)}, 0x03, 3, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := Match(tc.points, tc.offset)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.line, p.StartLine)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	table := &metadata.MethodTable{
		Document: "src/Foo.cs",
		Points: []metadata.Point{
			{Offset: 0x00, StartLine: 9, StartColumn: 5, EndLine: 9, EndColumn: 6},
			{Offset: 0x20, StartLine: 10, StartColumn: 3, EndLine: 10, EndColumn: 10},
			{Offset: 0x30, Document: "src/Partial.cs", StartLine: 3, StartColumn: 1, EndLine: 4, EndColumn: 2},
		},
	}

	loc, ok := Lookup(table, 0x20)
	require.True(t, ok)
	want := Location{Document: "src/Foo.cs", StartLine: 10, StartColumn: 3, EndLine: 10, EndColumn: 10}
	if diff := cmp.Diff(want, loc); diff != "" {
		t.Fatalf("Lookup mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "10 [10:3-10:10]", loc.String())

	loc, ok = Lookup(table, 0x31)
	require.True(t, ok)
	assert.Equal(t, "src/Partial.cs", loc.Document)
	assert.Equal(t, "3 [3:1-4:2]", loc.String())
}

func TestLookupUnknownDocument(t *testing.T) {
	loc, ok := Lookup(&metadata.MethodTable{Points: []metadata.Point{pt(0, 1)}}, 4)
	require.True(t, ok)
	assert.Equal(t, UnknownDocument, loc.Document)
}

func TestLookupNoTable(t *testing.T) {
	_, ok := Lookup(nil, 0)
	assert.False(t, ok)

	_, ok = Lookup(&metadata.MethodTable{Document: "a.cs"}, 0)
	assert.False(t, ok)
}
