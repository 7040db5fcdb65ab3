// Package seqpoint maps an IL offset inside a method to the source range of
// the statement it belongs to.
package seqpoint

import (
	"fmt"

	"github.com/yousuf/sharpen/internal/metadata"
)

// UnknownDocument is reported when neither the point nor its method name a
// source document
const UnknownDocument = "?"

// Location is a resolved source range
type Location struct {
	Document    string `json:"document"`
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine"`
	EndColumn   int    `json:"endColumn"`
}

// String renders "<line> [<startLine>:<startColumn>-<endLine>:<endColumn>]"
func (l Location) String() string {
	return fmt.Sprintf("%d [%d:%d-%d:%d]", l.StartLine, l.StartLine, l.StartColumn, l.EndLine, l.EndColumn)
}

// Match scans points once, in the order given. Hidden points are ignored. A
// point at exactly offset wins immediately; otherwise the last point at or
// before offset is used, which attributes an offset inside a statement to the
// statement that starts before it. The scan stops at the first point past
// offset once a candidate exists, so points are not required to be sorted.
func Match(points []metadata.Point, offset uint32) (metadata.Point, bool) {
	var best metadata.Point
	found := false

	for _, p := range points {
		if p.Hidden {
			continue
		}
		if p.Offset == offset {
			return p, true
		}
		if p.Offset > offset {
			if found {
				break
			}
			continue
		}
		best = p
		found = true
	}

	return best, found
}

// Lookup matches offset against a method table and resolves the document of
// the matched point
func Lookup(table *metadata.MethodTable, offset uint32) (Location, bool) {
	if table == nil || len(table.Points) == 0 {
		return Location{}, false
	}

	p, ok := Match(table.Points, offset)
	if !ok {
		return Location{}, false
	}

	doc := p.Document
	if doc == "" {
		doc = table.Document
	}
	if doc == "" {
		doc = UnknownDocument
	}

	return Location{
		Document:    doc,
		StartLine:   p.StartLine,
		StartColumn: p.StartColumn,
		EndLine:     p.EndLine,
		EndColumn:   p.EndColumn,
	}, true
}
