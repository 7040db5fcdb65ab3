// Package portablepdb reads sequence points from Portable PDB v1.0 debug data,
// which reuses the ECMA-335 metadata physical layout.
//
// Only the two tables needed for symbolication are decoded: Document and
// MethodDebugInformation. Rows of MethodDebugInformation share their row
// number with the MethodDef table, so a method token's row resolves directly.
package portablepdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yousuf/sharpen/internal/metadata"
)

const (
	metadataSignature = 0x424A5342 // "BSJB"

	tableDocument               = 0x30
	tableMethodDebugInformation = 0x31

	heapGUIDWide  = 0x02
	heapBlobWide  = 0x04
	heapExtraData = 0x40
)

// IDSize is the size of the PDB id stored in the #Pdb stream: the GUID of the
// image's CodeView entry followed by a 4-byte stamp
const IDSize = 20

// PDB is a parsed Portable PDB image
type PDB struct {
	id    [IDSize]byte
	heaps heaps

	docRows  uint32
	docSize  int
	docData  []byte
	blobWide bool

	mdiRows uint32
	mdiSize int
	mdiData []byte
	docWide bool

	mu   sync.Mutex
	docs map[uint32]string
}

type streamHeader struct {
	offset uint32
	size   uint32
	name   string
}

// Parse decodes the metadata root, streams and table layout of a Portable PDB
func Parse(data []byte) (*PDB, error) {
	streams, err := readStreams(data)
	if err != nil {
		return nil, err
	}

	pdbStream, ok := streams["#Pdb"]
	if !ok {
		return nil, fmt.Errorf("%w: missing #Pdb stream", metadata.ErrCorrupt)
	}
	tables, ok := streams["#~"]
	if !ok {
		if tables, ok = streams["#-"]; !ok {
			return nil, fmt.Errorf("%w: missing tables stream", metadata.ErrCorrupt)
		}
	}

	p := &PDB{
		heaps: heaps{blob: streams["#Blob"]},
		docs:  make(map[uint32]string),
	}
	if len(pdbStream) < IDSize {
		return nil, fmt.Errorf("%w: short #Pdb stream", metadata.ErrCorrupt)
	}
	copy(p.id[:], pdbStream)

	if err := p.readTables(tables); err != nil {
		return nil, err
	}
	return p, nil
}

func readStreams(data []byte) (map[string][]byte, error) {
	c := &cursor{data: data}
	if sig := c.u32(); sig != metadataSignature {
		if c.err != nil {
			return nil, c.err
		}
		return nil, fmt.Errorf("%w: bad metadata signature %#x", metadata.ErrCorrupt, sig)
	}
	c.u16() // major version
	c.u16() // minor version
	c.u32() // reserved
	versionLen := c.u32()
	c.bytes(int(versionLen))
	c.u16() // flags
	count := c.u16()

	headers := make([]streamHeader, 0, count)
	for i := 0; i < int(count) && c.err == nil; i++ {
		h := streamHeader{offset: c.u32(), size: c.u32()}
		start := c.pos
		end := bytes.IndexByte(c.data[min(start, len(c.data)):], 0)
		if end < 0 {
			c.fail(errTruncated)
			break
		}
		h.name = string(c.data[start : start+end])
		// Names are NUL terminated and padded to a 4-byte boundary.
		c.bytes((end + 4) &^ 3)
		headers = append(headers, h)
	}
	if c.err != nil {
		return nil, fmt.Errorf("stream headers: %w", c.err)
	}

	streams := make(map[string][]byte, len(headers))
	for _, h := range headers {
		end := uint64(h.offset) + uint64(h.size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: stream %s exceeds image", metadata.ErrCorrupt, h.name)
		}
		streams[h.name] = data[h.offset:end]
	}
	return streams, nil
}

func (p *PDB) readTables(data []byte) error {
	c := &cursor{data: data}
	c.u32() // reserved
	c.u8()  // major version
	c.u8()  // minor version
	heapSizes := c.u8()
	c.u8() // reserved
	valid := c.u64()
	c.u64() // sorted

	rows := make(map[int]uint32, bits.OnesCount64(valid))
	for t := 0; t < 64; t++ {
		if valid&(1<<t) != 0 {
			rows[t] = c.u32()
		}
	}
	if heapSizes&heapExtraData != 0 {
		c.u32()
	}
	if c.err != nil {
		return fmt.Errorf("tables header: %w", c.err)
	}

	// A standalone PDB holds debug tables only; type system tables live in
	// the image and are referenced through the #Pdb stream.
	if valid&(1<<tableDocument-1) != 0 {
		return fmt.Errorf("%w: unexpected type system tables in debug metadata", metadata.ErrCorrupt)
	}

	p.blobWide = heapSizes&heapBlobWide != 0
	p.docRows = rows[tableDocument]
	p.mdiRows = rows[tableMethodDebugInformation]
	p.docWide = p.docRows >= 1<<16

	blobIdx, guidIdx := 2, 2
	if p.blobWide {
		blobIdx = 4
	}
	if heapSizes&heapGUIDWide != 0 {
		guidIdx = 4
	}
	docIdx := 2
	if p.docWide {
		docIdx = 4
	}

	// Document: Name (blob), HashAlgorithm (guid), Hash (blob), Language (guid)
	p.docSize = 2*blobIdx + 2*guidIdx
	// MethodDebugInformation: Document (Document index), SequencePoints (blob)
	p.mdiSize = docIdx + blobIdx

	p.docData = c.bytes(int(p.docRows) * p.docSize)
	p.mdiData = c.bytes(int(p.mdiRows) * p.mdiSize)
	if c.err != nil {
		return fmt.Errorf("tables: %w", c.err)
	}
	return nil
}

// ID returns the PDB id
func (p *PDB) ID() [IDSize]byte {
	return p.id
}

// MethodCount returns the number of MethodDebugInformation rows
func (p *PDB) MethodCount() uint32 {
	return p.mdiRows
}

// Document returns the name of the Document row rid
func (p *PDB) Document(rid uint32) (string, error) {
	if rid == 0 || rid > p.docRows {
		return "", fmt.Errorf("%w: document %d out of range", metadata.ErrCorrupt, rid)
	}

	p.mu.Lock()
	name, ok := p.docs[rid]
	p.mu.Unlock()
	if ok {
		return name, nil
	}

	row := p.docData[int(rid-1)*p.docSize:]
	c := &cursor{data: row}
	nameIdx := c.index(p.blobWide)
	if c.err != nil {
		return "", c.err
	}

	name, err := p.documentName(nameIdx)
	if err != nil {
		return "", fmt.Errorf("document %d: %w", rid, err)
	}

	p.mu.Lock()
	p.docs[rid] = name
	p.mu.Unlock()
	return name, nil
}

// documentName decodes a document name blob: a separator character followed
// by compressed blob indices of the UTF-8 parts.
func (p *PDB) documentName(index uint32) (string, error) {
	blob, err := p.heaps.blobAt(index)
	if err != nil {
		return "", err
	}
	if len(blob) == 0 {
		return "", nil
	}

	sep := ""
	c := &cursor{data: blob}
	if blob[0] == 0 {
		c.pos = 1
	} else {
		r, size := utf8.DecodeRune(blob)
		if r == utf8.RuneError {
			return "", fmt.Errorf("%w: bad document name separator", metadata.ErrCorrupt)
		}
		sep = string(r)
		c.pos = size
	}

	var parts []string
	for c.remaining() > 0 {
		partIdx := c.compressedUint()
		if c.err != nil {
			return "", c.err
		}
		part, err := p.heaps.blobAt(partIdx)
		if err != nil {
			return "", err
		}
		parts = append(parts, string(part))
	}
	return strings.Join(parts, sep), nil
}

// Method decodes the sequence points of the MethodDebugInformation row rid. A
// row outside the table or without sequence points reports false.
func (p *PDB) Method(rid uint32) (*metadata.MethodTable, bool, error) {
	if rid == 0 || rid > p.mdiRows {
		return nil, false, nil
	}

	c := &cursor{data: p.mdiData[int(rid-1)*p.mdiSize:]}
	docRid := c.index(p.docWide)
	pointsIdx := c.index(p.blobWide)
	if c.err != nil {
		return nil, false, c.err
	}
	if pointsIdx == 0 {
		return nil, false, nil
	}

	blob, err := p.heaps.blobAt(pointsIdx)
	if err != nil {
		return nil, false, fmt.Errorf("method %d: %w", rid, err)
	}

	table, err := p.decodeSequencePoints(blob, docRid)
	if err != nil {
		return nil, false, fmt.Errorf("method %d: %w", rid, err)
	}
	if len(table.Points) == 0 {
		return nil, false, nil
	}
	return table, true, nil
}

func (p *PDB) decodeSequencePoints(blob []byte, docRid uint32) (*metadata.MethodTable, error) {
	c := &cursor{data: blob}
	c.compressedUint() // local signature
	if docRid == 0 {
		docRid = c.compressedUint()
	}
	if c.err != nil {
		return nil, c.err
	}

	table := &metadata.MethodTable{}
	if docRid != 0 {
		name, err := p.Document(docRid)
		if err != nil {
			return nil, err
		}
		table.Document = name
	}
	doc := table.Document

	var (
		offset      uint32
		startLine   int
		startCol    int
		haveVisible bool
	)
	for first := true; c.remaining() > 0; first = false {
		delta := c.compressedUint()
		if c.err != nil {
			return nil, c.err
		}

		if !first && delta == 0 {
			docRid = c.compressedUint()
			if c.err != nil {
				return nil, c.err
			}
			name, err := p.Document(docRid)
			if err != nil {
				return nil, err
			}
			doc = name
			continue
		}
		offset += delta

		deltaLines := c.compressedUint()
		var deltaCols int
		if deltaLines == 0 {
			deltaCols = int(c.compressedUint())
		} else {
			deltaCols = int(c.compressedInt())
		}
		if c.err != nil {
			return nil, c.err
		}

		if deltaLines == 0 && deltaCols == 0 {
			table.Points = append(table.Points, metadata.Point{
				Offset:    offset,
				Hidden:    true,
				Document:  doc,
				StartLine: metadata.HiddenLine,
				EndLine:   metadata.HiddenLine,
			})
			continue
		}

		if haveVisible {
			startLine += int(c.compressedInt())
			startCol += int(c.compressedInt())
		} else {
			startLine = int(c.compressedUint())
			startCol = int(c.compressedUint())
		}
		if c.err != nil {
			return nil, c.err
		}
		haveVisible = true

		table.Points = append(table.Points, metadata.Point{
			Offset:      offset,
			Document:    doc,
			StartLine:   startLine,
			StartColumn: startCol,
			EndLine:     startLine + int(deltaLines),
			EndColumn:   startCol + deltaCols,
		})
	}
	return table, nil
}

var errModuleClosed = errors.New("module is closed")

type pdbModule struct {
	pdb *PDB
}

func (m *pdbModule) Method(ctx context.Context, rid uint32) (*metadata.MethodTable, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if m.pdb == nil {
		return nil, false, errModuleClosed
	}
	return m.pdb.Method(rid)
}

func (m *pdbModule) Close() error {
	m.pdb = nil
	return nil
}
