// Package pdbtest writes small managed PE images and Portable PDBs for tests.
package pdbtest

import (
	"bytes"
	"compress/flate"
	"debug/pe"
	"encoding/binary"
	"strings"
)

// Point is one sequence point. A non-zero Document switches the current
// document before the point is written.
type Point struct {
	Offset      uint32
	Hidden      bool
	Document    uint32
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

type methodRow struct {
	document uint16
	points   uint16
}

// PDB builds a Portable PDB holding Document and MethodDebugInformation rows
type PDB struct {
	ID      [20]byte
	blob    bytes.Buffer
	docs    []uint16
	methods []methodRow
}

// NewPDB returns an empty PDB with the given id
func NewPDB(id [20]byte) *PDB {
	b := &PDB{ID: id}
	b.blob.WriteByte(0)
	return b
}

func (b *PDB) addBlob(data []byte) uint16 {
	idx := b.blob.Len()
	b.blob.Write(compressed(uint32(len(data))))
	b.blob.Write(data)
	return uint16(idx)
}

// AddDocument adds a Document row named by '/'-separated parts and returns
// its row number
func (b *PDB) AddDocument(name string) uint32 {
	var nameBlob bytes.Buffer
	nameBlob.WriteByte('/')
	for _, part := range strings.Split(name, "/") {
		nameBlob.Write(compressed(uint32(b.addBlob([]byte(part)))))
	}
	b.docs = append(b.docs, b.addBlob(nameBlob.Bytes()))
	return uint32(len(b.docs))
}

// AddMethod adds a MethodDebugInformation row whose document column is doc
func (b *PDB) AddMethod(doc uint32, points ...Point) uint32 {
	blob := sequencePoints(doc, false, points)
	b.methods = append(b.methods, methodRow{document: uint16(doc), points: b.addBlob(blob)})
	return uint32(len(b.methods))
}

// AddMethodInlineDocument adds a row with an empty document column; the
// initial document is written into the sequence point blob instead
func (b *PDB) AddMethodInlineDocument(doc uint32, points ...Point) uint32 {
	blob := sequencePoints(doc, true, points)
	b.methods = append(b.methods, methodRow{points: b.addBlob(blob)})
	return uint32(len(b.methods))
}

// AddEmptyMethod adds a row without sequence points
func (b *PDB) AddEmptyMethod() uint32 {
	b.methods = append(b.methods, methodRow{})
	return uint32(len(b.methods))
}

func sequencePoints(doc uint32, inline bool, points []Point) []byte {
	var out bytes.Buffer
	out.Write(compressed(0)) // local signature
	if inline {
		out.Write(compressed(doc))
	}

	current := doc
	var prevOffset uint32
	var prevLine, prevCol int
	visible := false
	for i, p := range points {
		if p.Document != 0 && p.Document != current && i > 0 {
			out.Write(compressed(0))
			out.Write(compressed(p.Document))
			current = p.Document
		}

		out.Write(compressed(p.Offset - prevOffset))
		prevOffset = p.Offset

		if p.Hidden {
			out.Write(compressed(0))
			out.Write(compressed(0))
			continue
		}

		lines := p.EndLine - p.StartLine
		cols := p.EndColumn - p.StartColumn
		out.Write(compressed(uint32(lines)))
		if lines == 0 {
			out.Write(compressed(uint32(cols)))
		} else {
			out.Write(compressedSigned(int32(cols)))
		}

		if visible {
			out.Write(compressedSigned(int32(p.StartLine - prevLine)))
			out.Write(compressedSigned(int32(p.StartColumn - prevCol)))
		} else {
			out.Write(compressed(uint32(p.StartLine)))
			out.Write(compressed(uint32(p.StartColumn)))
		}
		prevLine, prevCol = p.StartLine, p.StartColumn
		visible = true
	}
	return out.Bytes()
}

func compressed(v uint32) []byte {
	switch {
	case v < 0x80:
		return []byte{byte(v)}
	case v < 0x4000:
		return []byte{byte(v>>8) | 0x80, byte(v)}
	default:
		return []byte{byte(v>>24) | 0xC0, byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func compressedSigned(v int32) []byte {
	var width int32
	switch {
	case v >= -0x40 && v < 0x40:
		width = 0x40
	case v >= -0x2000 && v < 0x2000:
		width = 0x2000
	default:
		width = 0x10000000
	}
	u := uint32(v&(width-1)) << 1
	if v < 0 {
		u |= 1
	}
	return compressed(u)
}

// Bytes encodes the PDB
func (b *PDB) Bytes() []byte {
	var pdbStream bytes.Buffer
	pdbStream.Write(b.ID[:])
	le(&pdbStream, uint32(0)) // entry point
	le(&pdbStream, uint64(0)) // referenced type system tables

	var tables bytes.Buffer
	le(&tables, uint32(0))
	le(&tables, uint8(2))
	le(&tables, uint8(0))
	le(&tables, uint8(0)) // narrow heaps
	le(&tables, uint8(1))
	le(&tables, uint64(1<<0x30|1<<0x31))
	le(&tables, uint64(0))
	le(&tables, uint32(len(b.docs)))
	le(&tables, uint32(len(b.methods)))
	for _, name := range b.docs {
		le(&tables, name)
		le(&tables, uint16(0)) // hash algorithm
		le(&tables, uint16(0)) // hash
		le(&tables, uint16(0)) // language
	}
	for _, m := range b.methods {
		le(&tables, m.document)
		le(&tables, m.points)
	}

	return metadataRoot([]stream{
		{"#Pdb", pdbStream.Bytes()},
		{"#~", tables.Bytes()},
		{"#Blob", b.blob.Bytes()},
		{"#GUID", nil},
	})
}

type stream struct {
	name string
	data []byte
}

func metadataRoot(streams []stream) []byte {
	const version = "PDB v1.0\x00\x00\x00\x00"

	headerSize := 4 + 2 + 2 + 4 + 4 + len(version) + 2 + 2
	for _, s := range streams {
		headerSize += 8 + pad4(len(s.name)+1)
	}

	var out bytes.Buffer
	le(&out, uint32(0x424A5342))
	le(&out, uint16(1))
	le(&out, uint16(1))
	le(&out, uint32(0))
	le(&out, uint32(len(version)))
	out.WriteString(version)
	le(&out, uint16(0))
	le(&out, uint16(len(streams)))

	offset := headerSize
	for _, s := range streams {
		le(&out, uint32(offset))
		le(&out, uint32(len(s.data)))
		name := make([]byte, pad4(len(s.name)+1))
		copy(name, s.name)
		out.Write(name)
		offset += pad4(len(s.data))
	}
	for _, s := range streams {
		out.Write(s.data)
		out.Write(make([]byte, pad4(len(s.data))-len(s.data)))
	}
	return out.Bytes()
}

func pad4(n int) int {
	return (n + 3) &^ 3
}

func le(buf *bytes.Buffer, v any) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

// CodeView describes the RSDS entry of an image
type CodeView struct {
	GUID [16]byte
	Age  uint32
	Path string
}

// Image describes a PE image to write
type Image struct {
	// Unmanaged leaves the CLI header directory empty
	Unmanaged bool
	CodeView  *CodeView
	// Embedded is an uncompressed Portable PDB stored in the debug directory
	Embedded []byte
}

const (
	fileAlignment = 0x200
	sectionRVA    = 0x2000
	cliHeaderSize = 72
)

// Bytes encodes a PE32 image with a single section holding the CLI header
// and debug directory data
func (img Image) Bytes() []byte {
	type entry struct {
		typ  uint32
		data []byte
	}
	var entries []entry
	if img.CodeView != nil {
		var cv bytes.Buffer
		le(&cv, uint32(0x53445352))
		cv.Write(img.CodeView.GUID[:])
		le(&cv, img.CodeView.Age)
		cv.WriteString(img.CodeView.Path)
		cv.WriteByte(0)
		entries = append(entries, entry{typ: 2, data: cv.Bytes()})
	}
	if img.Embedded != nil {
		var emb bytes.Buffer
		le(&emb, uint32(0x4244504D))
		le(&emb, uint32(len(img.Embedded)))
		zw, _ := flate.NewWriter(&emb, flate.DefaultCompression)
		_, _ = zw.Write(img.Embedded)
		_ = zw.Close()
		entries = append(entries, entry{typ: 17, data: emb.Bytes()})
	}

	// Section layout: CLI header, debug directory, entry payloads.
	dirOffset := cliHeaderSize
	dataOffset := dirOffset + 28*len(entries)

	var section bytes.Buffer
	section.Write(make([]byte, cliHeaderSize))
	payloadOffset := dataOffset
	for _, e := range entries {
		le(&section, uint32(0)) // characteristics
		le(&section, uint32(0)) // time stamp
		le(&section, uint16(0x0100))
		le(&section, uint16(0x504D))
		le(&section, e.typ)
		le(&section, uint32(len(e.data)))
		le(&section, uint32(sectionRVA+payloadOffset))
		le(&section, uint32(fileAlignment+payloadOffset))
		payloadOffset += len(e.data)
	}
	for _, e := range entries {
		section.Write(e.data)
	}
	rawSize := (section.Len() + fileAlignment - 1) &^ (fileAlignment - 1)
	section.Write(make([]byte, rawSize-section.Len()))

	oh := pe.OptionalHeader32{
		Magic:               0x10b,
		SectionAlignment:    0x2000,
		FileAlignment:       fileAlignment,
		SizeOfImage:         uint32(sectionRVA + rawSize),
		SizeOfHeaders:       fileAlignment,
		NumberOfRvaAndSizes: 16,
	}
	if !img.Unmanaged {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{
			VirtualAddress: sectionRVA,
			Size:           cliHeaderSize,
		}
	}
	if len(entries) > 0 {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG] = pe.DataDirectory{
			VirtualAddress: uint32(sectionRVA + dirOffset),
			Size:           uint32(28 * len(entries)),
		}
	}

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      0x2102,
	}
	sh := pe.SectionHeader32{
		VirtualSize:      uint32(section.Len()),
		VirtualAddress:   sectionRVA,
		SizeOfRawData:    uint32(rawSize),
		PointerToRawData: fileAlignment,
		Characteristics:  0x60000020,
	}
	copy(sh.Name[:], ".text")

	var out bytes.Buffer
	dos := make([]byte, 0x40)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40)
	out.Write(dos)
	out.WriteString("PE\x00\x00")
	le(&out, fh)
	le(&out, oh)
	le(&out, sh)
	out.Write(make([]byte, fileAlignment-out.Len()))
	out.Write(section.Bytes())
	return out.Bytes()
}
