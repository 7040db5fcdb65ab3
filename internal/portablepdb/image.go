package portablepdb

import (
	"bytes"
	"compress/flate"
	"debug/pe"
	"fmt"
	"io"

	"github.com/yousuf/sharpen/internal/metadata"
)

const (
	debugTypeCodeView        = 2
	debugTypeEmbeddedPortPDB = 17

	debugEntrySize = 28

	codeViewSignature = 0x53445352 // "RSDS"
	embeddedSignature = 0x4244504D // "MPDB"

	maxEmbeddedSize = 1 << 30
)

// CodeView is the RSDS debug directory entry that links an image to its PDB
type CodeView struct {
	GUID [16]byte
	Age  uint32
	Path string
}

// Image is the debug directory of a managed PE image
type Image struct {
	CodeView *CodeView

	r        io.ReaderAt
	size     int64
	embedded *debugEntry
}

type debugEntry struct {
	typ     uint32
	size    uint32
	rva     uint32
	pointer uint32
}

// ReadImage reads the CLI header and debug directory of a PE image of size
// bytes. An image without a CLI header reports metadata.ErrNotManaged.
func ReadImage(r io.ReaderAt, size int64) (*Image, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", metadata.ErrNotManaged, err)
	}
	defer f.Close()

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, uint32(len(oh.DataDirectory)))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(oh.NumberOfRvaAndSizes, uint32(len(oh.DataDirectory)))]
	default:
		return nil, fmt.Errorf("%w: missing optional header", metadata.ErrNotManaged)
	}

	if len(dirs) <= pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR || dirs[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR].Size == 0 {
		return nil, metadata.ErrNotManaged
	}

	img := &Image{r: r, size: size}
	if len(dirs) <= pe.IMAGE_DIRECTORY_ENTRY_DEBUG {
		return img, nil
	}
	debugDir := dirs[pe.IMAGE_DIRECTORY_ENTRY_DEBUG]
	if debugDir.Size == 0 {
		return img, nil
	}

	raw, err := readRVA(f, debugDir.VirtualAddress, debugDir.Size)
	if err != nil {
		return nil, fmt.Errorf("debug directory: %w", err)
	}

	for off := 0; off+debugEntrySize <= len(raw); off += debugEntrySize {
		c := &cursor{data: raw[off : off+debugEntrySize]}
		c.u32() // characteristics
		c.u32() // time stamp
		c.u16() // major version
		c.u16() // minor version
		e := &debugEntry{typ: c.u32(), size: c.u32(), rva: c.u32(), pointer: c.u32()}

		switch e.typ {
		case debugTypeCodeView:
			if img.CodeView != nil {
				continue
			}
			cv, err := img.readCodeView(e)
			if err != nil {
				return nil, err
			}
			img.CodeView = cv
		case debugTypeEmbeddedPortPDB:
			if img.embedded == nil {
				img.embedded = e
			}
		}
	}
	return img, nil
}

// readRVA reads size bytes at a relative virtual address
func readRVA(f *pe.File, rva, size uint32) ([]byte, error) {
	for _, s := range f.Sections {
		extent := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= extent {
			continue
		}
		off := rva - s.VirtualAddress
		if uint64(off)+uint64(size) > uint64(s.Size) {
			return nil, fmt.Errorf("%w: rva %#x overruns section %s", metadata.ErrCorrupt, rva, s.Name)
		}
		buf := make([]byte, size)
		if _, err := s.ReadAt(buf, int64(off)); err != nil {
			return nil, fmt.Errorf("%w: %v", metadata.ErrCorrupt, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: rva %#x is not mapped by any section", metadata.ErrCorrupt, rva)
}

// readEntry reads the raw data of a debug directory entry. Entries reaching
// past the end of the image are rejected before anything is allocated.
func (img *Image) readEntry(e *debugEntry) ([]byte, error) {
	if uint64(e.pointer)+uint64(e.size) > uint64(max(img.size, 0)) {
		return nil, fmt.Errorf("%w: debug entry at %#x (%d bytes) overruns image of %d bytes",
			metadata.ErrCorrupt, e.pointer, e.size, img.size)
	}
	buf := make([]byte, e.size)
	if _, err := img.r.ReadAt(buf, int64(e.pointer)); err != nil {
		return nil, fmt.Errorf("%w: debug entry at %#x: %v", metadata.ErrCorrupt, e.pointer, err)
	}
	return buf, nil
}

func (img *Image) readCodeView(e *debugEntry) (*CodeView, error) {
	data, err := img.readEntry(e)
	if err != nil {
		return nil, err
	}

	c := &cursor{data: data}
	if c.u32() != codeViewSignature {
		// Not an RSDS record, e.g. a legacy NB10 entry.
		return nil, nil
	}
	cv := &CodeView{}
	copy(cv.GUID[:], c.bytes(16))
	cv.Age = c.u32()
	if c.err != nil {
		return nil, fmt.Errorf("codeview entry: %w", c.err)
	}
	path := data[c.pos:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	cv.Path = string(path)
	return cv, nil
}

// HasEmbeddedPDB reports whether the image carries an embedded Portable PDB
func (img *Image) HasEmbeddedPDB() bool {
	return img.embedded != nil
}

// EmbeddedPDB decompresses the embedded Portable PDB
func (img *Image) EmbeddedPDB() ([]byte, error) {
	if img.embedded == nil {
		return nil, metadata.ErrNoDebugData
	}
	data, err := img.readEntry(img.embedded)
	if err != nil {
		return nil, err
	}

	c := &cursor{data: data}
	if c.u32() != embeddedSignature {
		return nil, fmt.Errorf("%w: bad embedded pdb signature", metadata.ErrCorrupt)
	}
	size := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if size > maxEmbeddedSize {
		return nil, fmt.Errorf("%w: embedded pdb too large (%d bytes)", metadata.ErrCorrupt, size)
	}

	zr := flate.NewReader(bytes.NewReader(data[c.pos:]))
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: inflate embedded pdb: %v", metadata.ErrCorrupt, err)
	}
	return out, nil
}

// matches reports whether a PDB id belongs to the image's CodeView entry.
// Images without an RSDS entry accept any PDB.
func (img *Image) matches(id [IDSize]byte) bool {
	if img.CodeView == nil {
		return true
	}
	return bytes.Equal(id[:16], img.CodeView.GUID[:])
}
