package portablepdb

import (
	"encoding/binary"
	"fmt"

	"github.com/yousuf/sharpen/internal/metadata"
)

var errTruncated = fmt.Errorf("%w: unexpected end of data", metadata.ErrCorrupt)

// cursor reads little-endian values and ECMA-335 compressed integers from a
// byte slice. The first failure sticks; callers check err once at the end.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *cursor) remaining() int {
	return len(c.data) - c.pos
}

func (c *cursor) bytes(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.remaining() < n {
		c.fail(errTruncated)
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u8() uint8 {
	b := c.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16() uint16 {
	b := c.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (c *cursor) u32() uint32 {
	b := c.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) u64() uint64 {
	b := c.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// index reads a heap or table index of the given width
func (c *cursor) index(wide bool) uint32 {
	if wide {
		return c.u32()
	}
	return uint32(c.u16())
}

// compressedUint decodes an ECMA-335 II.23.2 compressed unsigned integer
func (c *cursor) compressedUint() uint32 {
	if c.err != nil {
		return 0
	}
	if c.remaining() < 1 {
		c.fail(errTruncated)
		return 0
	}

	b0 := c.data[c.pos]
	switch {
	case b0&0x80 == 0:
		c.pos++
		return uint32(b0)
	case b0&0xC0 == 0x80:
		b := c.bytes(2)
		if b == nil {
			return 0
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1])
	case b0&0xE0 == 0xC0:
		b := c.bytes(4)
		if b == nil {
			return 0
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	default:
		c.fail(fmt.Errorf("%w: invalid compressed integer prefix %#x", metadata.ErrCorrupt, b0))
		return 0
	}
}

// compressedInt decodes a compressed signed integer. The sign bit is rotated
// into the lowest bit of the encoded unsigned value.
func (c *cursor) compressedInt() int32 {
	if c.err != nil || c.remaining() < 1 {
		c.fail(errTruncated)
		return 0
	}

	var width uint32
	switch b0 := c.data[c.pos]; {
	case b0&0x80 == 0:
		width = 0x40
	case b0&0xC0 == 0x80:
		width = 0x2000
	default:
		width = 0x10000000
	}

	u := c.compressedUint()
	v := int32(u >> 1)
	if u&1 != 0 {
		v -= int32(width)
	}
	return v
}

// heaps gives access to the #Blob heap of a metadata image
type heaps struct {
	blob []byte
}

// blobAt returns the blob at index; index 0 is the empty blob
func (h *heaps) blobAt(index uint32) ([]byte, error) {
	if index == 0 {
		return nil, nil
	}
	if int64(index) >= int64(len(h.blob)) {
		return nil, fmt.Errorf("%w: blob index %#x out of range", metadata.ErrCorrupt, index)
	}

	c := cursor{data: h.blob, pos: int(index)}
	n := c.compressedUint()
	b := c.bytes(int(n))
	if c.err != nil {
		return nil, fmt.Errorf("blob %#x: %w", index, c.err)
	}
	return b, nil
}
