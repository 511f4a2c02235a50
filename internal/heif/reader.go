package heif

import (
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

// cursor is a bounds-checked big-endian reader with a sticky error.
type cursor struct {
	b   []byte
	off int
	err error
	ctx string
}

func newCursor(b []byte, ctx string) *cursor {
	return &cursor{b: b, ctx: ctx}
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || len(c.b)-c.off < n {
		c.err = fmt.Errorf("heif: %s: %w", c.ctx, codecerr.ErrTruncated)
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u8() uint8 {
	if p := c.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if p := c.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if p := c.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

// sized reads an unsigned integer of n bytes, n in {0, 1, 2, 4, 8}.
func (c *cursor) sized(n int) uint64 {
	switch n {
	case 0:
		return 0
	case 1:
		return uint64(c.u8())
	case 2:
		return uint64(c.u16())
	case 4:
		return uint64(c.u32())
	case 8:
		if p := c.take(8); p != nil {
			return binary.BigEndian.Uint64(p)
		}
		return 0
	}
	if c.err == nil {
		c.err = fmt.Errorf("heif: %s: %w: field size %d", c.ctx, codecerr.ErrInvalidFormat, n)
	}
	return 0
}

// cstring reads a NUL-terminated string. A missing terminator consumes
// the remainder.
func (c *cursor) cstring() string {
	if c.err != nil {
		return ""
	}
	rest := c.b[c.off:]
	for i, v := range rest {
		if v == 0 {
			c.off += i + 1
			return string(rest[:i])
		}
	}
	c.off = len(c.b)
	return string(rest)
}

func (c *cursor) remaining() int {
	return len(c.b) - c.off
}
