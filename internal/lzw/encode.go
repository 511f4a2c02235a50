package lzw

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
)

const (
	hashBits  = 14
	hashSize  = 1 << hashBits
	hashShift = 32 - hashBits
)

type codeWriter interface {
	WriteBits(v uint32, n int)
}

// encoder maps (prefix code, byte) pairs to codes with an open-addressing
// table of key<<12 | code words; zero marks an empty slot.
type encoder struct {
	w        codeWriter
	litWidth int
	early    int
	clear    int
	next     int
	width    int
	table    [hashSize]uint32
}

func (e *encoder) reset() {
	e.next = e.clear + 2
	e.width = e.litWidth + 1
	clear(e.table[:])
}

func (e *encoder) lookup(key uint32) (int, bool) {
	for h := (key * 0x1e35a7bd) >> hashShift; ; h = (h + 1) & (hashSize - 1) {
		t := e.table[h]
		if t == 0 {
			return int(h), false
		}
		if t>>MaxCodeSize == key {
			return int(t & (maxCodes - 1)), true
		}
	}
}

// Encode compresses src, whose bytes must all be below 2^litWidth.
func Encode(src []byte, order Order, litWidth int, earlyChange bool) ([]byte, error) {
	if litWidth < 2 || litWidth > 8 {
		return nil, fmt.Errorf("lzw: %w: literal width %d", codecerr.ErrInvalidFormat, litWidth)
	}
	var lw *bitio.LSBWriter
	var mw *bitio.MSBWriter
	e := &encoder{litWidth: litWidth, clear: 1 << litWidth}
	if order == LSB {
		lw = bitio.NewLSBWriter(len(src) / 2)
		e.w = lw
	} else {
		mw = bitio.NewMSBWriter(len(src) / 2)
		e.w = mw
	}
	if earlyChange {
		e.early = 1
	}
	eoi := e.clear + 1
	// Stay one code short of a full table, as common decoders expect.
	limit := maxCodes - 1 - e.early

	e.reset()
	e.w.WriteBits(uint32(e.clear), e.width)
	cur := -1
	for _, b := range src {
		if int(b) >= e.clear {
			return nil, fmt.Errorf("lzw: %w: byte %d exceeds literal width %d", codecerr.ErrInvalidFormat, b, litWidth)
		}
		if cur < 0 {
			cur = int(b)
			continue
		}
		key := uint32(cur)<<8 | uint32(b)
		slot, ok := e.lookup(key)
		if ok {
			cur = slot
			continue
		}
		e.w.WriteBits(uint32(cur), e.width)
		e.table[slot] = key<<MaxCodeSize | uint32(e.next)
		e.next++
		if e.next+e.early > 1<<e.width && e.width < MaxCodeSize {
			e.width++
		}
		if e.next >= limit {
			e.w.WriteBits(uint32(e.clear), e.width)
			e.reset()
		}
		cur = int(b)
	}
	if cur >= 0 {
		e.w.WriteBits(uint32(cur), e.width)
		// The decoder adds an entry for this code too; follow its width.
		if e.next < limit {
			e.next++
			if e.next+e.early > 1<<e.width && e.width < MaxCodeSize {
				e.width++
			}
		}
	}
	e.w.WriteBits(uint32(eoi), e.width)
	if lw != nil {
		return lw.Finish(), nil
	}
	return mw.Bytes(), nil
}
