// Package huffman implements canonical Huffman coding: JPEG-style tables
// built from per-length code counts, table-driven decoding, code
// assignment for encoders, and length-limited code construction.
package huffman

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

const (
	// MaxCodeLength is the longest code a Table decodes.
	MaxCodeLength = 16
	// MaxSymbols is the size of a Table's symbol alphabet.
	MaxSymbols = 256

	lookaheadBits = 8
)

// BitReader is the MSB-first bit source a Table decodes from.
type BitReader interface {
	ReadBit() (uint32, error)
	PeekBits(n int) (uint32, bool)
	SkipBits(n int) error
}

// Table is a canonical Huffman decoding table. The zero value decodes
// nothing; call Build before use. A built Table is read-only.
type Table struct {
	values  [MaxSymbols]uint8
	nvalues int

	// Indexed by code length 1..16.
	mincode [MaxCodeLength + 1]int32
	maxcode [MaxCodeLength + 1]int32 // -1 when no codes have this length
	valptr  [MaxCodeLength + 1]int32

	// lookup maps the next 8 bits to length<<8 | symbol, 0 on a miss.
	lookup [1 << lookaheadBits]uint16
}

// Build derives the decoding state from counts[i], the number of codes of
// length i+1, and values, the symbols in code order.
func (t *Table) Build(counts [MaxCodeLength]uint8, values []uint8) error {
	total := 0
	for _, n := range counts {
		total += int(n)
	}
	if total == 0 || total > MaxSymbols {
		return fmt.Errorf("huffman: %w: %d symbols", codecerr.ErrInvalidFormat, total)
	}
	if len(values) < total {
		return fmt.Errorf("huffman: %d symbol values for %d codes: %w", len(values), total, codecerr.ErrTruncated)
	}
	*t = Table{}
	t.nvalues = total
	copy(t.values[:], values[:total])

	code, k := int32(0), int32(0)
	for l := 1; l <= MaxCodeLength; l++ {
		n := int32(counts[l-1])
		t.valptr[l] = k
		t.mincode[l] = code
		code += n
		k += n
		if code > 1<<l {
			return fmt.Errorf("huffman: %w: over-subscribed code lengths", codecerr.ErrInvalidFormat)
		}
		t.maxcode[l] = -1
		if n > 0 {
			t.maxcode[l] = code - 1
		}
		code <<= 1
	}

	for l := 1; l <= lookaheadBits; l++ {
		if t.maxcode[l] < 0 {
			continue
		}
		shift := uint(lookaheadBits - l)
		for c := t.mincode[l]; c <= t.maxcode[l]; c++ {
			sym := t.values[t.valptr[l]+c-t.mincode[l]]
			entry := uint16(l)<<8 | uint16(sym)
			base := int(c) << shift
			for i := 0; i < 1<<shift; i++ {
				t.lookup[base+i] = entry
			}
		}
	}
	return nil
}

// Decode reads one symbol from r.
func (t *Table) Decode(r BitReader) (uint8, error) {
	if t.nvalues == 0 {
		return 0, fmt.Errorf("huffman: %w: decode with empty table", codecerr.ErrDecompression)
	}
	if v, ok := r.PeekBits(lookaheadBits); ok {
		if e := t.lookup[v]; e != 0 {
			if err := r.SkipBits(int(e >> 8)); err != nil {
				return 0, err
			}
			return uint8(e), nil
		}
	}
	code := int32(0)
	for l := 1; l <= MaxCodeLength; l++ {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		code = code<<1 | int32(b)
		if code <= t.maxcode[l] {
			return t.values[t.valptr[l]+code-t.mincode[l]], nil
		}
	}
	return 0, fmt.Errorf("huffman: %w: bad Huffman code", codecerr.ErrDecompression)
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	return t.nvalues
}
