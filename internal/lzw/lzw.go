// Package lzw implements the Lempel-Ziv-Welch variants used by GIF and
// TIFF.
//
// GIF packs codes LSB-first and widens the code size when the next free
// code reaches 2^width. TIFF packs codes MSB-first and widens one code
// early. Both start at litWidth+1 bits, cap at 12 bits, and reserve the
// clear code 2^litWidth and the end code 2^litWidth+1.
package lzw

import (
	"errors"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
)

// Order selects the bit packing of codes.
type Order int

const (
	// LSB packs codes least significant bit first (GIF).
	LSB Order = iota
	// MSB packs codes most significant bit first (TIFF).
	MSB
)

const (
	// MaxCodeSize is the widest code in bits.
	MaxCodeSize = 12
	maxCodes    = 1 << MaxCodeSize
	invalidCode = -1
)

type codeReader interface {
	ReadBits(n int) (uint32, error)
}

// Decoder holds the dictionary of one LZW stream. Entries are stored in
// flat arrays indexed by code and reset in place on every clear code.
type Decoder struct {
	order    Order
	litWidth int
	early    int

	clear, eoi int
	next       int // next code to assign
	width      int
	prev       int

	prefix [maxCodes]uint16
	suffix [maxCodes]uint8
	first  [maxCodes]uint8
	length [maxCodes]uint16
}

// NewDecoder returns a decoder for literal width litWidth (2..8).
// earlyChange selects the TIFF code-width rule.
func NewDecoder(order Order, litWidth int, earlyChange bool) (*Decoder, error) {
	if litWidth < 2 || litWidth > 8 {
		return nil, fmt.Errorf("lzw: %w: literal width %d", codecerr.ErrInvalidFormat, litWidth)
	}
	d := &Decoder{order: order, litWidth: litWidth, clear: 1 << litWidth}
	d.eoi = d.clear + 1
	if earlyChange {
		d.early = 1
	}
	for c := 0; c < d.clear; c++ {
		d.suffix[c] = uint8(c)
		d.first[c] = uint8(c)
		d.length[c] = 1
	}
	d.reset()
	return d, nil
}

func (d *Decoder) reset() {
	d.next = d.eoi + 1
	d.width = d.litWidth + 1
	d.prev = invalidCode
}

// NextCode returns the next dictionary code to be assigned.
func (d *Decoder) NextCode() int { return d.next }

// CodeSize returns the current code width in bits.
func (d *Decoder) CodeSize() int { return d.width }

// Decode decompresses src. When limit is positive, output stops after
// limit bytes. A stream that ends without an end code returns the output
// decoded so far together with ErrTruncated.
func (d *Decoder) Decode(src []byte, limit int) ([]byte, error) {
	d.reset()
	var r codeReader
	if d.order == LSB {
		r = bitio.NewLSBReader(src)
	} else {
		r = bitio.NewMSBReader(src)
	}
	out := make([]byte, 0, min(len(src)*3, 1<<20))
	for {
		v, err := r.ReadBits(d.width)
		if err != nil {
			return out, fmt.Errorf("lzw: %w", err)
		}
		code := int(v)
		switch {
		case code == d.clear:
			d.reset()
			continue
		case code == d.eoi:
			return out, nil
		case code < d.next:
			if d.prev != invalidCode {
				d.add(d.prev, d.first[code])
			}
		case code == d.next && d.prev != invalidCode && d.next < maxCodes:
			// The code being defined by this very step: prev's string
			// followed by its own first byte.
			d.add(d.prev, d.first[d.prev])
		default:
			return out, fmt.Errorf("lzw: %w: invalid code %d (next %d)", codecerr.ErrDecompression, code, d.next)
		}
		out = d.emit(out, code)
		d.prev = code
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
		if d.next+d.early >= 1<<d.width && d.width < MaxCodeSize {
			d.width++
		}
	}
}

// add appends the entry (prev, b). A full table stops growing.
func (d *Decoder) add(prev int, b uint8) {
	if d.next >= maxCodes {
		return
	}
	e := d.next
	d.prefix[e] = uint16(prev)
	d.suffix[e] = b
	d.first[e] = d.first[prev]
	d.length[e] = d.length[prev] + 1
	d.next++
}

func (d *Decoder) emit(out []byte, code int) []byte {
	n := int(d.length[code])
	start := len(out)
	out = append(out, make([]byte, n)...)
	for i := n - 1; i >= 0; i-- {
		out[start+i] = d.suffix[code]
		code = int(d.prefix[code])
	}
	return out
}

// Decode is a convenience wrapper around NewDecoder and Decoder.Decode.
func Decode(src []byte, order Order, litWidth int, earlyChange bool, limit int) ([]byte, error) {
	d, err := NewDecoder(order, litWidth, earlyChange)
	if err != nil {
		return nil, err
	}
	return d.Decode(src, limit)
}

// IsTruncated reports whether err is the missing-end-code condition, so
// callers that already have the bytes they need can ignore it.
func IsTruncated(err error) bool {
	return errors.Is(err, codecerr.ErrTruncated)
}
