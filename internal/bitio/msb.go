package bitio

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

// MaxExpGolombPrefix bounds the leading-zero count of an Exp-Golomb code.
const MaxExpGolombPrefix = 32

// MSBReader reads bit fields packed MSB-first within each byte.
//
// In JPEG mode the reader undoes entropy-segment byte stuffing: FF 00
// yields a single FF data byte, and FF followed by any other byte is a
// marker. On reaching a marker the reader stops loading input without
// consuming the marker and supplies zero bits, so a decoder can finish
// the last code of a scan. Marker and SkipMarker expose the marker to
// restart-interval handling.
type MSBReader struct {
	acc   uint64 // buffered bits, next bit in bit 63
	nbits int
	buf   []byte
	pos   int
	jpeg  bool

	marker    byte
	hitMarker bool
	padded    int // zero bits supplied past a marker
	err       error
}

// NewMSBReader returns a plain MSB-first reader over data.
func NewMSBReader(data []byte) *MSBReader {
	return &MSBReader{buf: data}
}

// NewJPEGReader returns an MSB-first reader that undoes JPEG byte stuffing.
func NewJPEGReader(data []byte) *MSBReader {
	return &MSBReader{buf: data, jpeg: true}
}

func (r *MSBReader) fill() {
	for r.nbits <= 56 && !r.hitMarker && r.pos < len(r.buf) {
		b := r.buf[r.pos]
		if r.jpeg && b == 0xff {
			if r.pos+1 >= len(r.buf) {
				return
			}
			if next := r.buf[r.pos+1]; next != 0x00 {
				// FF fill bytes may precede the marker code.
				j := r.pos + 1
				for j < len(r.buf) && r.buf[j] == 0xff {
					j++
				}
				if j == len(r.buf) {
					return
				}
				r.marker = r.buf[j]
				r.hitMarker = true
				return
			}
			r.pos += 2
		} else {
			r.pos++
		}
		r.acc |= uint64(b) << uint(56-r.nbits)
		r.nbits += 8
	}
}

// ensure makes n bits available, zero-padding past a JPEG marker.
func (r *MSBReader) ensure(n int) error {
	if r.err != nil {
		return r.err
	}
	if r.nbits >= n {
		return nil
	}
	r.fill()
	if r.nbits >= n {
		return nil
	}
	if r.hitMarker {
		r.padded += n - r.nbits
		r.nbits = n
		return nil
	}
	r.err = truncated("msb reader")
	return r.err
}

// ReadBits returns the next n bits, 0 <= n <= 32, first bit most
// significant.
func (r *MSBReader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > MaxReadBits {
		return 0, errBitCount
	}
	if n == 0 {
		return 0, r.err
	}
	if err := r.ensure(n); err != nil {
		return 0, err
	}
	v := uint32(r.acc >> uint(64-n))
	r.acc <<= uint(n)
	r.nbits -= n
	return v, nil
}

// ReadBit returns the next single bit.
func (r *MSBReader) ReadBit() (uint32, error) {
	return r.ReadBits(1)
}

// ReadFlag reads one bit as a boolean.
func (r *MSBReader) ReadFlag() (bool, error) {
	b, err := r.ReadBits(1)
	return b == 1, err
}

// PeekBits returns the next n bits without consuming them. ok is false
// when fewer than n bits remain before the end of input.
func (r *MSBReader) PeekBits(n int) (v uint32, ok bool) {
	if n <= 0 || n > MaxReadBits || r.err != nil {
		return 0, false
	}
	if r.nbits < n {
		r.fill()
		if r.nbits < n && !r.hitMarker {
			return 0, false
		}
	}
	return uint32(r.acc >> uint(64-n)), true
}

// SkipBits consumes n bits previously inspected with PeekBits.
func (r *MSBReader) SkipBits(n int) error {
	_, err := r.ReadBits(n)
	return err
}

// ReadUE reads an unsigned Exp-Golomb code: k leading zero bits, a one
// bit, then a k-bit suffix, giving 2^k - 1 + suffix.
func (r *MSBReader) ReadUE() (uint64, error) {
	k := 0
	for {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		k++
		if k > MaxExpGolombPrefix {
			return 0, fmt.Errorf("bitio: %w: exp-golomb prefix longer than %d bits", codecerr.ErrInvalidFormat, MaxExpGolombPrefix)
		}
	}
	if k == 0 {
		return 0, nil
	}
	suffix, err := r.ReadBits(k)
	if err != nil {
		return 0, err
	}
	return uint64(1)<<uint(k) - 1 + uint64(suffix), nil
}

// ReadSE reads a signed Exp-Golomb code mapped 0, 1, -1, 2, -2, ...
func (r *MSBReader) ReadSE() (int64, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if v&1 == 1 {
		return int64(v+1) / 2, nil
	}
	return -int64(v / 2), nil
}

// AlignToByte discards the bits remaining in the current byte.
func (r *MSBReader) AlignToByte() {
	drop := r.nbits % 8
	r.acc <<= uint(drop)
	r.nbits -= drop
}

// Marker reports the marker byte that stopped a JPEG-mode reader.
func (r *MSBReader) Marker() (byte, bool) {
	if !r.hitMarker {
		r.fill()
	}
	return r.marker, r.hitMarker
}

// SkipMarker discards any buffered bits, consumes the next marker
// (including FF fill bytes) and resumes reading after it. It returns the
// marker code.
func (r *MSBReader) SkipMarker() (byte, error) {
	r.acc, r.nbits, r.padded = 0, 0, 0
	for !r.hitMarker {
		if r.pos >= len(r.buf) {
			return 0, truncated("looking for marker")
		}
		before := r.pos
		r.fill()
		r.acc, r.nbits = 0, 0
		if !r.hitMarker && r.pos == before {
			return 0, truncated("looking for marker")
		}
	}
	for r.pos < len(r.buf) && r.buf[r.pos] == 0xff {
		r.pos++
	}
	m := r.marker
	r.pos++
	r.hitMarker, r.marker = false, 0
	r.err = nil
	return m, nil
}

// Offset returns the index of the first input byte not yet loaded into
// the bit buffer. After a marker stops the reader it is the marker's
// offset.
func (r *MSBReader) Offset() int {
	return r.pos
}

// BytePos returns the index of the byte holding the next unread bit. It
// is exact only for readers without byte stuffing.
func (r *MSBReader) BytePos() int {
	return r.pos - (r.nbits+7)/8
}

// Padded reports how many zero bits were supplied past a marker.
func (r *MSBReader) Padded() int {
	return r.padded
}

// Exhausted reports whether every input bit has been consumed.
func (r *MSBReader) Exhausted() bool {
	return r.nbits == 0 && (r.pos >= len(r.buf) || r.hitMarker)
}

// Err returns the sticky truncation error, if any.
func (r *MSBReader) Err() error {
	return r.err
}

// MSBWriter accumulates bit fields MSB-first. In JPEG mode every emitted
// FF data byte is followed by a stuffed 00.
type MSBWriter struct {
	acc   uint64
	nbits int
	buf   []byte
	jpeg  bool
}

// NewMSBWriter returns a plain MSB-first writer.
func NewMSBWriter(expectedSize int) *MSBWriter {
	return &MSBWriter{buf: make([]byte, 0, max(expectedSize, 64))}
}

// NewJPEGWriter returns an MSB-first writer that byte-stuffs FF.
func NewJPEGWriter(expectedSize int) *MSBWriter {
	w := NewMSBWriter(expectedSize)
	w.jpeg = true
	return w
}

// WriteBits appends the low n bits of v, 0 <= n <= 32.
func (w *MSBWriter) WriteBits(v uint32, n int) {
	if n <= 0 {
		return
	}
	w.acc = w.acc<<uint(n) | uint64(v&mask32(n))
	w.nbits += n
	for w.nbits >= 8 {
		w.emit(byte(w.acc >> uint(w.nbits-8)))
		w.nbits -= 8
	}
	w.acc &= uint64(1)<<uint(w.nbits) - 1
}

// WriteBit appends a single bit.
func (w *MSBWriter) WriteBit(b bool) {
	if b {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

func (w *MSBWriter) emit(b byte) {
	w.buf = append(w.buf, b)
	if w.jpeg && b == 0xff {
		w.buf = append(w.buf, 0x00)
	}
}

// Flush pads the partial byte with one bits (JPEG) or zero bits and
// writes it.
func (w *MSBWriter) Flush(fillOnes bool) {
	if w.nbits == 0 {
		return
	}
	pad := 8 - w.nbits
	var fill uint32
	if fillOnes {
		fill = mask32(pad)
	}
	w.WriteBits(fill, pad)
}

// WriteRaw flushes with one-padding and appends p without stuffing. It is
// used for JPEG markers inside the entropy-coded data.
func (w *MSBWriter) WriteRaw(p ...byte) {
	w.Flush(w.jpeg)
	w.buf = append(w.buf, p...)
}

// Bytes flushes the writer and returns the encoded bytes.
func (w *MSBWriter) Bytes() []byte {
	w.Flush(w.jpeg)
	return w.buf
}

// Len returns the number of complete bytes written so far.
func (w *MSBWriter) Len() int {
	return len(w.buf)
}
