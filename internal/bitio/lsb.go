package bitio

import "encoding/binary"

const (
	// lsbWindow is the size of the prefetch register.
	lsbWindow = 64
	// lsbRefill is the number of ready bits guaranteed by a refill when
	// input remains.
	lsbRefill = 32
)

// LSBReader reads bit fields packed LSB-first within each byte.
//
// Bits are prefetched into a 64-bit window. The window is topped up four
// bytes at a time while input remains, and byte by byte near the end.
type LSBReader struct {
	val   uint64 // prefetched bits, next bit in bit 0
	nbits int    // valid bits in val
	buf   []byte
	pos   int // next byte of buf to load
	err   error
}

// NewLSBReader returns a reader over data.
func NewLSBReader(data []byte) *LSBReader {
	r := &LSBReader{buf: data}
	r.fill()
	return r
}

func (r *LSBReader) fill() {
	if r.nbits <= lsbWindow-lsbRefill && r.pos+4 <= len(r.buf) {
		r.val |= uint64(binary.LittleEndian.Uint32(r.buf[r.pos:])) << uint(r.nbits)
		r.pos += 4
		r.nbits += 32
		return
	}
	for r.nbits <= lsbWindow-8 && r.pos < len(r.buf) {
		r.val |= uint64(r.buf[r.pos]) << uint(r.nbits)
		r.pos++
		r.nbits += 8
	}
}

// ReadBits returns the next n bits, 0 <= n <= 32. The first bit read is
// bit 0 of the result.
func (r *LSBReader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > MaxReadBits {
		return 0, errBitCount
	}
	if r.err != nil {
		return 0, r.err
	}
	if r.nbits < n {
		r.fill()
		if r.nbits < n {
			r.err = truncated("lsb reader")
			return 0, r.err
		}
	}
	v := uint32(r.val) & mask32(n)
	r.val >>= uint(n)
	r.nbits -= n
	return v, nil
}

// ReadBit returns the next single bit.
func (r *LSBReader) ReadBit() (uint32, error) {
	return r.ReadBits(1)
}

// ReadBool reads one bit as a boolean.
func (r *LSBReader) ReadBool() (bool, error) {
	b, err := r.ReadBits(1)
	return b == 1, err
}

// AlignToByte discards the bits remaining in the current byte.
func (r *LSBReader) AlignToByte() {
	drop := r.nbits % 8
	r.val >>= uint(drop)
	r.nbits -= drop
}

// BytePos returns the index of the byte holding the next unread bit.
func (r *LSBReader) BytePos() int {
	return r.pos - (r.nbits+7)/8
}

// BitsRead returns the number of bits consumed so far.
func (r *LSBReader) BitsRead() int {
	return r.pos*8 - r.nbits
}

// Exhausted reports whether every input bit has been consumed.
func (r *LSBReader) Exhausted() bool {
	return r.nbits == 0 && r.pos >= len(r.buf)
}

// Err returns the sticky truncation error, if any.
func (r *LSBReader) Err() error {
	return r.err
}

// LSBWriter accumulates bit fields LSB-first and flushes them 32 bits at a
// time in little-endian byte order, the layout LSBReader expects.
type LSBWriter struct {
	bits uint64 // bit accumulator
	used int    // number of bits used in accumulator
	buf  []byte
}

// NewLSBWriter returns a writer with room for about expectedSize bytes.
func NewLSBWriter(expectedSize int) *LSBWriter {
	if expectedSize < 1024 {
		expectedSize = 1024
	}
	return &LSBWriter{buf: make([]byte, 0, expectedSize)}
}

// WriteBits appends the low n bits of v, 0 <= n <= 32.
func (w *LSBWriter) WriteBits(v uint32, n int) {
	if n <= 0 {
		return
	}
	if w.used >= 32 {
		w.flush32()
	}
	w.bits |= uint64(v&mask32(n)) << uint(w.used)
	w.used += n
}

// WriteBool appends a single bit.
func (w *LSBWriter) WriteBool(b bool) {
	if b {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

func (w *LSBWriter) flush32() {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(w.bits))
	w.bits >>= 32
	w.used -= 32
}

// AlignToByte pads the current byte with zero bits.
func (w *LSBWriter) AlignToByte() {
	if r := w.used % 8; r != 0 {
		w.used += 8 - r
	}
}

// Finish flushes the accumulator, zero-padding the final byte, and
// returns the encoded bytes.
func (w *LSBWriter) Finish() []byte {
	for w.used >= 32 {
		w.flush32()
	}
	for w.used > 0 {
		w.buf = append(w.buf, byte(w.bits))
		w.bits >>= 8
		w.used -= 8
	}
	w.used = 0
	return w.buf
}

// NumBytes returns the encoded size so far, counting a partial byte.
func (w *LSBWriter) NumBytes() int {
	return len(w.buf) + (w.used+7)/8
}
