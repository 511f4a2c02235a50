package container

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/deepteams/imgcodec/codecerr"
)

// FieldType is a TIFF IFD entry data type.
type FieldType uint16

// TIFF field types.
const (
	TypeByte      FieldType = 1
	TypeASCII     FieldType = 2
	TypeShort     FieldType = 3
	TypeLong      FieldType = 4
	TypeRational  FieldType = 5
	TypeSByte     FieldType = 6
	TypeUndefined FieldType = 7
	TypeSShort    FieldType = 8
	TypeSLong     FieldType = 9
	TypeSRational FieldType = 10
	TypeFloat     FieldType = 11
	TypeDouble    FieldType = 12
	TypeIFD       FieldType = 13
)

// Size returns the byte size of one value, or 0 for unknown types.
func (t FieldType) Size() int {
	switch t {
	case TypeByte, TypeASCII, TypeSByte, TypeUndefined:
		return 1
	case TypeShort, TypeSShort:
		return 2
	case TypeLong, TypeSLong, TypeFloat, TypeIFD:
		return 4
	case TypeRational, TypeSRational, TypeDouble:
		return 8
	}
	return 0
}

const (
	ifdEntrySize = 12
	// MaxIFDs bounds the length of an IFD chain.
	MaxIFDs = 1024
)

// IFDEntry is one 12-byte directory record.
type IFDEntry struct {
	Tag   uint16
	Type  FieldType
	Count uint32
	// Value holds the raw 4 value/offset bytes.
	Value [4]byte
}

// IFD is a parsed image file directory.
type IFD struct {
	Offset  uint32
	Entries []IFDEntry
	Next    uint32
}

// Find returns the entry with the given tag.
func (d *IFD) Find(tag uint16) (IFDEntry, bool) {
	for _, e := range d.Entries {
		if e.Tag == tag {
			return e, true
		}
	}
	return IFDEntry{}, false
}

// ParseTIFFHeader reads the 8-byte TIFF header, returning the byte order
// and the offset of the first IFD.
func ParseTIFFHeader(buf []byte) (binary.ByteOrder, uint32, error) {
	if len(buf) < 8 {
		return nil, 0, fmt.Errorf("tiff header: %w", codecerr.ErrTruncated)
	}
	var order binary.ByteOrder
	switch string(buf[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, 0, fmt.Errorf("%w: bad tiff byte order mark", codecerr.ErrInvalidFormat)
	}
	if order.Uint16(buf[2:]) != 42 {
		return nil, 0, fmt.Errorf("%w: bad tiff magic", codecerr.ErrInvalidFormat)
	}
	return order, order.Uint32(buf[4:]), nil
}

// ReadIFD parses the directory at off.
func ReadIFD(buf []byte, order binary.ByteOrder, off uint32) (IFD, error) {
	if uint64(off)+2 > uint64(len(buf)) {
		return IFD{}, fmt.Errorf("ifd at %d: %w", off, codecerr.ErrTruncated)
	}
	n := int(order.Uint16(buf[off:]))
	start := int(off) + 2
	if start+n*ifdEntrySize+4 > len(buf) {
		return IFD{}, fmt.Errorf("ifd at %d with %d entries: %w", off, n, codecerr.ErrTruncated)
	}
	d := IFD{Offset: off, Entries: make([]IFDEntry, n)}
	for i := range d.Entries {
		p := buf[start+i*ifdEntrySize:]
		e := &d.Entries[i]
		e.Tag = order.Uint16(p)
		e.Type = FieldType(order.Uint16(p[2:]))
		e.Count = order.Uint32(p[4:])
		copy(e.Value[:], p[8:12])
	}
	d.Next = order.Uint32(buf[start+n*ifdEntrySize:])
	return d, nil
}

// ReadIFDChain follows Next pointers from first, refusing cycles and
// chains longer than MaxIFDs.
func ReadIFDChain(buf []byte, order binary.ByteOrder, first uint32) ([]IFD, error) {
	seen := make(map[uint32]bool)
	var out []IFD
	for off := first; off != 0; {
		if seen[off] {
			return out, fmt.Errorf("%w: ifd chain loops at %d", codecerr.ErrInvalidFormat, off)
		}
		if len(out) == MaxIFDs {
			return out, fmt.Errorf("%w: more than %d ifds", codecerr.ErrInvalidFormat, MaxIFDs)
		}
		seen[off] = true
		d, err := ReadIFD(buf, order, off)
		if err != nil {
			return out, err
		}
		out = append(out, d)
		off = d.Next
	}
	return out, nil
}

// Bytes returns the raw value bytes, resolving the inline-or-offset rule:
// values that fit in four bytes are stored in the entry itself.
func (e IFDEntry) Bytes(buf []byte, order binary.ByteOrder) ([]byte, error) {
	sz := e.Type.Size()
	if sz == 0 {
		return nil, fmt.Errorf("%w: tag %d has unknown type %d", codecerr.ErrUnsupported, e.Tag, e.Type)
	}
	n := uint64(e.Count) * uint64(sz)
	if n <= 4 {
		return e.Value[:n], nil
	}
	off := uint64(order.Uint32(e.Value[:]))
	if off+n > uint64(len(buf)) {
		return nil, fmt.Errorf("tag %d value at %d+%d: %w", e.Tag, off, n, codecerr.ErrTruncated)
	}
	return buf[off : off+n], nil
}

// Uints returns integer values widened to uint32. Rational values yield
// numerator and denominator pairs.
func (e IFDEntry) Uints(buf []byte, order binary.ByteOrder) ([]uint32, error) {
	b, err := e.Bytes(buf, order)
	if err != nil {
		return nil, err
	}
	var out []uint32
	switch e.Type {
	case TypeByte, TypeUndefined, TypeSByte:
		out = make([]uint32, len(b))
		for i, v := range b {
			out[i] = uint32(v)
		}
	case TypeShort, TypeSShort:
		out = make([]uint32, e.Count)
		for i := range out {
			out[i] = uint32(order.Uint16(b[2*i:]))
		}
	case TypeLong, TypeSLong, TypeIFD, TypeRational, TypeSRational:
		out = make([]uint32, len(b)/4)
		for i := range out {
			out[i] = order.Uint32(b[4*i:])
		}
	default:
		return nil, fmt.Errorf("%w: tag %d of type %d is not integral", codecerr.ErrInvalidFormat, e.Tag, e.Type)
	}
	return out, nil
}

// Uint returns the first integer value.
func (e IFDEntry) Uint(buf []byte, order binary.ByteOrder) (uint32, error) {
	v, err := e.Uints(buf, order)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("%w: tag %d has no values", codecerr.ErrInvalidFormat, e.Tag)
	}
	return v[0], nil
}

// Float returns the first value of a rational or floating-point entry.
func (e IFDEntry) Float(buf []byte, order binary.ByteOrder) (float64, error) {
	b, err := e.Bytes(buf, order)
	if err != nil {
		return 0, err
	}
	if len(b) < e.Type.Size() || e.Count == 0 {
		return 0, fmt.Errorf("%w: tag %d has no values", codecerr.ErrInvalidFormat, e.Tag)
	}
	switch e.Type {
	case TypeRational:
		d := order.Uint32(b[4:])
		if d == 0 {
			return 0, nil
		}
		return float64(order.Uint32(b)) / float64(d), nil
	case TypeFloat:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case TypeDouble:
		return math.Float64frombits(order.Uint64(b)), nil
	}
	v, err := e.Uint(buf, order)
	return float64(v), err
}

// String returns an ASCII value without its NUL terminator.
func (e IFDEntry) String(buf []byte, order binary.ByteOrder) (string, error) {
	b, err := e.Bytes(buf, order)
	if err != nil {
		return "", err
	}
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b), nil
}
