// Package container walks the binary containers used by the supported
// formats: ISOBMFF boxes (AVIF, HEIC, JP2, JPEG XL), RIFF chunks (WebP)
// and TIFF image file directories.
//
// Box and chunk headers share one record contract parameterized by a
// Layout. Every payload range is checked against both the enclosing
// parent range and the buffer before it is returned, and sibling walks
// always advance, so no input can make a walk loop or read out of bounds.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

// FourCC is a four-byte record type tag.
type FourCC [4]byte

// Tag converts a four-character string to a FourCC. Shorter strings are
// space padded.
func Tag(s string) FourCC {
	f := FourCC{' ', ' ', ' ', ' '}
	copy(f[:], s)
	return f
}

func fourCCAt(b []byte) FourCC {
	var f FourCC
	copy(f[:], b)
	return f
}

func (f FourCC) String() string {
	return string(f[:])
}

// Range is a half-open byte range [Start, End) of a buffer.
type Range struct {
	Start, End int
}

// Whole returns the range covering all of buf.
func Whole(buf []byte) Range {
	return Range{0, len(buf)}
}

// Len returns the number of bytes in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

// Layout describes how a record header is encoded.
type Layout struct {
	Order binary.ByteOrder

	// TagFirst puts the tag before the 32-bit size (RIFF). Otherwise the
	// size comes first (ISOBMFF).
	TagFirst bool

	// SizeIncludesHeader is set when the declared size counts the header
	// bytes as well as the payload.
	SizeIncludesHeader bool

	// Extended enables the ISOBMFF special sizes: 1 means a 64-bit size
	// follows the tag, 0 means the record extends to the end of its parent.
	Extended bool

	// Padded rounds odd payload sizes up to an even boundary.
	Padded bool
}

// Predefined layouts.
var (
	ISOBMFF = Layout{Order: binary.BigEndian, SizeIncludesHeader: true, Extended: true}
	RIFF    = Layout{Order: binary.LittleEndian, TagFirst: true, Padded: true}
)

const (
	headerSize         = 8
	extendedHeaderSize = 16
)

// Record locates one box or chunk inside a buffer.
type Record struct {
	Type FourCC

	// Start is the offset of the record header.
	Start int
	// PayloadStart and PayloadEnd delimit the payload.
	PayloadStart int
	PayloadEnd   int
	// End is the offset of the next sibling, including padding.
	End int
}

// Payload returns the record payload bytes.
func (r Record) Payload(buf []byte) []byte {
	return buf[r.PayloadStart:r.PayloadEnd]
}

// PayloadRange returns the payload as a Range, for nested walks.
func (r Record) PayloadRange() Range {
	return Range{r.PayloadStart, r.PayloadEnd}
}

// HeaderLen returns the number of header bytes.
func (r Record) HeaderLen() int {
	return r.PayloadStart - r.Start
}

// Parse reads the record header at off. The record must lie within
// [off, end) and within buf.
func (l Layout) Parse(buf []byte, off, end int) (Record, error) {
	end = min(end, len(buf))
	if off < 0 || off > end {
		return Record{}, fmt.Errorf("container: %w: record offset %d outside parent", codecerr.ErrInvalidFormat, off)
	}
	if end-off < headerSize {
		return Record{}, fmt.Errorf("container: record header at %d: %w", off, codecerr.ErrTruncated)
	}
	var rec Record
	rec.Start = off
	var size uint64
	if l.TagFirst {
		rec.Type = fourCCAt(buf[off:])
		size = uint64(l.Order.Uint32(buf[off+4:]))
	} else {
		size = uint64(l.Order.Uint32(buf[off:]))
		rec.Type = fourCCAt(buf[off+4:])
	}
	hdr := headerSize
	toEnd := false
	if l.Extended {
		switch size {
		case 0:
			toEnd = true
		case 1:
			if end-off < extendedHeaderSize {
				return Record{}, fmt.Errorf("container: %s extended size at %d: %w", rec.Type, off, codecerr.ErrTruncated)
			}
			size = l.Order.Uint64(buf[off+8:])
			hdr = extendedHeaderSize
		}
	}
	rec.PayloadStart = off + hdr

	var total uint64
	switch {
	case toEnd:
		total = uint64(end - off)
	case l.SizeIncludesHeader:
		if size < uint64(hdr) {
			return Record{}, fmt.Errorf("container: %w: %s declares size %d below header size %d", codecerr.ErrInvalidFormat, rec.Type, size, hdr)
		}
		total = size
	default:
		total = size + uint64(hdr)
	}
	if total > uint64(end-off) {
		return Record{}, fmt.Errorf("container: %s at %d declares %d bytes, %d available: %w", rec.Type, off, total, end-off, codecerr.ErrTruncated)
	}
	rec.PayloadEnd = off + int(total)
	rec.End = rec.PayloadEnd
	if l.Padded && (rec.PayloadEnd-rec.PayloadStart)&1 == 1 && rec.End < end {
		rec.End++
	}
	return rec, nil
}

// Walk calls fn for each record in parent, in order. It stops at the end
// of parent, at the first malformed record (returning its error), or when
// fn returns a non-nil error. A walk never advances by zero bytes.
func (l Layout) Walk(buf []byte, parent Range, fn func(Record) error) error {
	end := min(parent.End, len(buf))
	off := parent.Start
	for off < end {
		rec, err := l.Parse(buf, off, end)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		if rec.End <= off {
			return fmt.Errorf("container: %w: %s at %d does not advance", codecerr.ErrInvalidFormat, rec.Type, off)
		}
		off = rec.End
	}
	return nil
}

// Find returns the first record of type typ among the children of parent.
// Malformed siblings end the search with ok == false.
func (l Layout) Find(buf []byte, parent Range, typ FourCC) (Record, bool) {
	var found Record
	ok := false
	l.Walk(buf, parent, func(r Record) error {
		if r.Type == typ {
			found, ok = r, true
			return errStop
		}
		return nil
	})
	return found, ok
}

// FindAll returns every record of type typ among the children of parent.
func (l Layout) FindAll(buf []byte, parent Range, typ FourCC) []Record {
	var out []Record
	l.Walk(buf, parent, func(r Record) error {
		if r.Type == typ {
			out = append(out, r)
		}
		return nil
	})
	return out
}

// FindPath descends through nested records, matching one type per level.
func (l Layout) FindPath(buf []byte, parent Range, path ...FourCC) (Record, bool) {
	var rec Record
	for i, typ := range path {
		r, ok := l.Find(buf, parent, typ)
		if !ok {
			return Record{}, false
		}
		rec = r
		if i < len(path)-1 {
			parent = r.PayloadRange()
		}
	}
	return rec, len(path) > 0
}

var errStop = errors.New("container: stop")

// ParseRecord reads an ISOBMFF box header at off.
func ParseRecord(buf []byte, off int) (Record, error) {
	return ISOBMFF.Parse(buf, off, len(buf))
}

// FindRecord finds the first top-level ISOBMFF box of type typ.
func FindRecord(buf []byte, typ FourCC) (Record, bool) {
	return ISOBMFF.Find(buf, Whole(buf), typ)
}

// FindNestedRecord finds the first ISOBMFF box of type typ directly inside
// parent.
func FindNestedRecord(buf []byte, parent Range, typ FourCC) (Record, bool) {
	return ISOBMFF.Find(buf, parent, typ)
}
