package container

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/deepteams/imgcodec/codecerr"
)

// FileType is the content of an ISOBMFF ftyp box.
type FileType struct {
	Major      FourCC
	Minor      uint32
	Compatible []FourCC
}

// HasBrand reports whether b is the major brand or a compatible brand.
func (ft FileType) HasBrand(b FourCC) bool {
	return ft.Major == b || slices.Contains(ft.Compatible, b)
}

// ParseFileType reads the leading ftyp box of an ISOBMFF file.
func ParseFileType(buf []byte) (FileType, error) {
	rec, err := ParseRecord(buf, 0)
	if err != nil {
		return FileType{}, err
	}
	if rec.Type != Tag("ftyp") {
		return FileType{}, fmt.Errorf("container: %w: first box is %q, want ftyp", codecerr.ErrInvalidFormat, rec.Type)
	}
	p := rec.Payload(buf)
	if len(p) < 8 {
		return FileType{}, fmt.Errorf("container: ftyp: %w", codecerr.ErrTruncated)
	}
	var ft FileType
	copy(ft.Major[:], p[:4])
	ft.Minor = binary.BigEndian.Uint32(p[4:8])
	for i := 8; i+4 <= len(p); i += 4 {
		var b FourCC
		copy(b[:], p[i:i+4])
		ft.Compatible = append(ft.Compatible, b)
	}
	return ft, nil
}

// FullBox splits the version and flags from a full box payload.
func FullBox(payload []byte) (version uint8, flags uint32, body []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("container: full box header: %w", codecerr.ErrTruncated)
	}
	v := binary.BigEndian.Uint32(payload)
	return uint8(v >> 24), v & 0xffffff, payload[4:], nil
}

// AppendBox appends an ISOBMFF box with the given payload to dst.
func AppendBox(dst []byte, typ FourCC, payload ...[]byte) []byte {
	n := headerSize
	for _, p := range payload {
		n += len(p)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(n))
	dst = append(dst, typ[:]...)
	for _, p := range payload {
		dst = append(dst, p...)
	}
	return dst
}
