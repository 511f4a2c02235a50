// Package ico reads Windows icon (ICO) and cursor (CUR) files and writes
// PNG-compressed icons.
package ico

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/formats/bmp"
	"github.com/deepteams/imgcodec/formats/png"
	"github.com/deepteams/imgcodec/raster"
)

const (
	dirSize   = 6
	entrySize = 16
	maxSide   = 256

	typeIcon   = 1
	typeCursor = 2
)

var le = binary.LittleEndian

type entry struct {
	width, height int // 0 in the directory means 256
	bitCount      int
	hotX, hotY    int
	data          []byte
}

func (e entry) area() int { return e.width * e.height }

// dirPrefix reports whether p could start an icon directory.
func dirPrefix(p []byte) bool {
	for i, b := range p[:min(len(p), 4)] {
		if i == 2 && b != typeIcon && b != typeCursor || i != 2 && b != 0 {
			return false
		}
	}
	return true
}

func parseDir(data []byte) (int, []entry, error) {
	if len(data) < dirSize {
		if dirPrefix(data) {
			return 0, nil, fmt.Errorf("ico: directory: %w", codecerr.ErrTruncated)
		}
		return 0, nil, fmt.Errorf("ico: %w: bad directory", codecerr.ErrInvalidFormat)
	}
	typ := int(le.Uint16(data[2:]))
	if le.Uint16(data) != 0 || (typ != typeIcon && typ != typeCursor) {
		return 0, nil, fmt.Errorf("ico: %w: bad directory", codecerr.ErrInvalidFormat)
	}
	n := int(le.Uint16(data[4:]))
	if n == 0 {
		return 0, nil, fmt.Errorf("ico: %w: no images", codecerr.ErrInvalidFormat)
	}
	if len(data) < dirSize+n*entrySize {
		return 0, nil, fmt.Errorf("ico: directory entries: %w", codecerr.ErrTruncated)
	}
	entries := make([]entry, n)
	for i := range entries {
		p := data[dirSize+i*entrySize:]
		e := entry{width: int(p[0]), height: int(p[1])}
		if e.width == 0 {
			e.width = maxSide
		}
		if e.height == 0 {
			e.height = maxSide
		}
		if typ == typeCursor {
			e.hotX, e.hotY = int(le.Uint16(p[4:])), int(le.Uint16(p[6:]))
		} else {
			e.bitCount = int(le.Uint16(p[6:]))
		}
		size, off := int64(le.Uint32(p[8:])), int64(le.Uint32(p[12:]))
		if off < int64(dirSize+n*entrySize) {
			return 0, nil, fmt.Errorf("ico: %w: image %d at offset %d", codecerr.ErrInvalidFormat, i, off)
		}
		if off+size > int64(len(data)) {
			return 0, nil, fmt.Errorf("ico: image %d: %w", i, codecerr.ErrTruncated)
		}
		e.data = data[off : off+size]
		entries[i] = e
	}
	return typ, entries, nil
}

// best picks the largest entry, preferring the deeper one on ties.
func best(entries []entry) int {
	b := 0
	for i, e := range entries[1:] {
		if e.area() > entries[b].area() || e.area() == entries[b].area() && e.bitCount > entries[b].bitCount {
			b = i + 1
		}
	}
	return b
}

// DecodeConfig returns the size of the entry Decode would choose.
func DecodeConfig(data []byte) (width, height int, err error) {
	_, entries, err := parseDir(data)
	if err != nil {
		return 0, 0, err
	}
	e := entries[best(entries)]
	return e.width, e.height, nil
}

// Decode decodes the largest image in the directory. PNG entries decode
// in their own format; bitmap entries decode to RGBA8 with the AND mask
// applied.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	typ, entries, err := parseDir(data)
	if err != nil {
		return nil, err
	}
	e := entries[best(entries)]
	var img *raster.Image
	if bytes.HasPrefix(e.data, []byte(png.Signature)) {
		img, err = png.Decode(e.data, opts)
	} else {
		img, err = bmp.DecodeIcon(e.data, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("ico: %w", err)
	}
	img.Meta.SetExtra("entries", strconv.Itoa(len(entries)))
	if typ == typeCursor {
		img.Meta.SetExtra("hotspot", fmt.Sprintf("%d,%d", e.hotX, e.hotY))
	}
	return img, nil
}

// Encode writes a single-image icon holding img as PNG. Icons are at most
// 256 pixels on each side.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("ico: %w", err)
	}
	if img.Width > maxSide || img.Height > maxSide {
		return nil, fmt.Errorf("ico: %w: %dx%d exceeds %d", codecerr.ErrInvalidDimensions, img.Width, img.Height, maxSide)
	}
	still := *img
	still.Frames = nil
	body, err := png.Encode(&still, opts)
	if err != nil {
		return nil, fmt.Errorf("ico: %w", err)
	}
	out := make([]byte, dirSize+entrySize, dirSize+entrySize+len(body))
	le.PutUint16(out[2:], typeIcon)
	le.PutUint16(out[4:], 1)
	p := out[dirSize:]
	p[0], p[1] = byte(img.Width%maxSide), byte(img.Height%maxSide)
	le.PutUint16(p[4:], 1)
	le.PutUint16(p[6:], uint16(8*img.Format.BytesPerPixel()))
	le.PutUint32(p[8:], uint32(len(body)))
	le.PutUint32(p[12:], dirSize+entrySize)
	return append(out, body...), nil
}
