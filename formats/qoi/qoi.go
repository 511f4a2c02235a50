// Package qoi reads and writes the Quite OK Image format.
package qoi

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

const (
	magic      = "qoif"
	headerSize = 14
	maxRun     = 62
)

// Op codes. The 2-bit ops are matched under opMask.
const (
	opIndex = 0x00
	opDiff  = 0x40
	opLuma  = 0x80
	opRun   = 0xc0
	opRGB   = 0xfe
	opRGBA  = 0xff
	opMask  = 0xc0
)

// Colour spaces.
const (
	sRGB   = 0
	linear = 1
)

var endMarker = []byte{0, 0, 0, 0, 0, 0, 0, 1}

type pixel [4]uint8

func (p pixel) hash() int {
	return int(p[0]*3+p[1]*5+p[2]*7+p[3]*11) % 64
}

type header struct {
	width, height int
	channels      int
	colorspace    int
}

func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		if len(data) < len(magic) && bytes.HasPrefix([]byte(magic), data) {
			return h, fmt.Errorf("qoi: magic: %w", codecerr.ErrTruncated)
		}
		return h, fmt.Errorf("qoi: %w: missing qoif magic", codecerr.ErrInvalidFormat)
	}
	if len(data) < headerSize {
		return h, fmt.Errorf("qoi: header: %w", codecerr.ErrTruncated)
	}
	w := binary.BigEndian.Uint32(data[4:])
	ht := binary.BigEndian.Uint32(data[8:])
	h = header{width: int(w), height: int(ht), channels: int(data[12]), colorspace: int(data[13])}
	if w > 1<<31-1 || ht > 1<<31-1 {
		return h, fmt.Errorf("qoi: %w: %dx%d", codecerr.ErrInvalidDimensions, w, ht)
	}
	if h.channels != 3 && h.channels != 4 {
		return h, fmt.Errorf("qoi: %w: %d channels", codecerr.ErrInvalidFormat, h.channels)
	}
	if h.colorspace > linear {
		return h, fmt.Errorf("qoi: %w: colorspace %d", codecerr.ErrInvalidFormat, h.colorspace)
	}
	return h, nil
}

// DecodeConfig returns the image size from the header.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// Decode decodes a QOI image into RGB8 or RGBA8, following the channel
// count of the header.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	f := raster.RGBA8
	if h.channels == 3 {
		f = raster.RGB8
	}
	img, err := opts.NewImage(h.width, h.height, f)
	if err != nil {
		return nil, fmt.Errorf("qoi: %w", err)
	}
	if h.colorspace == linear {
		img.Meta.SetExtra("colorspace", "linear")
	} else {
		img.Meta.SetExtra("colorspace", "srgb")
	}

	var index [64]pixel
	px := pixel{0, 0, 0, 0xff}
	src := data[headerSize:]
	s, run := 0, 0
	bpp := h.channels
	for d := 0; d < len(img.Pix); d += bpp {
		if run > 0 {
			run--
		} else {
			if s >= len(src) {
				return nil, fmt.Errorf("qoi: pixel data: %w", codecerr.ErrTruncated)
			}
			b := src[s]
			s++
			switch {
			case b == opRGB:
				if s+3 > len(src) {
					return nil, fmt.Errorf("qoi: rgb op: %w", codecerr.ErrTruncated)
				}
				copy(px[:3], src[s:s+3])
				s += 3
			case b == opRGBA:
				if s+4 > len(src) {
					return nil, fmt.Errorf("qoi: rgba op: %w", codecerr.ErrTruncated)
				}
				copy(px[:], src[s:s+4])
				s += 4
			case b&opMask == opIndex:
				px = index[b]
			case b&opMask == opDiff:
				px[0] += b>>4&3 - 2
				px[1] += b>>2&3 - 2
				px[2] += b&3 - 2
			case b&opMask == opLuma:
				if s >= len(src) {
					return nil, fmt.Errorf("qoi: luma op: %w", codecerr.ErrTruncated)
				}
				dg := b&0x3f - 32
				b2 := src[s]
				s++
				px[0] += dg - 8 + b2>>4
				px[1] += dg
				px[2] += dg - 8 + b2&0x0f
			default:
				run = int(b & 0x3f)
			}
			index[px.hash()] = px
		}
		copy(img.Pix[d:d+bpp], px[:bpp])
	}
	if len(src)-s < len(endMarker) {
		return nil, fmt.Errorf("qoi: end marker: %w", codecerr.ErrTruncated)
	}
	if !bytes.Equal(src[s:s+len(endMarker)], endMarker) {
		return nil, fmt.Errorf("qoi: %w: bad end marker", codecerr.ErrInvalidFormat)
	}
	return img, nil
}

// Encode writes img as QOI. Images without an alpha channel are written
// with three channels. Colour space defaults to sRGB unless the metadata
// says "linear".
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("qoi: %w", err)
	}
	if img.Width > 1<<31-1 || img.Height > 1<<31-1 {
		return nil, fmt.Errorf("qoi: %w: %dx%d", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}
	f, channels := raster.RGBA8, 4
	if !img.Format.HasAlpha() && img.Opaque() {
		f, channels = raster.RGB8, 3
	}
	src, err := img.Convert(f)
	if err != nil {
		return nil, fmt.Errorf("qoi: %w", err)
	}
	cs := byte(sRGB)
	if img.Meta.Extra["colorspace"] == "linear" {
		cs = linear
	}

	out := make([]byte, 0, headerSize+len(src.Pix)+len(src.Pix)/channels+len(endMarker))
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint32(out, uint32(img.Width))
	out = binary.BigEndian.AppendUint32(out, uint32(img.Height))
	out = append(out, byte(channels), cs)

	var index [64]pixel
	prev := pixel{0, 0, 0, 0xff}
	run := 0
	n := len(src.Pix) / channels
	for i := 0; i < n; i++ {
		px := pixel{0, 0, 0, 0xff}
		copy(px[:], src.Pix[i*channels:(i+1)*channels])
		if px == prev {
			run++
			if run == maxRun || i == n-1 {
				out = append(out, opRun|byte(run-1))
				run = 0
			}
			continue
		}
		if run > 0 {
			out = append(out, opRun|byte(run-1))
			run = 0
		}
		h := px.hash()
		switch {
		case index[h] == px:
			out = append(out, opIndex|byte(h))
		case px[3] != prev[3]:
			out = append(out, opRGBA, px[0], px[1], px[2], px[3])
		default:
			dr := int8(px[0] - prev[0])
			dg := int8(px[1] - prev[1])
			db := int8(px[2] - prev[2])
			dgr, dgb := dr-dg, db-dg
			switch {
			case dr >= -2 && dr <= 1 && dg >= -2 && dg <= 1 && db >= -2 && db <= 1:
				out = append(out, opDiff|byte(dr+2)<<4|byte(dg+2)<<2|byte(db+2))
			case dg >= -32 && dg <= 31 && dgr >= -8 && dgr <= 7 && dgb >= -8 && dgb <= 7:
				out = append(out, opLuma|byte(dg+32), byte(dgr+8)<<4|byte(dgb+8))
			default:
				out = append(out, opRGB, px[0], px[1], px[2])
			}
		}
		index[h] = px
		prev = px
	}
	return append(out, endMarker...), nil
}
