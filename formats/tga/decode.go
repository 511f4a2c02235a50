// Package tga reads and writes Truevision TGA images: colour-mapped,
// true-colour and grayscale, raw or run-length encoded.
package tga

import (
	"encoding/binary"
	"fmt"
	"image/color"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

const headerSize = 18

// Image types.
const (
	typeColorMapped    = 1
	typeTrueColor      = 2
	typeGray           = 3
	typeRLEColorMapped = 9
	typeRLETrueColor   = 10
	typeRLEGray        = 11
)

// Image descriptor bits.
const (
	descAlphaMask  = 0x0f
	descRightLeft  = 0x10
	descTopBottom  = 0x20
	descInterleave = 0xc0
)

type header struct {
	idLen        int
	colorMapType int
	imageType    int
	cmFirst      int
	cmLen        int
	cmDepth      int
	width        int
	height       int
	depth        int
	descriptor   byte
}

func (h *header) rle() bool { return h.imageType >= typeRLEColorMapped }

// kind strips the RLE flag from the image type.
func (h *header) kind() int {
	if h.rle() {
		return h.imageType - 8
	}
	return h.imageType
}

func (h *header) alphaBits() int { return int(h.descriptor & descAlphaMask) }

func (h *header) colorMapBytes() int {
	if h.colorMapType == 0 {
		return 0
	}
	return h.cmLen * ((h.cmDepth + 7) / 8)
}

func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize {
		return h, fmt.Errorf("tga: header: %w", codecerr.ErrTruncated)
	}
	le := binary.LittleEndian
	h = header{
		idLen:        int(data[0]),
		colorMapType: int(data[1]),
		imageType:    int(data[2]),
		cmFirst:      int(le.Uint16(data[3:])),
		cmLen:        int(le.Uint16(data[5:])),
		cmDepth:      int(data[7]),
		width:        int(le.Uint16(data[12:])),
		height:       int(le.Uint16(data[14:])),
		depth:        int(data[16]),
		descriptor:   data[17],
	}
	return h, h.validate()
}

func (h *header) validate() error {
	if h.colorMapType > 1 {
		return fmt.Errorf("tga: %w: colour map type %d", codecerr.ErrInvalidFormat, h.colorMapType)
	}
	if h.descriptor&descInterleave != 0 {
		return fmt.Errorf("tga: %w: interleaved rows", codecerr.ErrUnsupported)
	}
	switch h.kind() {
	case typeColorMapped:
		if h.colorMapType != 1 {
			return fmt.Errorf("tga: %w: colour-mapped image without a colour map", codecerr.ErrInvalidFormat)
		}
		if h.depth != 8 {
			return fmt.Errorf("tga: %w: %d-bit colour map indices", codecerr.ErrUnsupported, h.depth)
		}
		if h.cmFirst+h.cmLen > raster.MaxPaletteSize || h.cmLen == 0 {
			return fmt.Errorf("tga: %w: colour map %d+%d entries", codecerr.ErrInvalidFormat, h.cmFirst, h.cmLen)
		}
	case typeTrueColor:
		if h.depth != 15 && h.depth != 16 && h.depth != 24 && h.depth != 32 {
			return fmt.Errorf("tga: %w: %d-bit true colour", codecerr.ErrInvalidFormat, h.depth)
		}
	case typeGray:
		if h.depth != 8 {
			return fmt.Errorf("tga: %w: %d-bit grayscale", codecerr.ErrUnsupported, h.depth)
		}
	default:
		return fmt.Errorf("tga: %w: image type %d", codecerr.ErrInvalidFormat, h.imageType)
	}
	if h.colorMapType == 1 {
		switch h.cmDepth {
		case 15, 16, 24, 32:
		default:
			return fmt.Errorf("tga: %w: %d-bit colour map entries", codecerr.ErrInvalidFormat, h.cmDepth)
		}
	}
	return nil
}

// LooksLike reports whether data has a plausible TGA header. TGA has no
// magic number, so this checks that every header field is in range and
// that the ID field and colour map fit in data.
func LooksLike(data []byte) bool {
	h, err := parseHeader(data)
	if err != nil || h.width == 0 || h.height == 0 {
		return false
	}
	return headerSize+h.idLen+h.colorMapBytes() <= len(data)
}

// DecodeConfig returns the image size from the header.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// Decode decodes a TGA image. Colour-mapped images become Indexed8,
// grayscale Gray8, and true colour RGB8 or RGBA8 depending on the alpha
// bits of the descriptor.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(h.width, h.height); err != nil {
		return nil, fmt.Errorf("tga: %w", err)
	}
	off := headerSize
	if len(data) < off+h.idLen {
		return nil, fmt.Errorf("tga: image ID: %w", codecerr.ErrTruncated)
	}
	id := data[off : off+h.idLen]
	off += h.idLen

	var pal raster.Palette
	if n := h.colorMapBytes(); n > 0 {
		if len(data) < off+n {
			return nil, fmt.Errorf("tga: colour map: %w", codecerr.ErrTruncated)
		}
		if h.kind() == typeColorMapped {
			pal = make(raster.Palette, h.cmFirst+h.cmLen)
			for i := range pal[:h.cmFirst] {
				pal[i] = color.NRGBA{A: 0xff}
			}
			size := (h.cmDepth + 7) / 8
			for i := 0; i < h.cmLen; i++ {
				pal[h.cmFirst+i] = readColor(data[off+i*size:], h.cmDepth, h.cmDepth == 32)
			}
		}
		off += n
	}

	bpp := (h.depth + 7) / 8
	raw := make([]byte, h.width*h.height*bpp)
	src := data[off:]
	if h.rle() {
		n, _, err := rle.DecodeFlagged(raw, src, bpp)
		if err != nil {
			return nil, fmt.Errorf("tga: %w", err)
		}
		if n < len(raw) {
			return nil, fmt.Errorf("tga: run-length data: %w", codecerr.ErrTruncated)
		}
	} else if copy(raw, src) < len(raw) {
		return nil, fmt.Errorf("tga: pixel data: %w", codecerr.ErrTruncated)
	}

	var img *raster.Image
	switch h.kind() {
	case typeColorMapped:
		img = raster.New(h.width, h.height, raster.Indexed8)
		copy(img.Pix, raw)
		img.Palette = pal
	case typeGray:
		img = raster.New(h.width, h.height, raster.Gray8)
		copy(img.Pix, raw)
	default:
		alpha := h.alphaBits() > 0 && (h.depth == 32 || h.depth == 16)
		f := raster.RGB8
		if alpha {
			f = raster.RGBA8
		}
		img = raster.New(h.width, h.height, f)
		n := f.BytesPerPixel()
		for i := 0; i < h.width*h.height; i++ {
			c := readColor(raw[i*bpp:], h.depth, alpha)
			copy(img.Pix[i*n:], []byte{c.R, c.G, c.B, c.A}[:n])
		}
	}
	if h.descriptor&descTopBottom == 0 {
		flipRows(img)
	}
	if h.descriptor&descRightLeft != 0 {
		mirror(img)
	}
	if len(id) > 0 {
		img.Meta.Comment = string(id)
	}
	return img, nil
}

// readColor reads one little-endian BGR(A) or 5-5-5 colour.
func readColor(p []byte, depth int, alpha bool) color.NRGBA {
	switch depth {
	case 15, 16:
		v := binary.LittleEndian.Uint16(p)
		c := color.NRGBA{R: expand5(v >> 10), G: expand5(v >> 5), B: expand5(v), A: 0xff}
		if alpha && depth == 16 && v&0x8000 == 0 {
			c.A = 0
		}
		return c
	case 24:
		return color.NRGBA{R: p[2], G: p[1], B: p[0], A: 0xff}
	}
	c := color.NRGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
	if !alpha {
		c.A = 0xff
	}
	return c
}

func expand5(v uint16) uint8 {
	v &= 0x1f
	return uint8(v<<3 | v>>2)
}

func flipRows(img *raster.Image) {
	tmp := make([]byte, img.Stride())
	for y := 0; y < img.Height/2; y++ {
		a, b := img.Row(y), img.Row(img.Height-1-y)
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

func mirror(img *raster.Image) {
	n := img.Format.BytesPerPixel()
	tmp := make([]byte, n)
	for y := 0; y < img.Height; y++ {
		row := img.Row(y)
		for l, r := 0, img.Width-1; l < r; l, r = l+1, r-1 {
			copy(tmp, row[l*n:(l+1)*n])
			copy(row[l*n:(l+1)*n], row[r*n:(r+1)*n])
			copy(row[r*n:(r+1)*n], tmp)
		}
	}
}
