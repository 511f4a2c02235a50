// Package bmp reads and writes Windows and OS/2 bitmaps.
package bmp

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"math/bits"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/formats/jpeg"
	"github.com/deepteams/imgcodec/formats/png"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

const fileHeaderLen = 14

// DIB header sizes.
const (
	coreHeaderLen = 12
	infoHeaderLen = 40
	v3HeaderLen   = 56
	v4HeaderLen   = 108
	v5HeaderLen   = 124
)

// Compression methods.
const (
	biRGB            = 0
	biRLE8           = 1
	biRLE4           = 2
	biBitfields      = 3
	biJPEG           = 4
	biPNG            = 5
	biAlphaBitfields = 6
)

// lcsEmbedded marks a V5 header whose ICC profile is stored in the file.
const lcsEmbedded = 0x4d424544 // "MBED"

type header struct {
	size          int
	width, height int
	topDown       bool
	bpp           int
	compression   int
	imageSize     int
	colorsUsed    int
	masks         [4]uint32 // R, G, B, A
	hasMasks      bool
	iccOff        int
	iccLen        int
}

func truncated(what string) error {
	return fmt.Errorf("bmp: %s: %w", what, codecerr.ErrTruncated)
}

// Decode decodes a BMP file.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	if len(data) < 2 || data[0] != 'B' || data[1] != 'M' {
		return nil, fmt.Errorf("bmp: %w: missing BM signature", codecerr.ErrInvalidFormat)
	}
	if len(data) < fileHeaderLen {
		return nil, truncated("file header")
	}
	pixOff := int(binary.LittleEndian.Uint32(data[10:]))
	dib := data[fileHeaderLen:]
	h, palEnd, err := parseHeader(dib)
	if err != nil {
		return nil, err
	}
	pal, err := readPalette(dib, &h, palEnd)
	if err != nil {
		return nil, err
	}
	if pixOff < fileHeaderLen+h.size || pixOff > len(data) {
		return nil, fmt.Errorf("bmp: %w: pixel data offset %d", codecerr.ErrInvalidFormat, pixOff)
	}
	img, err := decodePixels(data[pixOff:], &h, pal, opts)
	if err != nil {
		return nil, err
	}
	if h.iccLen > 0 {
		start := fileHeaderLen + h.iccOff
		if start < fileHeaderLen || start+h.iccLen > len(data) || start+h.iccLen < start {
			return nil, truncated("ICC profile")
		}
		img.Meta.ICC = append([]byte(nil), data[start:start+h.iccLen]...)
	}
	return img, nil
}

// DecodeConfig reads only the headers.
func DecodeConfig(data []byte) (width, height int, err error) {
	if len(data) < fileHeaderLen || data[0] != 'B' || data[1] != 'M' {
		return 0, 0, fmt.Errorf("bmp: %w: missing BM signature", codecerr.ErrInvalidFormat)
	}
	h, _, err := parseHeader(data[fileHeaderLen:])
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// parseHeader reads a DIB header and returns the offset where the colour
// table begins.
func parseHeader(dib []byte) (header, int, error) {
	var h header
	if len(dib) < 4 {
		return h, 0, truncated("DIB header size")
	}
	h.size = int(binary.LittleEndian.Uint32(dib))
	if h.size < coreHeaderLen || h.size > len(dib) {
		if h.size >= coreHeaderLen && h.size <= v5HeaderLen {
			return h, 0, truncated("DIB header")
		}
		return h, 0, fmt.Errorf("bmp: %w: DIB header size %d", codecerr.ErrInvalidFormat, h.size)
	}
	if h.size == coreHeaderLen {
		h.width = int(binary.LittleEndian.Uint16(dib[4:]))
		h.height = int(binary.LittleEndian.Uint16(dib[6:]))
		h.bpp = int(binary.LittleEndian.Uint16(dib[10:]))
		return h, h.size, h.validate()
	}
	if h.size < infoHeaderLen {
		return h, 0, fmt.Errorf("bmp: %w: DIB header size %d", codecerr.ErrInvalidFormat, h.size)
	}
	h.width = int(int32(binary.LittleEndian.Uint32(dib[4:])))
	h.height = int(int32(binary.LittleEndian.Uint32(dib[8:])))
	if h.height < 0 {
		h.height = -h.height
		h.topDown = true
	}
	h.bpp = int(binary.LittleEndian.Uint16(dib[14:]))
	h.compression = int(binary.LittleEndian.Uint32(dib[16:]))
	h.imageSize = int(binary.LittleEndian.Uint32(dib[20:]))
	h.colorsUsed = int(binary.LittleEndian.Uint32(dib[32:]))
	end := h.size

	if h.compression == biBitfields || h.compression == biAlphaBitfields {
		n := 3
		if h.compression == biAlphaBitfields {
			n = 4
		}
		// Version 3 and later headers hold the masks; older ones are
		// followed by them.
		off := infoHeaderLen
		if h.size == infoHeaderLen {
			if len(dib) < end+4*n {
				return h, 0, truncated("colour masks")
			}
			end += 4 * n
		} else if h.size < infoHeaderLen+4*n {
			return h, 0, fmt.Errorf("bmp: %w: header too short for masks", codecerr.ErrInvalidFormat)
		}
		for i := 0; i < n; i++ {
			h.masks[i] = binary.LittleEndian.Uint32(dib[off+4*i:])
		}
		h.hasMasks = true
	}
	if h.size >= v3HeaderLen && h.compression != biBitfields && h.compression != biAlphaBitfields {
		// An explicit alpha mask on an uncompressed 32-bit bitmap.
		if a := binary.LittleEndian.Uint32(dib[52:]); a != 0 && h.bpp == 32 {
			h.masks = [4]uint32{0x00ff0000, 0x0000ff00, 0x000000ff, a}
			h.hasMasks = true
		}
	} else if h.size >= v3HeaderLen && h.compression == biBitfields {
		h.masks[3] = binary.LittleEndian.Uint32(dib[52:])
	}
	if h.size >= v5HeaderLen && binary.LittleEndian.Uint32(dib[56:]) == lcsEmbedded {
		h.iccOff = int(binary.LittleEndian.Uint32(dib[112:]))
		h.iccLen = int(binary.LittleEndian.Uint32(dib[116:]))
	}
	return h, end, h.validate()
}

func (h *header) validate() error {
	if h.width <= 0 || h.height <= 0 {
		return fmt.Errorf("bmp: %w: %dx%d", codecerr.ErrInvalidDimensions, h.width, h.height)
	}
	switch h.bpp {
	case 1, 2, 4, 8, 24:
	case 16, 32:
		if h.size == coreHeaderLen {
			return fmt.Errorf("bmp: %w: %d bpp in an OS/2 bitmap", codecerr.ErrUnsupported, h.bpp)
		}
	default:
		if h.compression != biJPEG && h.compression != biPNG {
			return fmt.Errorf("bmp: %w: %d bits per pixel", codecerr.ErrUnsupported, h.bpp)
		}
	}
	switch h.compression {
	case biRGB, biJPEG, biPNG:
	case biRLE8, biRLE4:
		if (h.compression == biRLE8) != (h.bpp == 8) || (h.compression == biRLE4) != (h.bpp == 4) {
			return fmt.Errorf("bmp: %w: RLE compression with %d bpp", codecerr.ErrInvalidFormat, h.bpp)
		}
		if h.topDown {
			return fmt.Errorf("bmp: %w: top-down RLE bitmap", codecerr.ErrInvalidFormat)
		}
	case biBitfields, biAlphaBitfields:
		if h.bpp != 16 && h.bpp != 32 {
			return fmt.Errorf("bmp: %w: bit fields with %d bpp", codecerr.ErrInvalidFormat, h.bpp)
		}
	default:
		return fmt.Errorf("bmp: %w: compression %d", codecerr.ErrUnsupported, h.compression)
	}
	return nil
}

// readPalette reads the colour table at off. OS/2 tables use 3-byte
// entries.
func readPalette(dib []byte, h *header, off int) (raster.Palette, error) {
	if h.bpp == 0 || h.bpp > 8 {
		return nil, nil
	}
	n := h.colorsUsed
	if n == 0 || n > 1<<h.bpp {
		n = 1 << h.bpp
	}
	entry := 4
	if h.size == coreHeaderLen {
		entry = 3
	}
	if off+n*entry > len(dib) {
		return nil, truncated("colour table")
	}
	pal := make(raster.Palette, n)
	for i := range pal {
		c := dib[off+i*entry:]
		pal[i] = color.NRGBA{R: c[2], G: c[1], B: c[0], A: 0xff}
	}
	return pal, nil
}

func rowSize(width, bpp int) int {
	return (width*bpp + 31) / 32 * 4
}

// decodePixels converts the pixel array to a raster image.
func decodePixels(src []byte, h *header, pal raster.Palette, opts *raster.Options) (*raster.Image, error) {
	switch h.compression {
	case biJPEG:
		img, err := jpeg.Decode(src, opts)
		if err != nil {
			return nil, fmt.Errorf("bmp: embedded JPEG: %w", err)
		}
		return img, nil
	case biPNG:
		img, err := png.Decode(src, opts)
		if err != nil {
			return nil, fmt.Errorf("bmp: embedded PNG: %w", err)
		}
		return img, nil
	}

	var f raster.PixelFormat
	switch {
	case h.bpp <= 8:
		f = raster.Indexed8
	case h.hasMasks && h.masks[3] != 0:
		f = raster.RGBA8
	default:
		f = raster.RGB8
	}
	img, err := opts.NewImage(h.width, h.height, f)
	if err != nil {
		return nil, fmt.Errorf("bmp: %w", err)
	}
	img.Palette = pal

	switch h.compression {
	case biRLE8, biRLE4:
		decode := rle.DecodeBMP8
		if h.compression == biRLE4 {
			decode = rle.DecodeBMP4
		}
		if err := decode(img.Pix, h.width, h.width, h.height, src); err != nil {
			return nil, fmt.Errorf("bmp: %w", err)
		}
		flip(img)
		fixPalette(img)
		return img, nil
	}

	stride := rowSize(h.width, h.bpp)
	if stride*h.height > len(src) {
		return nil, truncated("pixel data")
	}
	var unpack func(dst, row []byte)
	switch h.bpp {
	case 1, 2, 4:
		unpack = func(dst, row []byte) { unpackIndices(dst, row, h.bpp) }
	case 8:
		unpack = func(dst, row []byte) { copy(dst, row) }
	case 24:
		unpack = func(dst, row []byte) {
			for x := 0; x < len(dst); x += 3 {
				dst[x], dst[x+1], dst[x+2] = row[x+2], row[x+1], row[x]
			}
		}
	default:
		masks := h.masks
		if !h.hasMasks {
			if h.bpp == 16 {
				masks = [4]uint32{0x7c00, 0x03e0, 0x001f, 0}
			} else {
				masks = [4]uint32{0x00ff0000, 0x0000ff00, 0x000000ff, 0}
			}
		}
		fields := [4]field{newField(masks[0]), newField(masks[1]), newField(masks[2]), newField(masks[3])}
		bpp, channels := h.bpp/8, f.Channels()
		unpack = func(dst, row []byte) {
			for x := 0; x*channels < len(dst); x++ {
				var v uint32
				if bpp == 2 {
					v = uint32(binary.LittleEndian.Uint16(row[2*x:]))
				} else {
					v = binary.LittleEndian.Uint32(row[4*x:])
				}
				for c := 0; c < channels; c++ {
					dst[x*channels+c] = fields[c].extract(v)
				}
			}
		}
	}
	for y := 0; y < h.height; y++ {
		sy := h.height - 1 - y
		if h.topDown {
			sy = y
		}
		unpack(img.Row(y), src[sy*stride:(sy+1)*stride])
	}
	if f == raster.Indexed8 {
		fixPalette(img)
	}
	return img, nil
}

// unpackIndices expands MSB-first packed indices.
func unpackIndices(dst, row []byte, bpp int) {
	perByte := 8 / bpp
	mask := byte(1<<bpp - 1)
	for x := range dst {
		shift := 8 - bpp*(x%perByte+1)
		dst[x] = row[x/perByte] >> shift & mask
	}
}

// flip reverses the row order of a bottom-up bitmap.
func flip(img *raster.Image) {
	for y := 0; y < img.Height/2; y++ {
		a, b := img.Row(y), img.Row(img.Height-1-y)
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
}

// fixPalette extends a short colour table with black so every index
// used by the pixel data resolves.
func fixPalette(img *raster.Image) {
	top := 0
	for _, v := range img.Pix {
		top = max(top, int(v))
	}
	for len(img.Palette) <= top {
		img.Palette = append(img.Palette, color.NRGBA{A: 0xff})
	}
}

// field extracts one channel from a bit-field pixel.
type field struct {
	mask  uint32
	shift int
	width int
}

func newField(mask uint32) field {
	if mask == 0 {
		return field{}
	}
	shift := bits.TrailingZeros32(mask)
	return field{mask: mask, shift: shift, width: bits.OnesCount32(mask >> shift)}
}

// extract scales the field value to 8 bits. A zero mask yields opaque.
func (f field) extract(v uint32) uint8 {
	if f.mask == 0 {
		return 0xff
	}
	x := (v & f.mask) >> f.shift
	if f.width >= 8 {
		return uint8(x >> (f.width - 8))
	}
	// Replicate the high bits into the low ones.
	out := uint32(0)
	for n := 8; n > 0; n -= f.width {
		if n >= f.width {
			out |= x << (n - f.width)
		} else {
			out |= x >> (f.width - n)
		}
	}
	return uint8(out)
}

// DecodeIcon decodes the bitmap of an ICO or CUR entry: a DIB without a
// file header whose height covers the colour bitmap and the 1-bit AND
// mask that follows it. The result is RGBA8.
func DecodeIcon(dib []byte, opts *raster.Options) (*raster.Image, error) {
	h, palEnd, err := parseHeader(dib)
	if err != nil {
		return nil, err
	}
	if h.compression != biRGB && h.compression != biBitfields {
		return nil, fmt.Errorf("bmp: %w: icon compression %d", codecerr.ErrUnsupported, h.compression)
	}
	h.height /= 2
	if h.height == 0 {
		return nil, fmt.Errorf("bmp: %w: icon height", codecerr.ErrInvalidDimensions)
	}
	if h.bpp == 32 && !h.hasMasks {
		h.masks = [4]uint32{0x00ff0000, 0x0000ff00, 0x000000ff, 0xff000000}
		h.hasMasks = true
	}
	pal, err := readPalette(dib, &h, palEnd)
	if err != nil {
		return nil, err
	}
	pixOff := palEnd + 4*len(pal)
	src := dib[pixOff:]
	img, err := decodePixels(src, &h, pal, opts)
	if err != nil {
		return nil, err
	}
	if img.Format != raster.RGBA8 {
		if img, err = img.Convert(raster.RGBA8); err != nil {
			return nil, fmt.Errorf("bmp: %w", err)
		}
	} else {
		// Icons from before alpha support leave the channel zero.
		allZero := true
		for i := 3; i < len(img.Pix) && allZero; i += 4 {
			allZero = img.Pix[i] == 0
		}
		if !allZero {
			return img, nil
		}
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
	}

	mask := src[rowSize(h.width, h.bpp)*h.height:]
	stride := rowSize(h.width, 1)
	if len(mask) < stride*h.height {
		// Some writers omit the mask of 32-bit icons.
		return img, nil
	}
	for y := 0; y < h.height; y++ {
		row := mask[(h.height-1-y)*stride:]
		for x := 0; x < h.width; x++ {
			if row[x/8]&(0x80>>(x%8)) != 0 {
				img.Pix[img.PixOffset(x, y)+3] = 0
			}
		}
	}
	return img, nil
}
