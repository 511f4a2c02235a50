// Package dds reads DirectDraw Surface textures: DXT1/3/5 block
// compression and uncompressed bit-masked RGB(A), luminance and alpha
// surfaces, including the DX10 header extension. Only the top mip level
// of the first surface is decoded. Encode writes uncompressed 32-bit RGBA.
package dds

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/dxt"
	"github.com/deepteams/imgcodec/raster"
)

const (
	magic       = "DDS "
	headerSize  = 124
	pfSize      = 32
	dx10Size    = 20
	dataOffset  = 4 + headerSize
	maxTexWidth = 1 << 16
)

// Header flags.
const (
	flagCaps        = 0x1
	flagHeight      = 0x2
	flagWidth       = 0x4
	flagPitch       = 0x8
	flagPixelFormat = 0x1000
)

// Pixel format flags.
const (
	pfAlphaPixels = 0x1
	pfAlpha       = 0x2
	pfFourCC      = 0x4
	pfRGB         = 0x40
	pfLuminance   = 0x20000
)

const capsTexture = 0x1000

// DXGI formats accepted in a DX10 header.
const (
	dxgiR8G8B8A8     = 28
	dxgiR8G8B8A8SRGB = 29
	dxgiBC1          = 71
	dxgiBC1SRGB      = 72
	dxgiBC2          = 74
	dxgiBC2SRGB      = 75
	dxgiBC3          = 77
	dxgiBC3SRGB      = 78
	dxgiB8G8R8A8     = 87
	dxgiB8G8R8A8SRGB = 91
)

var le = binary.LittleEndian

type pixelFormat struct {
	flags    uint32
	fourCC   string
	bitCount int
	masks    [4]uint32 // R, G, B, A
}

type header struct {
	width, height int
	mipMaps       int
	pf            pixelFormat
	dxgi          uint32
	dataStart     int
}

// compression returns the block size and decoder of a compressed surface,
// or zero when the surface is uncompressed.
func (h *header) compression() (int, func(dst []byte, stride, w, h int, src []byte) error, error) {
	name := h.pf.fourCC
	if name == "DX10" {
		switch h.dxgi {
		case dxgiBC1, dxgiBC1SRGB:
			name = "DXT1"
		case dxgiBC2, dxgiBC2SRGB:
			name = "DXT3"
		case dxgiBC3, dxgiBC3SRGB:
			name = "DXT5"
		default:
			return 0, nil, nil
		}
	}
	switch name {
	case "DXT1":
		return dxt.DXT1BlockSize, dxt.DecodeDXT1, nil
	case "DXT3":
		return dxt.DXT3BlockSize, dxt.DecodeDXT3, nil
	case "DXT5":
		return dxt.DXT5BlockSize, dxt.DecodeDXT5, nil
	case "":
		return 0, nil, nil
	}
	return 0, nil, fmt.Errorf("dds: %w: FourCC %q", codecerr.ErrUnsupported, name)
}

func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < len(magic) || string(data[:4]) != magic {
		if len(data) < len(magic) && string(data) == magic[:len(data)] {
			return h, fmt.Errorf("dds: magic: %w", codecerr.ErrTruncated)
		}
		return h, fmt.Errorf("dds: %w: missing DDS magic", codecerr.ErrInvalidFormat)
	}
	if len(data) < dataOffset {
		return h, fmt.Errorf("dds: header: %w", codecerr.ErrTruncated)
	}
	p := data[4:]
	if le.Uint32(p) != headerSize || le.Uint32(p[72:]) != pfSize {
		return h, fmt.Errorf("dds: %w: header size %d", codecerr.ErrInvalidFormat, le.Uint32(p))
	}
	h.height = int(le.Uint32(p[8:]))
	h.width = int(le.Uint32(p[12:]))
	h.mipMaps = int(le.Uint32(p[24:]))
	pf := p[72:]
	h.pf.flags = le.Uint32(pf[4:])
	if h.pf.flags&pfFourCC != 0 {
		h.pf.fourCC = string(pf[8:12])
	}
	h.pf.bitCount = int(le.Uint32(pf[12:]))
	for i := range h.pf.masks {
		h.pf.masks[i] = le.Uint32(pf[16+4*i:])
	}
	h.dataStart = dataOffset
	if h.pf.fourCC == "DX10" {
		if len(data) < dataOffset+dx10Size {
			return h, fmt.Errorf("dds: DX10 header: %w", codecerr.ErrTruncated)
		}
		h.dxgi = le.Uint32(data[dataOffset:])
		h.dataStart += dx10Size
		switch h.dxgi {
		case dxgiR8G8B8A8, dxgiR8G8B8A8SRGB:
			h.pf.bitCount, h.pf.flags = 32, pfRGB|pfAlphaPixels
			h.pf.masks = [4]uint32{0xff, 0xff00, 0xff0000, 0xff000000}
		case dxgiB8G8R8A8, dxgiB8G8R8A8SRGB:
			h.pf.bitCount, h.pf.flags = 32, pfRGB|pfAlphaPixels
			h.pf.masks = [4]uint32{0xff0000, 0xff00, 0xff, 0xff000000}
		case dxgiBC1, dxgiBC1SRGB, dxgiBC2, dxgiBC2SRGB, dxgiBC3, dxgiBC3SRGB:
		default:
			return h, fmt.Errorf("dds: %w: DXGI format %d", codecerr.ErrUnsupported, h.dxgi)
		}
	}
	return h, nil
}

// DecodeConfig returns the texture size from the header.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// Decode decodes the top mip level. Block-compressed and alpha surfaces
// decode to RGBA8, opaque masked RGB to RGB8 and luminance to Gray8.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(h.width, h.height); err != nil {
		return nil, fmt.Errorf("dds: %w", err)
	}
	bs, decodeBlocks, err := h.compression()
	if err != nil {
		return nil, err
	}
	src := data[h.dataStart:]

	var img *raster.Image
	if decodeBlocks != nil {
		img = raster.New(h.width, h.height, raster.RGBA8)
		if err := decodeBlocks(img.Pix, img.Stride(), h.width, h.height, src); err != nil {
			return nil, fmt.Errorf("dds: %w", err)
		}
	} else if img, err = decodeMasked(&h, src); err != nil {
		return nil, err
	}
	if h.pf.fourCC != "" {
		img.Meta.SetExtra("fourcc", h.pf.fourCC)
		if bs > 0 {
			img.Meta.SetExtra("block_size", strconv.Itoa(bs))
		}
	}
	if h.mipMaps > 1 {
		img.Meta.SetExtra("mipmaps", strconv.Itoa(h.mipMaps))
	}
	return img, nil
}

func decodeMasked(h *header, src []byte) (*raster.Image, error) {
	pf := &h.pf
	switch pf.bitCount {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("dds: %w: %d bits per pixel", codecerr.ErrUnsupported, pf.bitCount)
	}
	if pf.flags&(pfRGB|pfLuminance|pfAlpha) == 0 {
		return nil, fmt.Errorf("dds: %w: pixel format flags %#x", codecerr.ErrUnsupported, pf.flags)
	}
	bpp := pf.bitCount / 8
	pitch := h.width * bpp
	if len(src) < pitch*h.height {
		return nil, fmt.Errorf("dds: pixel data: %w", codecerr.ErrTruncated)
	}
	hasAlpha := pf.flags&(pfAlphaPixels|pfAlpha) != 0 && pf.masks[3] != 0
	r, g, b, a := newField(pf.masks[0]), newField(pf.masks[1]), newField(pf.masks[2]), newField(pf.masks[3])

	var f raster.PixelFormat
	switch {
	case hasAlpha:
		f = raster.RGBA8
	case pf.flags&pfLuminance != 0:
		f = raster.Gray8
	default:
		f = raster.RGB8
	}
	img := raster.New(h.width, h.height, f)
	n := f.BytesPerPixel()
	for y := 0; y < h.height; y++ {
		row := src[y*pitch:]
		out := img.Row(y)
		for x := 0; x < h.width; x++ {
			var v uint32
			for i := bpp - 1; i >= 0; i-- {
				v = v<<8 | uint32(row[x*bpp+i])
			}
			var px [4]uint8
			switch {
			case pf.flags&pfLuminance != 0:
				l := r.extract(v)
				px = [4]uint8{l, l, l, a.extract(v)}
			case pf.flags&pfRGB != 0:
				px = [4]uint8{r.extract(v), g.extract(v), b.extract(v), a.extract(v)}
			default: // alpha only
				px = [4]uint8{0, 0, 0, a.extract(v)}
			}
			copy(out[x*n:(x+1)*n], px[:n])
		}
	}
	return img, nil
}

// field extracts one masked channel.
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

// extract scales the channel to 8 bits. A zero mask reads as opaque.
func (f field) extract(v uint32) uint8 {
	if f.mask == 0 {
		return 0xff
	}
	x := (v & f.mask) >> f.shift
	if f.width >= 8 {
		return uint8(x >> (f.width - 8))
	}
	return uint8(x * 0xff / (1<<f.width - 1))
}

// Encode writes img as an uncompressed 32-bit A8R8G8B8 texture without
// mipmaps.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("dds: %w", err)
	}
	if img.Width > maxTexWidth || img.Height > maxTexWidth {
		return nil, fmt.Errorf("dds: %w: %dx%d", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}
	src, err := img.Convert(raster.RGBA8)
	if err != nil {
		return nil, fmt.Errorf("dds: %w", err)
	}
	out := make([]byte, dataOffset, dataOffset+len(src.Pix))
	copy(out, magic)
	p := out[4:]
	le.PutUint32(p, headerSize)
	le.PutUint32(p[4:], flagCaps|flagHeight|flagWidth|flagPitch|flagPixelFormat)
	le.PutUint32(p[8:], uint32(img.Height))
	le.PutUint32(p[12:], uint32(img.Width))
	le.PutUint32(p[16:], uint32(img.Width*4))
	pf := p[72:]
	le.PutUint32(pf, pfSize)
	le.PutUint32(pf[4:], pfRGB|pfAlphaPixels)
	le.PutUint32(pf[12:], 32)
	le.PutUint32(pf[16:], 0x00ff0000)
	le.PutUint32(pf[20:], 0x0000ff00)
	le.PutUint32(pf[24:], 0x000000ff)
	le.PutUint32(pf[28:], 0xff000000)
	le.PutUint32(p[104:], capsTexture)
	for i := 0; i < len(src.Pix); i += 4 {
		out = append(out, src.Pix[i+2], src.Pix[i+1], src.Pix[i], src.Pix[i+3])
	}
	return out, nil
}
