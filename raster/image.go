// Package raster defines the in-memory image model every codec in the
// module decodes into and encodes from.
//
// An Image owns one contiguous pixel buffer in one of a small set of pixel
// formats. Sixteen-bit samples are stored big-endian, matching PNG, TIFF (MM)
// and PSD. Animated formats additionally carry an ordered list of Frames; the
// animation package composites them onto a canvas.
package raster

import (
	"fmt"
	"image"
	"image/color"

	"github.com/deepteams/imgcodec/codecerr"
)

// PixelFormat identifies the layout of one pixel in Image.Pix.
type PixelFormat uint8

// Supported pixel formats.
const (
	FormatInvalid PixelFormat = iota
	Gray8
	Gray16
	RGB8
	RGB16
	RGBA8
	RGBA16
	Indexed8
)

// BytesPerPixel returns the number of bytes one pixel occupies, or 0 for an
// invalid format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Gray8, Indexed8:
		return 1
	case Gray16:
		return 2
	case RGB8:
		return 3
	case RGBA8:
		return 4
	case RGB16:
		return 6
	case RGBA16:
		return 8
	}
	return 0
}

// Channels returns the number of samples per pixel.
func (f PixelFormat) Channels() int {
	switch f {
	case Gray8, Gray16, Indexed8:
		return 1
	case RGB8, RGB16:
		return 3
	case RGBA8, RGBA16:
		return 4
	}
	return 0
}

// Depth returns the sample depth in bits.
func (f PixelFormat) Depth() int {
	switch f {
	case Gray16, RGB16, RGBA16:
		return 16
	case FormatInvalid:
		return 0
	}
	return 8
}

// HasAlpha reports whether the format carries an alpha sample.
func (f PixelFormat) HasAlpha() bool {
	return f == RGBA8 || f == RGBA16
}

// IsGray reports whether the format is single-channel grayscale.
func (f PixelFormat) IsGray() bool {
	return f == Gray8 || f == Gray16
}

// Valid reports whether f names a known format.
func (f PixelFormat) Valid() bool {
	return f.BytesPerPixel() != 0
}

// String returns a short human-readable name.
func (f PixelFormat) String() string {
	switch f {
	case Gray8:
		return "gray8"
	case Gray16:
		return "gray16"
	case RGB8:
		return "rgb8"
	case RGB16:
		return "rgb16"
	case RGBA8:
		return "rgba8"
	case RGBA16:
		return "rgba16"
	case Indexed8:
		return "indexed8"
	}
	return fmt.Sprintf("PixelFormat(%d)", uint8(f))
}

// MaxPaletteSize is the largest palette an Indexed8 image may carry.
const MaxPaletteSize = 256

// Palette is an ordered list of non-premultiplied RGBA entries.
type Palette []color.NRGBA

// ColorPalette converts p to a color.Palette for use with image/draw.
func (p Palette) ColorPalette() color.Palette {
	cp := make(color.Palette, len(p))
	for i, c := range p {
		cp[i] = c
	}
	return cp
}

// Metadata carries container-level information that is not pixel data.
type Metadata struct {
	ICC  []byte
	EXIF []byte
	XMP  []byte

	// Comment holds a free-text comment (PNG tEXt, JPEG COM, GIF comment).
	Comment string

	// Placeholder is set when the pixel data is a deterministic
	// substitute for a payload this module cannot decode.
	Placeholder bool

	// Extra holds format-specific key/value facts (codec name, brand,
	// bit depth of the source) surfaced by the CLI info command.
	Extra map[string]string
}

// SetExtra records a format-specific fact, allocating the map on demand.
func (m *Metadata) SetExtra(key, value string) {
	if m.Extra == nil {
		m.Extra = make(map[string]string)
	}
	m.Extra[key] = value
}

// Image is a raster image with a contiguous pixel buffer.
type Image struct {
	Width  int
	Height int
	Format PixelFormat

	// Pix holds Height rows of Width pixels, no padding between rows.
	Pix []byte

	// Palette is required iff Format is Indexed8.
	Palette Palette

	// Frames holds the raw animation frames, in display order. Pix holds
	// the first composited canvas when Frames is non-empty.
	Frames []Frame

	// LoopCount is the number of animation loops (0 = infinite).
	LoopCount int

	// Background is the canvas background colour of an animation.
	Background color.NRGBA

	Meta Metadata
}

// New allocates an image without checking limits. Decoders should use
// Options.NewImage, which validates attacker-controlled dimensions first.
func New(width, height int, f PixelFormat) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Format: f,
		Pix:    make([]byte, width*height*f.BytesPerPixel()),
	}
}

// Stride returns the number of bytes per row.
func (m *Image) Stride() int {
	return m.Width * m.Format.BytesPerPixel()
}

// PixOffset returns the index of the first byte of pixel (x, y).
func (m *Image) PixOffset(x, y int) int {
	return y*m.Stride() + x*m.Format.BytesPerPixel()
}

// Row returns the bytes of row y.
func (m *Image) Row(y int) []byte {
	s := m.Stride()
	return m.Pix[y*s : (y+1)*s]
}

// Validate checks the buffer-length and palette invariants.
func (m *Image) Validate() error {
	if !m.Format.Valid() {
		return fmt.Errorf("raster: %w: unknown pixel format %d", codecerr.ErrInvalidFormat, m.Format)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("raster: %w: %dx%d", codecerr.ErrInvalidDimensions, m.Width, m.Height)
	}
	if want := m.Width * m.Height * m.Format.BytesPerPixel(); len(m.Pix) != want {
		return fmt.Errorf("raster: %w: pixel buffer is %d bytes, want %d", codecerr.ErrInvalidFormat, len(m.Pix), want)
	}
	if m.Format == Indexed8 {
		if len(m.Palette) == 0 || len(m.Palette) > MaxPaletteSize {
			return fmt.Errorf("raster: %w: indexed image with %d palette entries", codecerr.ErrInvalidFormat, len(m.Palette))
		}
	}
	for i := range m.Frames {
		if err := m.Frames[i].Validate(); err != nil {
			return fmt.Errorf("raster: frame %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Image) Clone() *Image {
	c := *m
	c.Pix = append([]byte(nil), m.Pix...)
	if m.Palette != nil {
		c.Palette = append(Palette(nil), m.Palette...)
	}
	if m.Frames != nil {
		c.Frames = make([]Frame, len(m.Frames))
		for i, f := range m.Frames {
			c.Frames[i] = f
			c.Frames[i].Pix = append([]byte(nil), f.Pix...)
		}
	}
	return &c
}

// ColorModel implements image.Image.
func (m *Image) ColorModel() color.Model {
	switch m.Format {
	case Gray8:
		return color.GrayModel
	case Gray16:
		return color.Gray16Model
	case RGB16, RGBA16:
		return color.NRGBA64Model
	case Indexed8:
		return m.Palette.ColorPalette()
	}
	return color.NRGBAModel
}

// Bounds implements image.Image.
func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// At implements image.Image.
func (m *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return color.NRGBA{}
	}
	i := m.PixOffset(x, y)
	p := m.Pix
	switch m.Format {
	case Gray8:
		return color.Gray{Y: p[i]}
	case Gray16:
		return color.Gray16{Y: uint16(p[i])<<8 | uint16(p[i+1])}
	case RGB8:
		return color.NRGBA{R: p[i], G: p[i+1], B: p[i+2], A: 0xff}
	case RGBA8:
		return color.NRGBA{R: p[i], G: p[i+1], B: p[i+2], A: p[i+3]}
	case RGB16:
		return color.NRGBA64{R: be16(p[i:]), G: be16(p[i+2:]), B: be16(p[i+4:]), A: 0xffff}
	case RGBA16:
		return color.NRGBA64{R: be16(p[i:]), G: be16(p[i+2:]), B: be16(p[i+4:]), A: be16(p[i+6:])}
	case Indexed8:
		if int(p[i]) < len(m.Palette) {
			return m.Palette[p[i]]
		}
	}
	return color.NRGBA{}
}

// NRGBAAt returns pixel (x, y) reduced to 8-bit non-premultiplied RGBA.
func (m *Image) NRGBAAt(x, y int) color.NRGBA {
	r, g, b, a := m.sample16(m.PixOffset(x, y))
	return color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}

func be16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func put16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
