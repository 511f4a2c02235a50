package raster

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/deepteams/imgcodec/codecerr"
)

// sample16 reads the pixel starting at byte offset i as 16-bit
// non-premultiplied RGBA.
func (m *Image) sample16(i int) (r, g, b, a uint16) {
	p := m.Pix
	switch m.Format {
	case Gray8:
		v := uint16(p[i]) * 0x101
		return v, v, v, 0xffff
	case Gray16:
		v := be16(p[i:])
		return v, v, v, 0xffff
	case RGB8:
		return uint16(p[i]) * 0x101, uint16(p[i+1]) * 0x101, uint16(p[i+2]) * 0x101, 0xffff
	case RGBA8:
		return uint16(p[i]) * 0x101, uint16(p[i+1]) * 0x101, uint16(p[i+2]) * 0x101, uint16(p[i+3]) * 0x101
	case RGB16:
		return be16(p[i:]), be16(p[i+2:]), be16(p[i+4:]), 0xffff
	case RGBA16:
		return be16(p[i:]), be16(p[i+2:]), be16(p[i+4:]), be16(p[i+6:])
	case Indexed8:
		if int(p[i]) < len(m.Palette) {
			c := m.Palette[p[i]]
			return uint16(c.R) * 0x101, uint16(c.G) * 0x101, uint16(c.B) * 0x101, uint16(c.A) * 0x101
		}
	}
	return 0, 0, 0, 0
}

// store16 writes 16-bit non-premultiplied RGBA into a pixel of a
// non-indexed format.
func store16(f PixelFormat, p []byte, r, g, b, a uint16) {
	switch f {
	case Gray8:
		p[0] = uint8(luma16(r, g, b) >> 8)
	case Gray16:
		put16(p, luma16(r, g, b))
	case RGB8:
		p[0], p[1], p[2] = uint8(r>>8), uint8(g>>8), uint8(b>>8)
	case RGBA8:
		p[0], p[1], p[2], p[3] = uint8(r>>8), uint8(g>>8), uint8(b>>8), uint8(a>>8)
	case RGB16:
		put16(p, r)
		put16(p[2:], g)
		put16(p[4:], b)
	case RGBA16:
		put16(p, r)
		put16(p[2:], g)
		put16(p[4:], b)
		put16(p[6:], a)
	}
}

// luma16 uses the same weights as color.GrayModel.
func luma16(r, g, b uint16) uint16 {
	return uint16((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
}

// Convert returns a copy of m in pixel format f. Conversion to Indexed8
// succeeds only when m has at most 256 distinct colours; lossy palette
// reduction is left to the encoder that needs it.
func (m *Image) Convert(f PixelFormat) (*Image, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("raster: %w: convert to %v", codecerr.ErrUnsupported, f)
	}
	if f == m.Format {
		return m.Clone(), nil
	}
	if f == Indexed8 {
		return m.toIndexed()
	}
	out := &Image{
		Width:      m.Width,
		Height:     m.Height,
		Format:     f,
		Pix:        make([]byte, m.Width*m.Height*f.BytesPerPixel()),
		Frames:     m.Frames,
		LoopCount:  m.LoopCount,
		Background: m.Background,
		Meta:       m.Meta,
	}
	sbpp, dbpp := m.Format.BytesPerPixel(), f.BytesPerPixel()
	n := m.Width * m.Height
	for i := 0; i < n; i++ {
		r, g, b, a := m.sample16(i * sbpp)
		store16(f, out.Pix[i*dbpp:], r, g, b, a)
	}
	return out, nil
}

func (m *Image) toIndexed() (*Image, error) {
	out := &Image{
		Width:      m.Width,
		Height:     m.Height,
		Format:     Indexed8,
		Pix:        make([]byte, m.Width*m.Height),
		Frames:     m.Frames,
		LoopCount:  m.LoopCount,
		Background: m.Background,
		Meta:       m.Meta,
	}
	index := make(map[color.NRGBA]uint8)
	bpp := m.Format.BytesPerPixel()
	for i := range out.Pix {
		r, g, b, a := m.sample16(i * bpp)
		c := color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
		idx, ok := index[c]
		if !ok {
			if len(out.Palette) == MaxPaletteSize {
				return nil, fmt.Errorf("raster: %w: more than %d colours", codecerr.ErrUnsupported, MaxPaletteSize)
			}
			idx = uint8(len(out.Palette))
			index[c] = idx
			out.Palette = append(out.Palette, c)
		}
		out.Pix[i] = idx
	}
	if len(out.Palette) == 0 {
		out.Palette = Palette{{}}
	}
	return out, nil
}

// Opaque reports whether every pixel of m is fully opaque.
func (m *Image) Opaque() bool {
	switch m.Format {
	case RGBA8:
		for i := 3; i < len(m.Pix); i += 4 {
			if m.Pix[i] != 0xff {
				return false
			}
		}
		return true
	case RGBA16:
		for i := 6; i < len(m.Pix); i += 8 {
			if m.Pix[i] != 0xff || m.Pix[i+1] != 0xff {
				return false
			}
		}
		return true
	case Indexed8:
		for _, c := range m.Palette {
			if c.A != 0xff {
				return false
			}
		}
	}
	return true
}

// ToNRGBA converts m into a standard library *image.NRGBA.
func (m *Image) ToNRGBA() *image.NRGBA {
	dst := image.NewNRGBA(m.Bounds())
	bpp := m.Format.BytesPerPixel()
	for i := 0; i < m.Width*m.Height; i++ {
		r, g, b, a := m.sample16(i * bpp)
		dst.Pix[4*i+0] = uint8(r >> 8)
		dst.Pix[4*i+1] = uint8(g >> 8)
		dst.Pix[4*i+2] = uint8(b >> 8)
		dst.Pix[4*i+3] = uint8(a >> 8)
	}
	return dst
}

// FromImage converts any image.Image into a raster Image, choosing the
// pixel format that preserves the source's precision.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	switch s := src.(type) {
	case *Image:
		return s.Clone()
	case *image.Gray:
		m := New(w, h, Gray8)
		for y := 0; y < h; y++ {
			o := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(m.Row(y), s.Pix[o:o+w])
		}
		return m
	case *image.Gray16:
		m := New(w, h, Gray16)
		for y := 0; y < h; y++ {
			o := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(m.Row(y), s.Pix[o:o+2*w])
		}
		return m
	case *image.Paletted:
		if len(s.Palette) > 0 && len(s.Palette) <= MaxPaletteSize {
			m := New(w, h, Indexed8)
			for y := 0; y < h; y++ {
				o := s.PixOffset(b.Min.X, b.Min.Y+y)
				copy(m.Row(y), s.Pix[o:o+w])
			}
			m.Palette = make(Palette, len(s.Palette))
			for i, c := range s.Palette {
				m.Palette[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
			}
			return m
		}
	case *image.NRGBA:
		m := New(w, h, RGBA8)
		for y := 0; y < h; y++ {
			o := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(m.Row(y), s.Pix[o:o+4*w])
		}
		return m
	case *image.NRGBA64:
		m := New(w, h, RGBA16)
		for y := 0; y < h; y++ {
			o := s.PixOffset(b.Min.X, b.Min.Y+y)
			copy(m.Row(y), s.Pix[o:o+8*w])
		}
		return m
	case *image.RGBA64:
		m := New(w, h, RGBA16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBA64Model.Convert(s.RGBA64At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
				store16(RGBA16, m.Pix[m.PixOffset(x, y):], c.R, c.G, c.B, c.A)
			}
		}
		return m
	case *image.YCbCr:
		m := New(w, h, RGB8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := s.YCbCrAt(b.Min.X+x, b.Min.Y+y)
				r, g, bb := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				i := m.PixOffset(x, y)
				m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, bb
			}
		}
		return m
	}
	nrgba := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(nrgba, nrgba.Bounds(), src, b.Min, draw.Src)
	m := New(w, h, RGBA8)
	copy(m.Pix, nrgba.Pix)
	return m
}
