package png

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/deepteams/imgcodec/animation"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/internal/pool"
	"github.com/deepteams/imgcodec/raster"
)

type encoder struct {
	out   []byte
	seq   uint32
	level int
}

func (e *encoder) writeChunk(typ string, data ...[]byte) {
	n := 0
	for _, d := range data {
		n += len(d)
	}
	start := len(e.out)
	e.out = binary.BigEndian.AppendUint32(e.out, uint32(n))
	e.out = append(e.out, typ...)
	for _, d := range data {
		e.out = append(e.out, d...)
	}
	e.out = binary.BigEndian.AppendUint32(e.out, crc32.ChecksumIEEE(e.out[start+4:]))
}

func (e *encoder) nextSeq() []byte {
	b := binary.BigEndian.AppendUint32(nil, e.seq)
	e.seq++
	return b
}

// colourType maps a raster format to the PNG colour type and depth that
// store it without conversion.
func colourType(f raster.PixelFormat) (ct, depth int) {
	switch f {
	case raster.Gray8:
		return ctGray, 8
	case raster.Gray16:
		return ctGray, 16
	case raster.RGB8:
		return ctRGB, 8
	case raster.RGB16:
		return ctRGB, 16
	case raster.RGBA16:
		return ctRGBA, 16
	case raster.Indexed8:
		return ctPalette, 8
	}
	return ctRGBA, 8
}

func compressionLevel(opts *raster.Options) int {
	if opts.GetCompression() == raster.CompressionNone {
		return deflate.NoCompression
	}
	return deflate.DefaultCompression
}

// Encode writes img as PNG, or as APNG when img carries frames. Every
// pixel format is stored at its own depth; animations are written as
// 8-bit RGBA.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("png: %w", err)
	}
	e := &encoder{level: compressionLevel(opts)}
	e.out = append(e.out, Signature...)
	if len(img.Frames) > 0 {
		if err := e.encodeAnimated(img); err != nil {
			return nil, err
		}
		return e.out, nil
	}
	ct, depth := colourType(img.Format)
	e.writeIHDR(img.Width, img.Height, ct, depth)
	e.writeMeta(&img.Meta)
	if ct == ctPalette {
		e.writePalette(img.Palette)
	}
	z, err := e.compressImage(img.Pix, img.Width, img.Height, img.Format.BytesPerPixel())
	if err != nil {
		return nil, err
	}
	e.writeChunk("IDAT", z)
	e.writeChunk("IEND")
	return e.out, nil
}

func (e *encoder) writeIHDR(w, h, ct, depth int) {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], uint32(w))
	binary.BigEndian.PutUint32(ihdr[4:], uint32(h))
	ihdr[8] = byte(depth)
	ihdr[9] = byte(ct)
	e.writeChunk("IHDR", ihdr)
}

func (e *encoder) writeMeta(m *raster.Metadata) {
	if m.ICC != nil {
		if z, err := deflate.Compress(m.ICC, deflate.DefaultCompression); err == nil {
			e.writeChunk("iCCP", []byte("ICC Profile\x00\x00"), z)
		}
	}
	if m.EXIF != nil {
		e.writeChunk("eXIf", m.EXIF)
	}
	if m.Comment != "" {
		e.writeChunk("tEXt", []byte("Comment\x00"), []byte(m.Comment))
	}
}

func (e *encoder) writePalette(p raster.Palette) {
	plte := make([]byte, 3*len(p))
	last := -1
	for i, c := range p {
		plte[3*i], plte[3*i+1], plte[3*i+2] = c.R, c.G, c.B
		if c.A != 0xff {
			last = i
		}
	}
	e.writeChunk("PLTE", plte)
	if last >= 0 {
		trns := make([]byte, last+1)
		for i := range trns {
			trns[i] = p[i].A
		}
		e.writeChunk("tRNS", trns)
	}
}

// compressImage filters every row and deflates the result.
func (e *encoder) compressImage(pix []byte, w, h, bpp int) ([]byte, error) {
	stride := w * bpp
	raw := pool.Get(h * (1 + stride))
	defer pool.Put(raw)
	zero := pool.GetZeroed(stride)
	defer pool.Put(zero)
	scratch := pool.Get(stride)
	defer pool.Put(scratch)
	prev := zero
	for y := 0; y < h; y++ {
		cur := pix[y*stride : (y+1)*stride]
		chooseFilter(raw[y*(1+stride):], cur, prev, scratch, bpp)
		prev = cur
	}
	z, err := deflate.Compress(raw, e.level)
	if err != nil {
		return nil, fmt.Errorf("png: %w", err)
	}
	return z, nil
}

// delayFraction converts d to an fcTL numerator and denominator.
func delayFraction(d time.Duration) (num, den uint16) {
	ms := max(d.Milliseconds(), 0)
	if ms <= 0xffff {
		return uint16(ms), 1000
	}
	return uint16(min(ms/10, 0xffff)), 100
}

func (e *encoder) encodeAnimated(img *raster.Image) error {
	canvases, err := animation.Composite(img, img.Background)
	if err != nil {
		return fmt.Errorf("png: %w", err)
	}
	frames, err := animation.Optimize(canvases, img.Width, img.Height, nil)
	if err != nil {
		return fmt.Errorf("png: %w", err)
	}
	e.writeIHDR(img.Width, img.Height, ctRGBA, 8)
	actl := make([]byte, 8)
	binary.BigEndian.PutUint32(actl, uint32(len(frames)))
	binary.BigEndian.PutUint32(actl[4:], uint32(img.LoopCount))
	e.writeChunk("acTL", actl)
	e.writeMeta(&img.Meta)
	for i := range frames {
		f := &frames[i]
		e.writeFCTL(f)
		z, err := e.compressImage(f.Pix, f.Width, f.Height, 4)
		if err != nil {
			return err
		}
		if i == 0 {
			e.writeChunk("IDAT", z)
		} else {
			e.writeChunk("fdAT", e.nextSeq(), z)
		}
	}
	e.writeChunk("IEND")
	return nil
}

func (e *encoder) writeFCTL(f *raster.Frame) {
	p := make([]byte, 26)
	be := binary.BigEndian
	be.PutUint32(p[0:], e.seq)
	e.seq++
	be.PutUint32(p[4:], uint32(f.Width))
	be.PutUint32(p[8:], uint32(f.Height))
	be.PutUint32(p[12:], uint32(f.XOffset))
	be.PutUint32(p[16:], uint32(f.YOffset))
	num, den := delayFraction(f.Delay)
	be.PutUint16(p[20:], num)
	be.PutUint16(p[22:], den)
	switch f.Dispose {
	case raster.DisposeBackground:
		p[24] = 1
	case raster.DisposePrevious:
		p[24] = 2
	}
	if f.Blend == raster.BlendOver {
		p[25] = 1
	}
	e.writeChunk("fcTL", p)
}
