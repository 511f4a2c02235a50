// Package gif reads and writes GIF87a/GIF89a images, including
// animations.
package gif

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"strconv"
	"time"

	"github.com/deepteams/imgcodec/animation"
	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/lzw"
	"github.com/deepteams/imgcodec/raster"
)

const (
	headerLen = 13

	sepExtension = 0x21
	sepImage     = 0x2c
	sepTrailer   = 0x3b

	extGraphicControl = 0xf9
	extComment        = 0xfe
	extApplication    = 0xff

	fColorTable  = 0x80
	fInterlace   = 0x40
	fTransparent = 0x01

	centisecond = 10 * time.Millisecond
)

// Disposal methods as stored in the graphic control extension.
const (
	disposalNone       = 1
	disposalBackground = 2
	disposalPrevious   = 3
)

type control struct {
	delay   time.Duration
	dispose raster.DisposeOp
	trans   int // -1 when absent
}

type frame struct {
	x, y, w, h int
	palette    raster.Palette
	pix        []byte
	ctl        control
}

type decoder struct {
	opts *raster.Options
	data []byte
	off  int

	width, height int
	global        raster.Palette
	bgIndex       int
	loop          int // -1 without a NETSCAPE extension
	comment       string

	ctl    control
	frames []frame
}

func truncated(what string) error {
	return fmt.Errorf("gif: %s: %w", what, codecerr.ErrTruncated)
}

// Decode decodes a GIF. A single frame covering the canvas decodes to
// Indexed8; anything else decodes to the first composited RGBA8 canvas
// with the raw frames in Frames.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	d := &decoder{opts: opts, data: data, loop: -1}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	if err := d.readBlocks(); err != nil {
		return nil, err
	}
	return d.image()
}

// DecodeConfig reads only the logical screen descriptor.
func DecodeConfig(data []byte) (width, height int, err error) {
	d := &decoder{data: data}
	if err := d.readHeader(); err != nil {
		return 0, 0, err
	}
	return d.width, d.height, nil
}

func (d *decoder) readHeader() error {
	if len(d.data) < 6 {
		return truncated("header")
	}
	if v := string(d.data[:6]); v != "GIF87a" && v != "GIF89a" {
		return fmt.Errorf("gif: %w: bad signature", codecerr.ErrInvalidFormat)
	}
	if len(d.data) < headerLen {
		return truncated("logical screen descriptor")
	}
	d.width = int(binary.LittleEndian.Uint16(d.data[6:]))
	d.height = int(binary.LittleEndian.Uint16(d.data[8:]))
	if err := d.opts.CheckDimensions(d.width, d.height); err != nil {
		return fmt.Errorf("gif: %w", err)
	}
	flags := d.data[10]
	d.bgIndex = int(d.data[11])
	d.off = headerLen
	if flags&fColorTable != 0 {
		p, err := d.readPalette(flags)
		if err != nil {
			return err
		}
		d.global = p
	}
	return nil
}

func (d *decoder) readPalette(flags byte) (raster.Palette, error) {
	n := 2 << (flags & 7)
	if d.off+3*n > len(d.data) {
		return nil, truncated("colour table")
	}
	p := make(raster.Palette, n)
	for i := range p {
		c := d.data[d.off+3*i:]
		p[i] = color.NRGBA{R: c[0], G: c[1], B: c[2], A: 0xff}
	}
	d.off += 3 * n
	return p, nil
}

// readSubBlocks concatenates a data sub-block chain.
func (d *decoder) readSubBlocks() ([]byte, error) {
	var out []byte
	for {
		if d.off >= len(d.data) {
			return nil, truncated("data sub-block")
		}
		n := int(d.data[d.off])
		d.off++
		if n == 0 {
			return out, nil
		}
		if d.off+n > len(d.data) {
			return nil, truncated("data sub-block")
		}
		out = append(out, d.data[d.off:d.off+n]...)
		d.off += n
	}
}

func (d *decoder) readBlocks() error {
	d.ctl = control{trans: -1}
	for {
		if d.off >= len(d.data) {
			return truncated("missing trailer")
		}
		sep := d.data[d.off]
		d.off++
		switch sep {
		case sepExtension:
			if err := d.readExtension(); err != nil {
				return err
			}
		case sepImage:
			if err := d.readImage(); err != nil {
				return fmt.Errorf("gif: frame %d: %w", len(d.frames), err)
			}
		case sepTrailer:
			if len(d.frames) == 0 {
				return fmt.Errorf("gif: %w: no image data", codecerr.ErrInvalidFormat)
			}
			return nil
		default:
			return fmt.Errorf("gif: %w: unknown block type 0x%02x", codecerr.ErrInvalidFormat, sep)
		}
	}
}

func (d *decoder) readExtension() error {
	if d.off >= len(d.data) {
		return truncated("extension label")
	}
	label := d.data[d.off]
	d.off++
	body, err := d.readSubBlocks()
	if err != nil {
		return err
	}
	switch label {
	case extGraphicControl:
		if len(body) < 4 {
			return fmt.Errorf("gif: %w: graphic control extension is %d bytes", codecerr.ErrInvalidFormat, len(body))
		}
		flags := body[0]
		d.ctl.delay = time.Duration(binary.LittleEndian.Uint16(body[1:])) * centisecond
		switch (flags >> 2) & 7 {
		case disposalBackground:
			d.ctl.dispose = raster.DisposeBackground
		case disposalPrevious:
			d.ctl.dispose = raster.DisposePrevious
		default:
			d.ctl.dispose = raster.DisposeNone
		}
		d.ctl.trans = -1
		if flags&fTransparent != 0 {
			d.ctl.trans = int(body[3])
		}
	case extComment:
		if d.comment == "" {
			d.comment = string(body)
		}
	case extApplication:
		// The sub-block chain joins the 11-byte identifier with its data.
		if len(body) >= 14 && (string(body[:11]) == "NETSCAPE2.0" || string(body[:11]) == "ANIMEXTS1.0") && body[11] == 1 {
			d.loop = int(binary.LittleEndian.Uint16(body[12:]))
		}
	}
	return nil
}

func (d *decoder) readImage() error {
	if d.off+9 > len(d.data) {
		return truncated("image descriptor")
	}
	desc := d.data[d.off:]
	f := frame{
		x:   int(binary.LittleEndian.Uint16(desc[0:])),
		y:   int(binary.LittleEndian.Uint16(desc[2:])),
		w:   int(binary.LittleEndian.Uint16(desc[4:])),
		h:   int(binary.LittleEndian.Uint16(desc[6:])),
		ctl: d.ctl,
	}
	flags := desc[8]
	d.off += 9
	d.ctl = control{trans: -1}
	if err := d.opts.CheckDimensions(f.w, f.h); err != nil {
		return err
	}
	if err := d.opts.CheckFrames(len(d.frames) + 1); err != nil {
		return err
	}
	f.palette = d.global
	if flags&fColorTable != 0 {
		p, err := d.readPalette(flags)
		if err != nil {
			return err
		}
		f.palette = p
	}
	if len(f.palette) == 0 {
		return fmt.Errorf("%w: no colour table", codecerr.ErrInvalidFormat)
	}
	if d.off >= len(d.data) {
		return truncated("LZW code size")
	}
	litWidth := int(d.data[d.off])
	d.off++
	if litWidth < 2 || litWidth > 8 {
		return fmt.Errorf("%w: LZW minimum code size %d", codecerr.ErrInvalidFormat, litWidth)
	}
	comp, err := d.readSubBlocks()
	if err != nil {
		return err
	}
	n := f.w * f.h
	pix, err := lzw.Decode(comp, lzw.LSB, litWidth, false, n)
	if len(pix) < n {
		if err == nil || lzw.IsTruncated(err) {
			return fmt.Errorf("%d of %d pixels: %w", len(pix), n, codecerr.ErrTruncated)
		}
		return err
	}
	for _, v := range pix {
		if int(v) >= len(f.palette) {
			return fmt.Errorf("%w: pixel index %d outside %d-entry palette", codecerr.ErrInvalidFormat, v, len(f.palette))
		}
	}
	if flags&fInterlace != 0 {
		pix = deinterlace(pix, f.w, f.h)
	}
	f.pix = pix
	d.frames = append(d.frames, f)
	return nil
}

// deinterlace reorders rows stored in the four interlace passes.
func deinterlace(src []byte, w, h int) []byte {
	dst := make([]byte, len(src))
	row := 0
	for _, p := range [...]struct{ start, step int }{{0, 8}, {4, 8}, {2, 4}, {1, 2}} {
		for y := p.start; y < h; y += p.step {
			copy(dst[y*w:(y+1)*w], src[row*w:(row+1)*w])
			row++
		}
	}
	return dst
}

// rgba expands f into an RGBA8 frame; the transparent index becomes
// alpha 0 and blends over the canvas.
func (f *frame) rgba() raster.Frame {
	out := raster.NewFrame(f.w, f.h)
	out.XOffset, out.YOffset = f.x, f.y
	out.Delay = f.ctl.delay
	out.Dispose = f.ctl.dispose
	out.Blend = raster.BlendOver
	for i, v := range f.pix {
		if int(v) == f.ctl.trans {
			continue
		}
		c := f.palette[v]
		copy(out.Pix[4*i:], []byte{c.R, c.G, c.B, 0xff})
	}
	return out
}

// loopCount maps the NETSCAPE repeat count to total plays.
func loopCount(n int) int {
	switch {
	case n < 0:
		return 1
	case n == 0:
		return 0
	}
	return n + 1
}

func (d *decoder) image() (*raster.Image, error) {
	var img *raster.Image
	first := &d.frames[0]
	if len(d.frames) == 1 && first.x == 0 && first.y == 0 && first.w == d.width && first.h == d.height {
		img = &raster.Image{Width: d.width, Height: d.height, Format: raster.Indexed8, Pix: first.pix}
		img.Palette = append(raster.Palette(nil), first.palette...)
		if t := first.ctl.trans; t >= 0 && t < len(img.Palette) {
			img.Palette[t].A = 0
		}
	} else {
		frames := make([]raster.Frame, len(d.frames))
		for i := range d.frames {
			frames[i] = d.frames[i].rgba()
		}
		c, err := animation.NewCompositor(d.width, d.height, color.NRGBA{})
		if err != nil {
			return nil, fmt.Errorf("gif: %w", err)
		}
		canvas, err := c.Next(&frames[0])
		if err != nil {
			return nil, fmt.Errorf("gif: %w", err)
		}
		img = &raster.Image{Width: d.width, Height: d.height, Format: raster.RGBA8, Pix: canvas.Pix}
		if len(frames) > 1 {
			img.Frames = frames
		}
	}
	img.LoopCount = loopCount(d.loop)
	img.Meta.Comment = d.comment
	if d.global != nil {
		img.Meta.SetExtra("background_index", strconv.Itoa(d.bgIndex))
	}
	return img, nil
}
