package gif

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"math/bits"
	"time"

	"golang.org/x/image/draw"

	"github.com/deepteams/imgcodec/animation"
	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/lzw"
	"github.com/deepteams/imgcodec/raster"
)

// maxDelay is the longest delay a graphic control extension holds.
const maxDelay = 0xffff * centisecond

// alphaThreshold splits RGBA alpha into opaque and transparent.
const alphaThreshold = 0x80

type encoder struct {
	out []byte
}

// indexed is one frame reduced to palette indices.
type indexed struct {
	pix     []byte
	palette raster.Palette
	trans   int
}

// Encode writes img as GIF89a. Images with Frames become animations;
// colours beyond the 256-entry palette limit are dithered.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("gif: %w", err)
	}
	if img.Width > 0xffff || img.Height > 0xffff {
		return nil, fmt.Errorf("gif: %w: %dx%d", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}
	e := &encoder{}
	e.out = append(e.out, "GIF89a"...)
	e.out = binary.LittleEndian.AppendUint16(e.out, uint16(img.Width))
	e.out = binary.LittleEndian.AppendUint16(e.out, uint16(img.Height))
	if len(img.Frames) == 0 {
		q, err := quantizeImage(img)
		if err != nil {
			return nil, err
		}
		size := paletteBits(len(q.palette))
		e.out = append(e.out, fColorTable|byte(size-1), 0, 0)
		e.writePalette(q.palette, size)
		if q.trans >= 0 {
			e.writeControl(0, disposalNone, q.trans)
		}
		e.writeComment(img.Meta.Comment)
		if err := e.writeImage(q, image.Rect(0, 0, img.Width, img.Height), size, false); err != nil {
			return nil, err
		}
	} else {
		e.out = append(e.out, 0, 0, 0)
		e.writeLoop(img.LoopCount)
		e.writeComment(img.Meta.Comment)
		if err := e.encodeFrames(img); err != nil {
			return nil, err
		}
	}
	e.out = append(e.out, sepTrailer)
	return e.out, nil
}

// encodeFrames composites the animation and stores the canvases. Opaque
// animations store only the changed rectangle of each canvas. Canvases
// with transparency are stored whole and cleared after display, since a
// GIF frame cannot make an opaque pixel transparent again.
func (e *encoder) encodeFrames(img *raster.Image) error {
	canvases, err := animation.Composite(img, color.NRGBA{})
	if err != nil {
		return fmt.Errorf("gif: %w", err)
	}
	opaque := true
	for _, c := range canvases {
		for i := 3; i < len(c.Pix) && opaque; i += 4 {
			opaque = c.Pix[i] >= alphaThreshold
		}
	}
	frames := canvases
	disposal := disposalBackground
	if opaque {
		frames, err = animation.Optimize(canvases, img.Width, img.Height, &animation.OptimizeOptions{MaxDelay: maxDelay})
		if err != nil {
			return fmt.Errorf("gif: %w", err)
		}
		disposal = disposalNone
	}
	for i := range frames {
		f := &frames[i]
		q := quantize(f.Pix, f.Width, f.Height)
		size := paletteBits(len(q.palette))
		e.writeControl(f.Delay, disposal, q.trans)
		r := image.Rect(f.XOffset, f.YOffset, f.XOffset+f.Width, f.YOffset+f.Height)
		if err := e.writeImage(q, r, size, true); err != nil {
			return fmt.Errorf("gif: frame %d: %w", i, err)
		}
	}
	return nil
}

// paletteBits returns the table size exponent for n colours, 1..8.
func paletteBits(n int) int {
	return max(bits.Len(uint(n-1)), 1)
}

func (e *encoder) writePalette(p raster.Palette, size int) {
	for i := 0; i < 1<<size; i++ {
		if i < len(p) {
			e.out = append(e.out, p[i].R, p[i].G, p[i].B)
		} else {
			e.out = append(e.out, 0, 0, 0)
		}
	}
}

func (e *encoder) writeSubBlocks(p []byte) {
	for len(p) > 0 {
		n := min(len(p), 255)
		e.out = append(e.out, byte(n))
		e.out = append(e.out, p[:n]...)
		p = p[n:]
	}
	e.out = append(e.out, 0)
}

func (e *encoder) writeControl(delay time.Duration, disposal, trans int) {
	cs := (min(delay, maxDelay) + centisecond/2) / centisecond
	flags := byte(disposal) << 2
	t := byte(0)
	if trans >= 0 {
		flags |= fTransparent
		t = byte(trans)
	}
	e.out = append(e.out, sepExtension, extGraphicControl, 4, flags)
	e.out = binary.LittleEndian.AppendUint16(e.out, uint16(cs))
	e.out = append(e.out, t, 0)
}

// writeLoop stores the play count as a NETSCAPE repeat count; a single
// play needs no extension.
func (e *encoder) writeLoop(plays int) {
	if plays == 1 {
		return
	}
	repeat := 0
	if plays > 1 {
		repeat = min(plays-1, 0xffff)
	}
	e.out = append(e.out, sepExtension, extApplication, 11)
	e.out = append(e.out, "NETSCAPE2.0"...)
	e.out = append(e.out, 3, 1)
	e.out = binary.LittleEndian.AppendUint16(e.out, uint16(repeat))
	e.out = append(e.out, 0)
}

func (e *encoder) writeComment(s string) {
	if s == "" {
		return
	}
	e.out = append(e.out, sepExtension, extComment)
	e.writeSubBlocks([]byte(s))
}

func (e *encoder) writeImage(q indexed, r image.Rectangle, size int, local bool) error {
	e.out = append(e.out, sepImage)
	for _, v := range [4]int{r.Min.X, r.Min.Y, r.Dx(), r.Dy()} {
		e.out = binary.LittleEndian.AppendUint16(e.out, uint16(v))
	}
	if local {
		e.out = append(e.out, fColorTable|byte(size-1))
		e.writePalette(q.palette, size)
	} else {
		e.out = append(e.out, 0)
	}
	litWidth := max(size, 2)
	comp, err := lzw.Encode(q.pix, lzw.LSB, litWidth, false)
	if err != nil {
		return err
	}
	e.out = append(e.out, byte(litWidth))
	e.writeSubBlocks(comp)
	return nil
}

// quantizeImage reduces a still image to palette form, keeping an
// existing palette.
func quantizeImage(img *raster.Image) (indexed, error) {
	if img.Format == raster.Indexed8 {
		q := indexed{pix: append([]byte(nil), img.Pix...), palette: append(raster.Palette(nil), img.Palette...), trans: -1}
		// Only one index can be transparent; fold the rest into it.
		remap := make([]byte, len(q.palette))
		for i, c := range q.palette {
			remap[i] = byte(i)
			if c.A < alphaThreshold {
				if q.trans < 0 {
					q.trans = i
				}
				remap[i] = byte(q.trans)
			}
		}
		for i, v := range q.pix {
			q.pix[i] = remap[v]
		}
		return q, nil
	}
	rgba := img
	if img.Format != raster.RGBA8 {
		var err error
		if rgba, err = img.Convert(raster.RGBA8); err != nil {
			return indexed{}, fmt.Errorf("gif: %w", err)
		}
	}
	return quantize(rgba.Pix, img.Width, img.Height), nil
}

// quantize maps RGBA8 pixels to at most 256 colours. Pixels below the
// alpha threshold share one transparent entry. When the opaque colours
// do not fit, the image is dithered onto a fixed palette.
func quantize(pix []byte, w, h int) indexed {
	q := indexed{pix: make([]byte, w*h), trans: -1}
	index := make(map[color.NRGBA]int)
	exact := true
	hasTrans := false
	for i := range q.pix {
		if pix[4*i+3] < alphaThreshold {
			hasTrans = true
			continue
		}
		c := color.NRGBA{R: pix[4*i], G: pix[4*i+1], B: pix[4*i+2], A: 0xff}
		if _, ok := index[c]; !ok {
			if len(index) == raster.MaxPaletteSize {
				exact = false
				break
			}
			index[c] = len(index)
		}
	}
	if exact && hasTrans && len(index) == raster.MaxPaletteSize {
		exact = false
	}

	if exact {
		q.palette = make(raster.Palette, len(index), len(index)+1)
		for c, i := range index {
			q.palette[i] = c
		}
		if hasTrans {
			q.trans = len(q.palette)
			q.palette = append(q.palette, color.NRGBA{})
		}
		for i := range q.pix {
			if pix[4*i+3] < alphaThreshold {
				q.pix[i] = byte(q.trans)
				continue
			}
			q.pix[i] = byte(index[color.NRGBA{R: pix[4*i], G: pix[4*i+1], B: pix[4*i+2], A: 0xff}])
		}
		if len(q.palette) == 0 {
			q.palette = raster.Palette{{}}
		}
		return q
	}

	fixed := color.Palette(palette.Plan9)
	if hasTrans {
		fixed = palette.WebSafe
	}
	src := image.NewNRGBA(image.Rect(0, 0, w, h))
	copy(src.Pix, pix)
	for i := 3; i < len(src.Pix); i += 4 {
		src.Pix[i] = 0xff
	}
	dst := image.NewPaletted(src.Rect, fixed)
	draw.FloydSteinberg.Draw(dst, dst.Rect, src, image.Point{})
	q.palette = make(raster.Palette, len(fixed), len(fixed)+1)
	for i, c := range fixed {
		q.palette[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
	}
	copy(q.pix, dst.Pix)
	if hasTrans {
		q.trans = len(q.palette)
		q.palette = append(q.palette, color.NRGBA{})
		for i := range q.pix {
			if pix[4*i+3] < alphaThreshold {
				q.pix[i] = byte(q.trans)
			}
		}
	}
	return q
}
