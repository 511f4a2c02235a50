// Package animation implements the canvas model shared by animated GIF,
// APNG and animated WebP: frames are rendered in sequence onto a
// persistent RGBA8 canvas, then disposed before the next frame.
package animation

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

var (
	ErrNoFrames   = errors.New("animation: no frames")
	ErrCanvasSize = fmt.Errorf("animation: %w: invalid canvas dimensions", codecerr.ErrInvalidDimensions)
)

// Compositor holds the canvas of one animation.
//
// A frame whose dispose op is DisposePrevious has the region it covers
// saved before it is rendered; disposing it restores that region.
// DisposeBackground clears the region to the background colour.
type Compositor struct {
	width, height int
	background    [4]uint8
	canvas        []byte

	saved     []byte
	savedRect image.Rectangle

	pending     bool
	pendingRect image.Rectangle
	pendingOp   raster.DisposeOp
}

// NewCompositor returns a compositor with a canvas cleared to background.
// Animated WebP and GIF decoders pass transparent black.
func NewCompositor(width, height int, background color.NRGBA) (*Compositor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrCanvasSize, width, height)
	}
	c := &Compositor{
		width:      width,
		height:     height,
		background: [4]uint8{background.R, background.G, background.B, background.A},
		canvas:     make([]byte, width*height*4),
	}
	c.Reset()
	return c, nil
}

// Reset clears the canvas to the background and forgets pending state.
func (c *Compositor) Reset() {
	fillRect(c.canvas, c.stride(), c.bounds(), c.background)
	c.saved = c.saved[:0]
	c.savedRect = image.Rectangle{}
	c.pending = false
}

// Canvas returns the live canvas (RGBA8, width*4 stride). It is
// overwritten by subsequent calls.
func (c *Compositor) Canvas() []byte { return c.canvas }

// Size returns the canvas dimensions.
func (c *Compositor) Size() (width, height int) { return c.width, c.height }

func (c *Compositor) stride() int { return c.width * 4 }

func (c *Compositor) bounds() image.Rectangle { return image.Rect(0, 0, c.width, c.height) }

// Render blends f onto the canvas at its offset. Pixels outside the
// canvas are ignored. The frame becomes the pending frame for Dispose.
func (c *Compositor) Render(f *raster.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r := f.Bounds().Intersect(c.bounds())
	if f.Dispose == raster.DisposePrevious && !r.Empty() {
		n := r.Dx() * r.Dy() * 4
		if cap(c.saved) < n {
			c.saved = make([]byte, n)
		}
		c.saved = c.saved[:n]
		w := r.Dx() * 4
		for y := r.Min.Y; y < r.Max.Y; y++ {
			off := y*c.stride() + r.Min.X*4
			copy(c.saved[(y-r.Min.Y)*w:], c.canvas[off:off+w])
		}
		c.savedRect = r
	}

	stride := c.stride()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		sy := y - f.YOffset
		for x := r.Min.X; x < r.Max.X; x++ {
			sx := x - f.XOffset
			src := f.Pix[(sy*f.Width+sx)*4:]
			dst := c.canvas[y*stride+x*4:]
			if f.Blend == raster.BlendSource {
				copy(dst[:4], src[:4])
			} else {
				blendOver(dst, src)
			}
		}
	}

	c.pending = true
	c.pendingRect = r
	c.pendingOp = f.Dispose
	return nil
}

// Dispose applies the pending frame's dispose op. It is a no-op when no
// frame is pending.
func (c *Compositor) Dispose() {
	if !c.pending {
		return
	}
	c.pending = false
	switch c.pendingOp {
	case raster.DisposeBackground:
		fillRect(c.canvas, c.stride(), c.pendingRect, c.background)
	case raster.DisposePrevious:
		if c.savedRect == c.pendingRect && !c.savedRect.Empty() {
			w := c.savedRect.Dx() * 4
			for y := c.savedRect.Min.Y; y < c.savedRect.Max.Y; y++ {
				off := y*c.stride() + c.savedRect.Min.X*4
				copy(c.canvas[off:off+w], c.saved[(y-c.savedRect.Min.Y)*w:])
			}
		}
	}
}

// Next disposes the pending frame, renders f, and returns a full-canvas
// copy carrying f's delay.
func (c *Compositor) Next(f *raster.Frame) (raster.Frame, error) {
	c.Dispose()
	if err := c.Render(f); err != nil {
		return raster.Frame{}, err
	}
	out := raster.NewFrame(c.width, c.height)
	copy(out.Pix, c.canvas)
	out.Delay = f.Delay
	return out, nil
}

// Composite renders every frame of img and returns the resulting
// full-canvas frames. The canvas is img's width and height.
func Composite(img *raster.Image, background color.NRGBA) ([]raster.Frame, error) {
	if len(img.Frames) == 0 {
		return nil, ErrNoFrames
	}
	c, err := NewCompositor(img.Width, img.Height, background)
	if err != nil {
		return nil, err
	}
	out := make([]raster.Frame, 0, len(img.Frames))
	for i := range img.Frames {
		f, err := c.Next(&img.Frames[i])
		if err != nil {
			return nil, fmt.Errorf("animation: frame %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
