package animation

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// OptimizeOptions configures Optimize.
type OptimizeOptions struct {
	// EvenOffsets snaps sub-frame offsets to even coordinates (WebP).
	EvenOffsets bool
	// MaxDelay caps the delay of a single frame; zero means no cap. When
	// merged frames would exceed it, a 1x1 transparent frame carries the
	// remainder.
	MaxDelay time.Duration
}

// Optimize turns a sequence of full-canvas frames into the frames an
// encoder should store: the first frame is kept whole, later frames are
// cropped to the rectangle that changed, and frames identical to their
// predecessor are merged by extending its delay. Replaying the result
// through a Compositor reproduces the input canvases.
func Optimize(canvases []raster.Frame, width, height int, opts *OptimizeOptions) ([]raster.Frame, error) {
	if len(canvases) == 0 {
		return nil, ErrNoFrames
	}
	var o OptimizeOptions
	if opts != nil {
		o = *opts
	}
	for i := range canvases {
		f := &canvases[i]
		if f.Width != width || f.Height != height || len(f.Pix) != width*height*4 {
			return nil, fmt.Errorf("animation: %w: frame %d is %dx%d, canvas is %dx%d",
				codecerr.ErrInvalidDimensions, i, f.Width, f.Height, width, height)
		}
	}

	canvas := image.Rect(0, 0, width, height)
	first := raster.NewFrame(width, height)
	copy(first.Pix, canvases[0].Pix)
	first.Delay = canvases[0].Delay
	first.Blend = raster.BlendSource
	out := []raster.Frame{first}
	prev := canvases[0].Pix

	for i := 1; i < len(canvases); i++ {
		curr := canvases[i].Pix
		if bytes.Equal(prev, curr) {
			out = extendDelay(out, canvases[i].Delay, o.MaxDelay)
			continue
		}
		r := changedRect(prev, curr, width, height)
		if o.EvenOffsets {
			r = snapToEven(r).Intersect(canvas)
		}
		f := raster.Frame{
			Width:   r.Dx(),
			Height:  r.Dy(),
			Pix:     extractRect(curr, width*4, r),
			XOffset: r.Min.X,
			YOffset: r.Min.Y,
			Delay:   canvases[i].Delay,
			Blend:   raster.BlendSource,
		}
		if blendingPossible(prev, curr, width*4, r) {
			f.Blend = raster.BlendOver
		}
		out = append(out, f)
		prev = curr
	}
	return out, nil
}

// blendingPossible reports whether alpha blending reproduces curr over
// prev in r: every pixel must be opaque or unchanged.
func blendingPossible(prev, curr []byte, stride int, r image.Rectangle) bool {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			off := y*stride + x*4
			if curr[off+3] != 0xff && !bytes.Equal(prev[off:off+4], curr[off:off+4]) {
				return false
			}
		}
	}
	return true
}

// extendDelay merges d into the last frame, emitting a transparent 1x1
// filler frame when the merged delay would exceed limit.
func extendDelay(out []raster.Frame, d, limit time.Duration) []raster.Frame {
	last := &out[len(out)-1]
	total := last.Delay + d
	if limit <= 0 || total <= limit {
		last.Delay = total
		return out
	}
	last.Delay = limit
	for rest := total - limit; rest > 0; rest -= limit {
		filler := raster.NewFrame(1, 1)
		filler.Delay = min(rest, limit)
		filler.Blend = raster.BlendOver
		out = append(out, filler)
	}
	return out
}
