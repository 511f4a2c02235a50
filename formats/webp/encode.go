package webp

import (
	"fmt"
	"image/color"
	"time"

	"github.com/deepteams/imgcodec/animation"
	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/mux"
	"github.com/deepteams/imgcodec/raster"
)

// Encode writes img as a lossless WebP file. Metadata moves the file to
// the extended format; animations are cropped to their changed regions
// and written as ANMF frames. opts is accepted for symmetry and ignored.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	if img.Width > vp8lMaxSize || img.Height > vp8lMaxSize {
		return nil, fmt.Errorf("webp: %w: %dx%d exceeds %d per side",
			codecerr.ErrInvalidDimensions, img.Width, img.Height, vp8lMaxSize)
	}
	m := mux.New()
	m.SetICCProfile(img.Meta.ICC)
	m.SetEXIF(img.Meta.EXIF)
	m.SetXMP(img.Meta.XMP)

	if len(img.Frames) == 0 {
		rgba, err := img.Convert(raster.RGBA8)
		if err != nil {
			return nil, fmt.Errorf("webp: %w", err)
		}
		bs, err := encodeVP8L(rgba.Pix, img.Width, img.Height, !img.Opaque())
		if err != nil {
			return nil, fmt.Errorf("webp: %w", err)
		}
		if err := m.AddFrame(bs, nil, nil); err != nil {
			return nil, fmt.Errorf("webp: %w", err)
		}
	} else if err := addFrames(m, img); err != nil {
		return nil, err
	}

	out, err := m.Assemble()
	if err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	return out, nil
}

func addFrames(m *mux.Muxer, img *raster.Image) error {
	canvases, err := animation.Composite(img, color.NRGBA{})
	if err != nil {
		return fmt.Errorf("webp: %w", err)
	}
	frames, err := animation.Optimize(canvases, img.Width, img.Height, &animation.OptimizeOptions{
		EvenOffsets: true,
		MaxDelay:    mux.MaxDuration * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("webp: %w", err)
	}
	m.SetAnimated(true)
	m.SetLoopCount(img.LoopCount)
	m.SetBackground(img.Background)
	if err := m.SetCanvasSize(img.Width, img.Height); err != nil {
		return fmt.Errorf("webp: %w", err)
	}
	for i := range frames {
		f := &frames[i]
		bs, err := encodeVP8L(f.Pix, f.Width, f.Height, !opaque(f.Pix))
		if err != nil {
			return fmt.Errorf("webp: %w", err)
		}
		err = m.AddFrame(bs, nil, &mux.FrameOptions{
			XOffset: f.XOffset,
			YOffset: f.YOffset,
			Delay:   f.Delay,
			Dispose: f.Dispose,
			NoBlend: f.Blend == raster.BlendSource,
		})
		if err != nil {
			return fmt.Errorf("webp: %w", err)
		}
	}
	return nil
}

func opaque(rgba []byte) bool {
	for i := 3; i < len(rgba); i += 4 {
		if rgba[i] != 0xff {
			return false
		}
	}
	return true
}
