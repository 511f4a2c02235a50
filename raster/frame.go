package raster

import (
	"fmt"
	"image"
	"time"

	"github.com/deepteams/imgcodec/codecerr"
)

// DisposeOp controls what happens to a frame's canvas region after the
// frame has been displayed.
type DisposeOp uint8

const (
	// DisposeNone leaves the canvas as-is.
	DisposeNone DisposeOp = iota
	// DisposeBackground clears the frame rectangle to the background.
	DisposeBackground
	// DisposePrevious restores the frame rectangle to its state before the
	// frame was rendered.
	DisposePrevious
)

func (d DisposeOp) String() string {
	switch d {
	case DisposeNone:
		return "none"
	case DisposeBackground:
		return "background"
	case DisposePrevious:
		return "previous"
	}
	return fmt.Sprintf("DisposeOp(%d)", uint8(d))
}

// BlendOp controls how a frame is combined with the canvas.
type BlendOp uint8

const (
	// BlendSource overwrites the canvas pixels.
	BlendSource BlendOp = iota
	// BlendOver alpha-composites the frame over the canvas.
	BlendOver
)

func (b BlendOp) String() string {
	switch b {
	case BlendSource:
		return "source"
	case BlendOver:
		return "over"
	}
	return fmt.Sprintf("BlendOp(%d)", uint8(b))
}

// Frame is one step of an animation. Pix is RGBA8, non-premultiplied,
// Width*Height*4 bytes.
type Frame struct {
	Width   int
	Height  int
	Pix     []byte
	XOffset int
	YOffset int
	Delay   time.Duration
	Dispose DisposeOp
	Blend   BlendOp
}

// NewFrame allocates a transparent frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]byte, width*height*4)}
}

// FrameFromImage converts img to an RGBA8 frame placed at the origin.
func FrameFromImage(img *Image) (Frame, error) {
	rgba := img
	if img.Format != RGBA8 {
		var err error
		if rgba, err = img.Convert(RGBA8); err != nil {
			return Frame{}, err
		}
	} else {
		rgba = img.Clone()
	}
	return Frame{Width: img.Width, Height: img.Height, Pix: rgba.Pix}, nil
}

// Bounds returns the frame rectangle in canvas coordinates.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(f.XOffset, f.YOffset, f.XOffset+f.Width, f.YOffset+f.Height)
}

// DelayMS returns the frame delay in milliseconds.
func (f *Frame) DelayMS() int {
	return int(f.Delay / time.Millisecond)
}

// Image wraps the frame pixels as an RGBA8 Image sharing Pix.
func (f *Frame) Image() *Image {
	return &Image{Width: f.Width, Height: f.Height, Format: RGBA8, Pix: f.Pix}
}

// Validate checks the buffer length and geometry.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.XOffset < 0 || f.YOffset < 0 {
		return fmt.Errorf("%w: frame %dx%d at (%d,%d)", codecerr.ErrInvalidDimensions, f.Width, f.Height, f.XOffset, f.YOffset)
	}
	if len(f.Pix) != f.Width*f.Height*4 {
		return fmt.Errorf("%w: frame buffer is %d bytes, want %d", codecerr.ErrInvalidFormat, len(f.Pix), f.Width*f.Height*4)
	}
	return nil
}
