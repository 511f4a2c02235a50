package raster

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

// Limits bounds the resources a decode may commit to. They are checked
// before any attacker-sized allocation. Zero fields take the default.
type Limits struct {
	// MaxPixels bounds width*height of the canvas and of every frame.
	MaxPixels int64
	// MaxDimension bounds width and height individually.
	MaxDimension int
	// MaxFrames bounds the number of animation frames.
	MaxFrames int
}

// Default limits.
const (
	DefaultMaxPixels    = 1 << 28
	DefaultMaxDimension = 1 << 18
	DefaultMaxFrames    = 1 << 12
)

// DefaultLimits returns the limits used when Options is nil.
func DefaultLimits() Limits {
	return Limits{
		MaxPixels:    DefaultMaxPixels,
		MaxDimension: DefaultMaxDimension,
		MaxFrames:    DefaultMaxFrames,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxPixels > 0 {
		d.MaxPixels = l.MaxPixels
	}
	if l.MaxDimension > 0 {
		d.MaxDimension = l.MaxDimension
	}
	if l.MaxFrames > 0 {
		d.MaxFrames = l.MaxFrames
	}
	return d
}

// Compression selects the compression scheme of formats that offer a
// choice. Encoders ignore values they do not support.
type Compression int

const (
	CompressionDefault Compression = iota
	CompressionNone
	CompressionRLE
	CompressionLZW
	CompressionDeflate
)

func (c Compression) String() string {
	switch c {
	case CompressionDefault:
		return "default"
	case CompressionNone:
		return "none"
	case CompressionRLE:
		return "rle"
	case CompressionLZW:
		return "lzw"
	case CompressionDeflate:
		return "deflate"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// DefaultQuality is the lossy quality used when Options.Quality is zero.
const DefaultQuality = 75

// Options configures decoders and encoders. A nil *Options is valid and
// selects every default.
type Options struct {
	Limits Limits

	// Placeholder allows a decoder to substitute a deterministic
	// placeholder raster for a payload it recognises but cannot decode
	// (AV1, HEVC, JPEG 2000, JPEG XL, FLIF). Structural errors still fail.
	Placeholder bool

	// Quality is the lossy quality, 1..100.
	Quality int

	// Compression selects the scheme for TIFF, TGA, EXR and PSD.
	Compression Compression
}

// GetLimits returns the effective limits.
func (o *Options) GetLimits() Limits {
	if o == nil {
		return DefaultLimits()
	}
	return o.Limits.withDefaults()
}

// GetQuality returns the effective quality clamped to 1..100.
func (o *Options) GetQuality() int {
	if o == nil || o.Quality == 0 {
		return DefaultQuality
	}
	return min(max(o.Quality, 1), 100)
}

// GetCompression returns the requested compression.
func (o *Options) GetCompression() Compression {
	if o == nil {
		return CompressionDefault
	}
	return o.Compression
}

// AllowPlaceholder reports whether placeholder substitution is enabled.
func (o *Options) AllowPlaceholder() bool {
	return o != nil && o.Placeholder
}

// CheckDimensions validates width and height against the limits.
func (o *Options) CheckDimensions(width, height int) error {
	return CheckDimensions(width, height, o.GetLimits())
}

// CheckFrames validates an animation frame count.
func (o *Options) CheckFrames(n int) error {
	if l := o.GetLimits(); n > l.MaxFrames {
		return fmt.Errorf("%w: %d frames exceeds limit %d", codecerr.ErrInvalidDimensions, n, l.MaxFrames)
	}
	return nil
}

// NewImage validates the dimensions and allocates the image.
func (o *Options) NewImage(width, height int, f PixelFormat) (*Image, error) {
	if err := o.CheckDimensions(width, height); err != nil {
		return nil, err
	}
	return New(width, height, f), nil
}

// CheckDimensions validates width and height against l.
func CheckDimensions(width, height int, l Limits) error {
	l = l.withDefaults()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", codecerr.ErrInvalidDimensions, width, height)
	}
	if width > l.MaxDimension || height > l.MaxDimension {
		return fmt.Errorf("%w: %dx%d exceeds %d per side", codecerr.ErrInvalidDimensions, width, height, l.MaxDimension)
	}
	if int64(width)*int64(height) > l.MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", codecerr.ErrInvalidDimensions, width, height, l.MaxPixels)
	}
	return nil
}

// Placeholder returns the deterministic substitute used when a payload
// cannot be decoded: a mid-gray opaque RGB8 image of the declared size.
func Placeholder(width, height int, o *Options) (*Image, error) {
	img, err := o.NewImage(width, height, RGB8)
	if err != nil {
		return nil, err
	}
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Meta.Placeholder = true
	return img, nil
}
