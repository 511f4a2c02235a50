// Package flif reads the header and metadata chunks of FLIF files.
//
// The MANIAC-coded pixel data is not decoded. Decode fails with
// ErrUnsupported unless Options.Placeholder is set.
package flif

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/raster"
)

// Magic starts every FLIF file.
const Magic = "FLIF"

const (
	maxVarintLen = 5
	maxChunk     = 64 << 20
)

// Info describes a FLIF file.
type Info struct {
	Width, Height int
	Channels      int // 1, 3 or 4
	Depth         int // 8 or 16, 0 when each channel declares its own range
	Interlaced    bool
	Frames        int
	Meta          raster.Metadata
}

type reader struct {
	p   []byte
	off int
}

func (r *reader) u8() (byte, error) {
	if r.off >= len(r.p) {
		return 0, fmt.Errorf("flif: header at %d: %w", r.off, codecerr.ErrTruncated)
	}
	b := r.p[r.off]
	r.off++
	return b, nil
}

// varint reads a big-endian base-128 number with the high bit of each byte
// marking continuation.
func (r *reader) varint() (int, error) {
	v := 0
	for i := 0; i < maxVarintLen; i++ {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		v = v<<7 | int(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("flif: %w: number at %d too long", codecerr.ErrInvalidFormat, r.off)
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.p)-r.off < n {
		return nil, fmt.Errorf("flif: %d bytes at %d: %w", n, r.off, codecerr.ErrTruncated)
	}
	b := r.p[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Inspect parses the header and metadata chunks.
func Inspect(data []byte) (*Info, error) {
	if !bytes.HasPrefix(data, []byte(Magic)) {
		if len(data) < len(Magic) && bytes.HasPrefix([]byte(Magic), data) {
			return nil, fmt.Errorf("flif: magic: %w", codecerr.ErrTruncated)
		}
		return nil, fmt.Errorf("flif: %w: bad magic", codecerr.ErrInvalidFormat)
	}
	r := &reader{p: data, off: len(Magic)}
	b, err := r.u8()
	if err != nil {
		return nil, err
	}
	info := &Info{Channels: int(b & 0x0f), Frames: 1}
	kind := b >> 4
	if kind < 3 || kind > 6 {
		return nil, fmt.Errorf("flif: %w: format byte %#x", codecerr.ErrInvalidFormat, b)
	}
	info.Interlaced = kind == 4 || kind == 6
	if info.Channels != 1 && info.Channels != 3 && info.Channels != 4 {
		return nil, fmt.Errorf("flif: %w: %d channels", codecerr.ErrInvalidFormat, info.Channels)
	}
	if b, err = r.u8(); err != nil {
		return nil, err
	}
	switch b {
	case '0':
	case '1':
		info.Depth = 8
	case '2':
		info.Depth = 16
	default:
		return nil, fmt.Errorf("flif: %w: bytes per channel %q", codecerr.ErrInvalidFormat, b)
	}
	w, err := r.varint()
	if err != nil {
		return nil, err
	}
	h, err := r.varint()
	if err != nil {
		return nil, err
	}
	info.Width, info.Height = w+1, h+1
	if kind >= 5 {
		n, err := r.varint()
		if err != nil {
			return nil, err
		}
		info.Frames = n + 2
	}
	if err := info.readChunks(r); err != nil {
		return nil, err
	}
	info.describe()
	return info, nil
}

// readChunks consumes the optional metadata chunks, ending at the zero byte
// that introduces the pixel data.
func (info *Info) readChunks(r *reader) error {
	for {
		b, err := r.u8()
		if err != nil {
			return err
		}
		if b == 0 {
			return nil
		}
		if b < ' ' {
			return fmt.Errorf("flif: %w: chunk name byte %#x", codecerr.ErrInvalidFormat, b)
		}
		rest, err := r.take(3)
		if err != nil {
			return err
		}
		name := string(b) + string(rest)
		n, err := r.varint()
		if err != nil {
			return err
		}
		body, err := r.take(n)
		if err != nil {
			return err
		}
		var dst *[]byte
		switch name {
		case "iCCP":
			dst = &info.Meta.ICC
		case "eXif":
			dst = &info.Meta.EXIF
		case "eXmp":
			dst = &info.Meta.XMP
		default:
			// Unknown chunks with an upper-case first letter are critical.
			if b >= 'A' && b <= 'Z' {
				return fmt.Errorf("flif: %w: critical chunk %q", codecerr.ErrUnsupported, name)
			}
			continue
		}
		v, err := deflate.InflateRawLimit(body, maxChunk)
		if err != nil {
			return fmt.Errorf("flif: %s chunk: %w", name, err)
		}
		*dst = v
	}
}

func (info *Info) describe() {
	m := &info.Meta
	m.SetExtra("codec", "flif")
	m.SetExtra("channels", strconv.Itoa(info.Channels))
	if info.Depth == 0 {
		m.SetExtra("bit_depth", "custom")
	} else {
		m.SetExtra("bit_depth", strconv.Itoa(info.Depth))
	}
	m.SetExtra("interlaced", strconv.FormatBool(info.Interlaced))
	if info.Frames > 1 {
		m.SetExtra("frames", strconv.Itoa(info.Frames))
	}
}

// Decode returns a placeholder for the first frame when opts allows it.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	info, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(info.Width, info.Height); err != nil {
		return nil, fmt.Errorf("flif: %w", err)
	}
	if err := opts.CheckFrames(info.Frames); err != nil {
		return nil, fmt.Errorf("flif: %w", err)
	}
	if !opts.AllowPlaceholder() {
		return nil, fmt.Errorf("flif: %w: MANIAC pixel data", codecerr.ErrUnsupported)
	}
	img, err := raster.Placeholder(info.Width, info.Height, opts)
	if err != nil {
		return nil, fmt.Errorf("flif: %w", err)
	}
	img.Meta = info.Meta
	img.Meta.Placeholder = true
	return img, nil
}

// DecodeConfig returns the image size.
func DecodeConfig(data []byte) (width, height int, err error) {
	info, err := Inspect(data)
	if err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}

// Encode is not supported.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	return nil, fmt.Errorf("flif: %w: encoding", codecerr.ErrUnsupported)
}
