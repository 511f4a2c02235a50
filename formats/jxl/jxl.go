// Package jxl reads the structure of JPEG XL files: the optional ISOBMFF
// container with its metadata boxes, and the codestream SizeHeader and
// ImageMetadata up to the extra channel count.
//
// Pixel data is not decoded. Decode fails with ErrUnsupported unless
// Options.Placeholder is set.
package jxl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/raster"
)

// Signatures of the bare codestream and the container.
const (
	SignatureCodestream = "\xff\x0a"
	SignatureContainer  = "\x00\x00\x00\x0cJXL \r\n\x87\n"
)

var (
	boxSignature = container.Tag("JXL ")
	boxCode      = container.Tag("jxlc")
	boxPartial   = container.Tag("jxlp")
	boxLevel     = container.Tag("jxll")
	boxExif      = container.Tag("Exif")
	boxXML       = container.Tag("xml ")
	brandJXL     = container.Tag("jxl ")
)

// Info describes a JPEG XL file.
type Info struct {
	Width, Height int
	Orientation   int // EXIF orientation, 1 to 8
	Depth         int
	Float         bool
	ExtraChannels int
	Animated      bool
	Loops         int // 0 loops forever
	Boxed         bool
	Level         int // 5 unless a jxll box says otherwise
	Meta          raster.Metadata
}

// Inspect parses the container, when present, and the codestream headers.
func Inspect(data []byte) (*Info, error) {
	switch {
	case bytes.HasPrefix(data, []byte(SignatureCodestream)):
		info := &Info{Level: 5}
		if err := info.parseCodestream(data); err != nil {
			return nil, err
		}
		info.describe()
		return info, nil
	case bytes.HasPrefix(data, []byte(SignatureContainer)):
		return inspectBoxes(data)
	case len(data) < len(SignatureContainer) && (bytes.HasPrefix([]byte(SignatureContainer), data) || bytes.HasPrefix([]byte(SignatureCodestream), data)):
		return nil, fmt.Errorf("jxl: signature: %w", codecerr.ErrTruncated)
	}
	return nil, fmt.Errorf("jxl: %w: no JPEG XL signature", codecerr.ErrInvalidFormat)
}

func inspectBoxes(data []byte) (*Info, error) {
	var boxes []container.Record
	err := container.ISOBMFF.Walk(data, container.Whole(data), func(r container.Record) error {
		boxes = append(boxes, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jxl: %w", err)
	}
	if boxes[0].Type != boxSignature {
		return nil, fmt.Errorf("jxl: %w: missing signature box", codecerr.ErrInvalidFormat)
	}
	if len(boxes) < 2 {
		return nil, fmt.Errorf("jxl: file type box: %w", codecerr.ErrTruncated)
	}
	ft, err := container.ParseFileType(data[boxes[1].Start:])
	if err != nil {
		return nil, fmt.Errorf("jxl: %w", err)
	}
	if !ft.HasBrand(brandJXL) {
		return nil, fmt.Errorf("jxl: %w: brand %q", codecerr.ErrInvalidFormat, ft.Major)
	}
	info := &Info{Boxed: true, Level: 5}
	var code []byte
	whole, partial := false, false
	for _, b := range boxes[2:] {
		p := b.Payload(data)
		switch b.Type {
		case boxCode:
			if whole || partial {
				return nil, fmt.Errorf("jxl: %w: more than one codestream box", codecerr.ErrInvalidFormat)
			}
			whole, code = true, p
		case boxPartial:
			if whole || len(p) < 4 {
				return nil, fmt.Errorf("jxl: %w: bad jxlp box", codecerr.ErrInvalidFormat)
			}
			partial = true
			code = append(code, p[4:]...)
		case boxLevel:
			if len(p) < 1 {
				return nil, fmt.Errorf("jxl: %w: empty jxll box", codecerr.ErrInvalidFormat)
			}
			info.Level = int(p[0])
		case boxExif:
			// A 4-byte offset to the TIFF header precedes the payload.
			if len(p) < 4 || uint64(binary.BigEndian.Uint32(p)) > uint64(len(p)-4) {
				return nil, fmt.Errorf("jxl: %w: bad Exif box", codecerr.ErrInvalidFormat)
			}
			info.Meta.EXIF = p[4+binary.BigEndian.Uint32(p):]
		case boxXML:
			info.Meta.XMP = p
		}
	}
	if !whole && !partial {
		return nil, fmt.Errorf("jxl: codestream box: %w", codecerr.ErrTruncated)
	}
	if err := info.parseCodestream(code); err != nil {
		return nil, err
	}
	info.describe()
	return info, nil
}

// bits wraps an LSBReader and keeps the first error.
type bits struct {
	r   *bitio.LSBReader
	err error
}

func (b *bits) u(n int) uint32 {
	if b.err != nil {
		return 0
	}
	v, err := b.r.ReadBits(n)
	if err != nil {
		b.err = err
	}
	return v
}

func (b *bits) flag() bool { return b.u(1) == 1 }

// dist is one branch of a U32 field: a constant plus an n-bit value.
type dist struct {
	add uint32
	n   int
}

// u32 reads a 2-bit selector and the branch it picks.
func (b *bits) u32(d [4]dist) uint32 {
	c := d[b.u(2)]
	return c.add + b.u(c.n)
}

var (
	sizeDist      = [4]dist{{1, 9}, {1, 13}, {1, 18}, {1, 30}}
	previewDiv8   = [4]dist{{16, 0}, {32, 0}, {1, 5}, {33, 9}}
	previewDist   = [4]dist{{1, 6}, {65, 8}, {321, 10}, {1345, 12}}
	tpsNumerator  = [4]dist{{100, 0}, {1000, 0}, {1, 10}, {1, 30}}
	tpsDenom      = [4]dist{{1, 0}, {1001, 0}, {1, 8}, {1, 10}}
	loopDist      = [4]dist{{0, 0}, {0, 3}, {0, 16}, {0, 32}}
	intDepth      = [4]dist{{8, 0}, {10, 0}, {12, 0}, {1, 6}}
	floatDepth    = [4]dist{{32, 0}, {16, 0}, {24, 0}, {1, 6}}
	extraChannels = [4]dist{{0, 0}, {1, 0}, {2, 4}, {1, 12}}
)

// ratios gives the width of a SizeHeader as a fraction of its height.
var ratios = [8][2]uint64{{0, 0}, {1, 1}, {12, 10}, {4, 3}, {3, 2}, {16, 9}, {5, 4}, {2, 1}}

func (b *bits) dimension(div8 bool) uint64 {
	if div8 {
		return uint64(b.u(5)+1) * 8
	}
	return uint64(b.u32(sizeDist))
}

// sizeHeader reads a SizeHeader: the height, then either a width or a
// fixed aspect ratio.
func (b *bits) sizeHeader() (w, h uint64) {
	div8 := b.flag()
	h = b.dimension(div8)
	if r := b.u(3); r != 0 {
		return h * ratios[r][0] / ratios[r][1], h
	}
	return b.dimension(div8), h
}

// previewHeader consumes a PreviewHeader.
func (b *bits) previewHeader() {
	div8 := b.flag()
	d := previewDist
	if div8 {
		d = previewDiv8
	}
	b.u32(d)
	if b.u(3) == 0 {
		b.u32(d)
	}
}

func (info *Info) parseCodestream(p []byte) error {
	if len(p) < 2 {
		return fmt.Errorf("jxl: codestream: %w", codecerr.ErrTruncated)
	}
	if !bytes.HasPrefix(p, []byte(SignatureCodestream)) {
		return fmt.Errorf("jxl: %w: codestream signature % x", codecerr.ErrInvalidFormat, p[:2])
	}
	b := &bits{r: bitio.NewLSBReader(p[2:])}
	w, h := b.sizeHeader()

	info.Orientation, info.Depth = 1, 8
	if !b.flag() { // all_default
		if b.flag() { // extra_fields
			info.Orientation = int(b.u(3)) + 1
			if b.flag() {
				b.sizeHeader() // intrinsic size
			}
			if b.flag() {
				b.previewHeader()
			}
			if b.flag() {
				info.Animated = true
				b.u32(tpsNumerator)
				b.u32(tpsDenom)
				info.Loops = int(b.u32(loopDist))
				b.flag() // timecodes
			}
		}
		info.Float = b.flag()
		if info.Float {
			info.Depth = int(b.u32(floatDepth))
			b.u(4) // exponent bits
		} else {
			info.Depth = int(b.u32(intDepth))
		}
		b.flag() // 16-bit modular buffers
		info.ExtraChannels = int(b.u32(extraChannels))
	}
	if b.err != nil {
		return fmt.Errorf("jxl: image header: %w", b.err)
	}
	if w == 0 || h == 0 || w > 1<<30 || h > 1<<30 {
		return fmt.Errorf("jxl: %w: %dx%d", codecerr.ErrInvalidDimensions, w, h)
	}
	if info.Depth > 32 {
		return fmt.Errorf("jxl: %w: %d-bit samples", codecerr.ErrInvalidFormat, info.Depth)
	}
	info.Width, info.Height = int(w), int(h)
	return nil
}

func (info *Info) describe() {
	m := &info.Meta
	m.SetExtra("codec", "jpegxl")
	m.SetExtra("bit_depth", strconv.Itoa(info.Depth))
	if info.Float {
		m.SetExtra("sample_format", "float")
	}
	if info.Orientation != 1 {
		m.SetExtra("orientation", strconv.Itoa(info.Orientation))
	}
	if info.ExtraChannels > 0 {
		m.SetExtra("extra_channels", strconv.Itoa(info.ExtraChannels))
	}
	if info.Animated {
		m.SetExtra("animated", "true")
		m.SetExtra("loops", strconv.Itoa(info.Loops))
	}
	if info.Boxed {
		m.SetExtra("level", strconv.Itoa(info.Level))
	}
}

// Decode returns a placeholder for the image when opts allows it.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	info, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(info.Width, info.Height); err != nil {
		return nil, fmt.Errorf("jxl: %w", err)
	}
	if !opts.AllowPlaceholder() {
		return nil, fmt.Errorf("jxl: %w: pixel decoding", codecerr.ErrUnsupported)
	}
	img, err := raster.Placeholder(info.Width, info.Height, opts)
	if err != nil {
		return nil, fmt.Errorf("jxl: %w", err)
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
	return nil, fmt.Errorf("jxl: %w: encoding", codecerr.ErrUnsupported)
}
