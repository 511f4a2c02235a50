// Package jp2 reads the structure of JPEG 2000 files, both the JP2 box
// format and raw J2K codestreams: the image header, colour specification
// and the codestream SIZ and COD marker segments.
//
// Wavelet decoding is not implemented. Decode fails with ErrUnsupported
// unless Options.Placeholder is set.
package jp2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/raster"
)

// Signatures of the two file forms.
const (
	SignatureJP2 = "\x00\x00\x00\x0cjP  \r\n\x87\n"
	SignatureJ2K = "\xff\x4f\xff\x51"
)

var (
	boxSignature = container.Tag("jP  ")
	boxHeader    = container.Tag("jp2h")
	boxImage     = container.Tag("ihdr")
	boxColour    = container.Tag("colr")
	boxCode      = container.Tag("jp2c")
	boxUUID      = container.Tag("uuid")

	brandJP2 = container.Tag("jp2 ")
	brandJPX = container.Tag("jpx ")
	brandJPH = container.Tag("jph ")
)

var xmpUUID = []byte{0xbe, 0x7a, 0xcf, 0xcb, 0x97, 0xa9, 0x42, 0xe8, 0x9c, 0x71, 0x99, 0x94, 0x91, 0xe3, 0xaf, 0xac}

// Codestream markers.
const (
	markerSOC = 0xff4f
	markerSIZ = 0xff51
	markerCOD = 0xff52
	markerSOT = 0xff90
	markerSOD = 0xff93
	markerEOC = 0xffd9
)

const maxComponents = 16384

// Enumerated colour spaces of the colr box.
const (
	csSRGB = 16
	csGray = 17
	csSYCC = 18
)

var be = binary.BigEndian

// Component describes one codestream component.
type Component struct {
	Depth  int
	Signed bool
	DX, DY int // subsampling
}

// Info describes a JPEG 2000 file.
type Info struct {
	Width, Height int
	Components    []Component
	Tile          [2]int
	Levels        int // wavelet decomposition levels, from COD
	Layers        int
	Reversible    bool // 5-3 reversible wavelet
	Colourspace   int  // enumerated colr value, 0 when absent or ICC
	Boxed         bool // JP2 container rather than a raw codestream
	Meta          raster.Metadata
}

// Inspect parses the container, when present, and the codestream main
// header.
func Inspect(data []byte) (*Info, error) {
	switch {
	case bytes.HasPrefix(data, []byte(SignatureJ2K)):
		info := &Info{}
		if err := info.parseCodestream(data); err != nil {
			return nil, err
		}
		info.describe()
		return info, nil
	case bytes.HasPrefix(data, []byte(SignatureJP2)):
		return inspectBoxes(data)
	case len(data) < len(SignatureJP2) && (bytes.HasPrefix([]byte(SignatureJP2), data) || bytes.HasPrefix([]byte(SignatureJ2K), data)):
		return nil, fmt.Errorf("jp2: signature: %w", codecerr.ErrTruncated)
	}
	return nil, fmt.Errorf("jp2: %w: no JPEG 2000 signature", codecerr.ErrInvalidFormat)
}

func inspectBoxes(data []byte) (*Info, error) {
	var boxes []container.Record
	err := container.ISOBMFF.Walk(data, container.Whole(data), func(r container.Record) error {
		boxes = append(boxes, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jp2: %w", err)
	}
	if boxes[0].Type != boxSignature {
		return nil, fmt.Errorf("jp2: %w: missing signature box", codecerr.ErrInvalidFormat)
	}
	if len(boxes) < 2 {
		return nil, fmt.Errorf("jp2: file type box: %w", codecerr.ErrTruncated)
	}
	ft, err := container.ParseFileType(data[boxes[1].Start:])
	if err != nil {
		return nil, fmt.Errorf("jp2: %w", err)
	}
	if !ft.HasBrand(brandJP2) && !ft.HasBrand(brandJPX) && !ft.HasBrand(brandJPH) {
		return nil, fmt.Errorf("jp2: %w: brand %q", codecerr.ErrInvalidFormat, ft.Major)
	}
	info := &Info{Boxed: true}
	var hdr, code *container.Record
	for i := range boxes {
		switch b := &boxes[i]; b.Type {
		case boxHeader:
			hdr = b
		case boxCode:
			if code == nil {
				code = b
			}
		case boxUUID:
			p := b.Payload(data)
			if bytes.HasPrefix(p, xmpUUID) {
				info.Meta.XMP = p[len(xmpUUID):]
			}
		}
	}
	// The codestream box comes last, so a file without one was cut short.
	if code == nil {
		return nil, fmt.Errorf("jp2: codestream box: %w", codecerr.ErrTruncated)
	}
	if hdr == nil {
		return nil, fmt.Errorf("jp2: %w: missing jp2h box", codecerr.ErrInvalidFormat)
	}
	ih, ok := container.FindNestedRecord(data, hdr.PayloadRange(), boxImage)
	if !ok {
		return nil, fmt.Errorf("jp2: %w: missing ihdr box", codecerr.ErrInvalidFormat)
	}
	p := ih.Payload(data)
	if len(p) < 14 {
		return nil, fmt.Errorf("jp2: ihdr: %w", codecerr.ErrTruncated)
	}
	height, width, nc := int(be.Uint32(p)), int(be.Uint32(p[4:])), int(be.Uint16(p[8:]))
	if colr, ok := container.FindNestedRecord(data, hdr.PayloadRange(), boxColour); ok {
		if err := info.parseColour(colr.Payload(data)); err != nil {
			return nil, err
		}
	}
	if err := info.parseCodestream(code.Payload(data)); err != nil {
		return nil, err
	}
	if width != info.Width || height != info.Height || nc != len(info.Components) {
		return nil, fmt.Errorf("jp2: %w: ihdr %dx%dx%d disagrees with SIZ %dx%dx%d",
			codecerr.ErrInvalidFormat, width, height, nc, info.Width, info.Height, len(info.Components))
	}
	info.Meta.SetExtra("brand", string(ft.Major[:]))
	info.describe()
	return info, nil
}

func (info *Info) parseColour(p []byte) error {
	if len(p) < 3 {
		return fmt.Errorf("jp2: colr: %w", codecerr.ErrTruncated)
	}
	switch p[0] {
	case 1:
		if len(p) < 7 {
			return fmt.Errorf("jp2: colr: %w", codecerr.ErrTruncated)
		}
		info.Colourspace = int(be.Uint32(p[3:]))
	case 2, 3:
		info.Meta.ICC = p[3:]
	}
	return nil
}

// parseCodestream reads the main header up to the first tile-part.
func (info *Info) parseCodestream(p []byte) error {
	if len(p) < 4 {
		return fmt.Errorf("jp2: codestream: %w", codecerr.ErrTruncated)
	}
	if be.Uint16(p) != markerSOC || be.Uint16(p[2:]) != markerSIZ {
		return fmt.Errorf("jp2: %w: codestream does not start with SOC, SIZ", codecerr.ErrInvalidFormat)
	}
	off := 2
	sawSIZ := false
	for {
		if len(p)-off < 4 {
			return fmt.Errorf("jp2: marker at %d: %w", off, codecerr.ErrTruncated)
		}
		m := be.Uint16(p[off:])
		if m == markerSOT || m == markerSOD || m == markerEOC {
			break
		}
		if m>>8 != 0xff {
			return fmt.Errorf("jp2: %w: expected marker at %d", codecerr.ErrInvalidFormat, off)
		}
		n := int(be.Uint16(p[off+2:]))
		if n < 2 {
			return fmt.Errorf("jp2: %w: marker %#x length %d", codecerr.ErrInvalidFormat, m, n)
		}
		if len(p)-off-2 < n {
			return fmt.Errorf("jp2: marker %#x: %w", m, codecerr.ErrTruncated)
		}
		seg := p[off+4 : off+2+n]
		var err error
		switch m {
		case markerSIZ:
			err = info.parseSIZ(seg)
			sawSIZ = true
		case markerCOD:
			err = info.parseCOD(seg)
		}
		if err != nil {
			return err
		}
		off += 2 + n
	}
	if !sawSIZ {
		return fmt.Errorf("jp2: %w: missing SIZ", codecerr.ErrInvalidFormat)
	}
	return nil
}

func (info *Info) parseSIZ(p []byte) error {
	if len(p) < 36 {
		return fmt.Errorf("jp2: %w: SIZ of %d bytes", codecerr.ErrInvalidFormat, len(p))
	}
	xs, ys := be.Uint32(p[2:]), be.Uint32(p[6:])
	xo, yo := be.Uint32(p[10:]), be.Uint32(p[14:])
	if xo >= xs || yo >= ys {
		return fmt.Errorf("jp2: %w: image area %d-%d x %d-%d", codecerr.ErrInvalidDimensions, xo, xs, yo, ys)
	}
	info.Width, info.Height = int(xs-xo), int(ys-yo)
	info.Tile = [2]int{int(be.Uint32(p[18:])), int(be.Uint32(p[22:]))}
	nc := int(be.Uint16(p[34:]))
	if nc == 0 || nc > maxComponents || len(p) != 36+3*nc {
		return fmt.Errorf("jp2: %w: SIZ with %d components in %d bytes", codecerr.ErrInvalidFormat, nc, len(p))
	}
	info.Components = make([]Component, nc)
	for i := range info.Components {
		c := p[36+3*i:]
		info.Components[i] = Component{Depth: int(c[0]&0x7f) + 1, Signed: c[0]&0x80 != 0, DX: int(c[1]), DY: int(c[2])}
		if c[1] == 0 || c[2] == 0 || info.Components[i].Depth > 38 {
			return fmt.Errorf("jp2: %w: component %d", codecerr.ErrInvalidFormat, i)
		}
	}
	return nil
}

func (info *Info) parseCOD(p []byte) error {
	if len(p) < 10 {
		return fmt.Errorf("jp2: %w: COD of %d bytes", codecerr.ErrInvalidFormat, len(p))
	}
	info.Layers = int(be.Uint16(p[2:]))
	info.Levels = int(p[5])
	info.Reversible = p[9] == 1
	return nil
}

func (info *Info) describe() {
	m := &info.Meta
	m.SetExtra("codec", "jpeg2000")
	m.SetExtra("components", strconv.Itoa(len(info.Components)))
	m.SetExtra("bit_depth", strconv.Itoa(info.Components[0].Depth))
	if info.Layers > 0 {
		m.SetExtra("levels", strconv.Itoa(info.Levels))
		m.SetExtra("layers", strconv.Itoa(info.Layers))
		m.SetExtra("reversible", strconv.FormatBool(info.Reversible))
	}
	switch info.Colourspace {
	case csSRGB:
		m.SetExtra("colourspace", "srgb")
	case csGray:
		m.SetExtra("colourspace", "gray")
	case csSYCC:
		m.SetExtra("colourspace", "sycc")
	}
}

// Decode returns a placeholder for the image when opts allows it.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	info, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(info.Width, info.Height); err != nil {
		return nil, fmt.Errorf("jp2: %w", err)
	}
	if !opts.AllowPlaceholder() {
		return nil, fmt.Errorf("jp2: %w: wavelet decoding", codecerr.ErrUnsupported)
	}
	img, err := raster.Placeholder(info.Width, info.Height, opts)
	if err != nil {
		return nil, fmt.Errorf("jp2: %w", err)
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
	return nil, fmt.Errorf("jp2: %w: encoding", codecerr.ErrUnsupported)
}
