// Package hdr reads and writes Radiance RGBE (.hdr, .pic) images.
//
// Pixels are stored as 8-bit mantissas with a shared exponent. Decoding
// produces linear RGB16 with values clamped to [0, 1]; the EXPOSURE
// header is reported in metadata but not applied.
package hdr

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

// Signatures that may open a file.
const (
	MagicRadiance = "#?RADIANCE"
	MagicRGBE     = "#?RGBE"
)

const (
	formatRGBE = "32-bit_rle_rgbe"
	formatXYZE = "32-bit_rle_xyze"
	maxHeader  = 1 << 16

	minRLEWidth = 8
	maxRLEWidth = 0x7fff
)

type header struct {
	width, height int
	bottomUp      bool
	exposure      string
	comment       []string
	size          int
}

// line returns the next newline-terminated line at data[off:].
func line(data []byte, off int) (string, int, error) {
	i := bytes.IndexByte(data[off:], '\n')
	if i < 0 {
		if len(data) > maxHeader {
			return "", 0, fmt.Errorf("hdr: %w: header too long", codecerr.ErrInvalidFormat)
		}
		return "", 0, fmt.Errorf("hdr: header: %w", codecerr.ErrTruncated)
	}
	return string(data[off : off+i]), off + i + 1, nil
}

func parseHeader(data []byte) (*header, error) {
	if !bytes.HasPrefix(data, []byte("#?")) {
		if len(data) < 2 && bytes.HasPrefix([]byte("#?"), data) {
			return nil, fmt.Errorf("hdr: signature: %w", codecerr.ErrTruncated)
		}
		return nil, fmt.Errorf("hdr: %w: missing #? signature", codecerr.ErrInvalidFormat)
	}
	sig, off, err := line(data, 0)
	if err != nil {
		return nil, err
	}
	if sig != MagicRadiance && sig != MagicRGBE {
		return nil, fmt.Errorf("hdr: %w: signature %q", codecerr.ErrInvalidFormat, sig)
	}
	h := &header{}
	for {
		var l string
		if l, off, err = line(data, off); err != nil {
			return nil, err
		}
		if l == "" {
			break
		}
		key, val, ok := strings.Cut(l, "=")
		switch {
		case !ok:
			h.comment = append(h.comment, strings.TrimSpace(strings.TrimPrefix(l, "#")))
		case key == "FORMAT" && val == formatXYZE:
			return nil, fmt.Errorf("hdr: %w: XYZE pixels", codecerr.ErrUnsupported)
		case key == "FORMAT" && val != formatRGBE:
			return nil, fmt.Errorf("hdr: %w: format %q", codecerr.ErrInvalidFormat, val)
		case key == "EXPOSURE":
			h.exposure = strings.TrimSpace(val)
		}
	}
	res, off, err := line(data, off)
	if err != nil {
		return nil, err
	}
	f := strings.Fields(res)
	if len(f) != 4 || f[2] != "+X" || (f[0] != "-Y" && f[0] != "+Y") {
		return nil, fmt.Errorf("hdr: %w: resolution %q", codecerr.ErrUnsupported, res)
	}
	if h.height, err = strconv.Atoi(f[1]); err != nil {
		return nil, fmt.Errorf("hdr: %w: height %q", codecerr.ErrInvalidFormat, f[1])
	}
	if h.width, err = strconv.Atoi(f[3]); err != nil {
		return nil, fmt.Errorf("hdr: %w: width %q", codecerr.ErrInvalidFormat, f[3])
	}
	h.bottomUp = f[0] == "+Y"
	h.size = off
	return h, nil
}

// DecodeConfig returns the size from the resolution line.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// Decode decodes an RGBE image to linear RGB16.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	img, err := opts.NewImage(h.width, h.height, raster.RGB16)
	if err != nil {
		return nil, fmt.Errorf("hdr: %w", err)
	}
	scan := make([]byte, 4*h.width)
	src := data[h.size:]
	for y := 0; y < h.height; y++ {
		var n int
		if rle.IsRGBEScanline(src, h.width) {
			n, err = rle.DecodeRGBE(scan, src, h.width)
		} else {
			n, err = decodeFlat(scan, src)
		}
		if err != nil {
			return nil, fmt.Errorf("hdr: row %d: %w", y, err)
		}
		src = src[n:]
		row := y
		if h.bottomUp {
			row = h.height - 1 - y
		}
		out := img.Row(row)
		for x := 0; x < h.width; x++ {
			r, g, b := toFloat(scan[4*x:])
			put(out[6*x:], r)
			put(out[6*x+2:], g)
			put(out[6*x+4:], b)
		}
	}
	img.Meta.SetExtra("transfer", "linear")
	if h.exposure != "" {
		img.Meta.SetExtra("exposure", h.exposure)
	}
	img.Meta.Comment = strings.Join(h.comment, "\n")
	return img, nil
}

// decodeFlat reads one uncompressed or old-style run-length scanline. A
// pixel of 1, 1, 1, n repeats the previous pixel n times, shifted left by
// 8 bits for each consecutive run pixel.
func decodeFlat(dst, src []byte) (int, error) {
	s, shift := 0, 0
	for x := 0; x < len(dst); {
		if len(src)-s < 4 {
			return s, fmt.Errorf("rgbe: %w", codecerr.ErrTruncated)
		}
		p := src[s : s+4]
		s += 4
		if p[0] == 1 && p[1] == 1 && p[2] == 1 {
			if x == 0 {
				return s, fmt.Errorf("rgbe: %w: run at start of scanline", codecerr.ErrDecompression)
			}
			n := int(p[3]) << shift
			if x+4*n > len(dst) {
				return s, fmt.Errorf("rgbe: %w: run overflows scanline", codecerr.ErrDecompression)
			}
			for ; n > 0; n-- {
				copy(dst[x:x+4], dst[x-4:x])
				x += 4
			}
			shift += 8
			continue
		}
		copy(dst[x:x+4], p)
		x += 4
		shift = 0
	}
	return s, nil
}

func toFloat(p []byte) (r, g, b float64) {
	if p[3] == 0 {
		return 0, 0, 0
	}
	f := math.Ldexp(1, int(p[3])-(128+8))
	return (float64(p[0]) + 0.5) * f, (float64(p[1]) + 0.5) * f, (float64(p[2]) + 0.5) * f
}

func put(p []byte, v float64) {
	var s uint16
	switch {
	case v >= 1:
		s = math.MaxUint16
	case v > 0:
		s = uint16(v*math.MaxUint16 + 0.5)
	}
	p[0], p[1] = byte(s>>8), byte(s)
}

// Encode writes img as a top-down RGBE file. Scanlines use new-style RLE
// unless the width is outside the range it can express or
// CompressionNone is requested.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("hdr: %w", err)
	}
	src, err := img.Convert(raster.RGB16)
	if err != nil {
		return nil, fmt.Errorf("hdr: %w", err)
	}
	var out []byte
	out = append(out, MagicRadiance+"\n"...)
	if img.Meta.Comment != "" {
		for _, c := range strings.Split(img.Meta.Comment, "\n") {
			out = append(out, "# "+c+"\n"...)
		}
	}
	out = append(out, "FORMAT="+formatRGBE+"\n\n"...)
	out = fmt.Appendf(out, "-Y %d +X %d\n", img.Height, img.Width)

	useRLE := opts.GetCompression() != raster.CompressionNone && img.Width >= minRLEWidth && img.Width <= maxRLEWidth
	scan := make([]byte, 4*img.Width)
	for y := 0; y < img.Height; y++ {
		row := src.Row(y)
		for x := 0; x < img.Width; x++ {
			toRGBE(scan[4*x:], get(row[6*x:]), get(row[6*x+2:]), get(row[6*x+4:]))
		}
		if useRLE {
			out = rle.EncodeRGBE(out, scan, img.Width)
		} else {
			out = append(out, scan...)
		}
	}
	return out, nil
}

func get(p []byte) float64 {
	return float64(uint16(p[0])<<8|uint16(p[1])) / math.MaxUint16
}

func toRGBE(p []byte, r, g, b float64) {
	v := max(r, g, b)
	if v < 1e-32 {
		p[0], p[1], p[2], p[3] = 0, 0, 0, 0
		return
	}
	m, e := math.Frexp(v)
	scale := m * 256 / v
	p[0] = byte(min(r*scale, 255))
	p[1] = byte(min(g*scale, 255))
	p[2] = byte(min(b*scale, 255))
	p[3] = byte(e + 128)
}
