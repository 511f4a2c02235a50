// Package pnm reads and writes the Netpbm formats: PBM (P1, P4), PGM (P2,
// P5) and PPM (P3, P6).
package pnm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

const maxValue = 65535

type header struct {
	kind          byte // '1' to '6'
	width, height int
	maxval        int
	comments      []string
	size          int
}

func (h header) binary() bool { return h.kind >= '4' }

func (h header) channels() int {
	switch h.kind {
	case '3', '6':
		return 3
	}
	return 1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

// scanner reads whitespace separated decimal tokens, skipping comments.
type scanner struct {
	p        []byte
	off      int
	comments *[]string // collects header comments when set
}

func (s *scanner) skip() {
	for s.off < len(s.p) {
		switch c := s.p[s.off]; {
		case isSpace(c):
			s.off++
		case c == '#':
			start := s.off + 1
			for s.off < len(s.p) && s.p[s.off] != '\n' && s.p[s.off] != '\r' {
				s.off++
			}
			if s.comments != nil {
				*s.comments = append(*s.comments, strings.TrimSpace(string(s.p[start:s.off])))
			}
		default:
			return
		}
	}
}

// number reads an unsigned decimal. When term is set the digits must be
// followed by a whitespace byte.
func (s *scanner) number(what string, term bool) (int, error) {
	s.skip()
	start := s.off
	for s.off < len(s.p) && s.p[s.off] >= '0' && s.p[s.off] <= '9' {
		s.off++
	}
	switch {
	case s.off == start && s.off == len(s.p):
		return 0, fmt.Errorf("pnm: %s: %w", what, codecerr.ErrTruncated)
	case s.off == start:
		return 0, fmt.Errorf("pnm: %w: %s is not a number", codecerr.ErrInvalidFormat, what)
	case term && s.off == len(s.p):
		return 0, fmt.Errorf("pnm: %s: %w", what, codecerr.ErrTruncated)
	case term && !isSpace(s.p[s.off]):
		return 0, fmt.Errorf("pnm: %w: %s is not a number", codecerr.ErrInvalidFormat, what)
	case s.off-start > 9:
		return 0, fmt.Errorf("pnm: %w: %s too large", codecerr.ErrInvalidFormat, what)
	}
	n, _ := strconv.Atoi(string(s.p[start:s.off]))
	return n, nil
}

func parseHeader(data []byte) (header, error) {
	var h header
	if len(data) < 2 {
		if len(data) == 0 || data[0] == 'P' {
			return h, fmt.Errorf("pnm: magic: %w", codecerr.ErrTruncated)
		}
		return h, fmt.Errorf("pnm: %w: missing P magic", codecerr.ErrInvalidFormat)
	}
	if data[0] != 'P' || data[1] < '1' || data[1] > '6' {
		return h, fmt.Errorf("pnm: %w: magic %q", codecerr.ErrInvalidFormat, data[:2])
	}
	h.kind = data[1]
	s := &scanner{p: data, off: 2, comments: &h.comments}
	if s.off < len(data) && !isSpace(data[s.off]) && data[s.off] != '#' {
		return h, fmt.Errorf("pnm: %w: magic %q", codecerr.ErrInvalidFormat, data[:3])
	}
	bitmap := h.kind == '1' || h.kind == '4'
	var err error
	if h.width, err = s.number("width", true); err != nil {
		return h, err
	}
	if h.height, err = s.number("height", true); err != nil {
		return h, err
	}
	h.maxval = 1
	if !bitmap {
		if h.maxval, err = s.number("maxval", true); err != nil {
			return h, err
		}
		if h.maxval < 1 || h.maxval > maxValue {
			return h, fmt.Errorf("pnm: %w: maxval %d", codecerr.ErrInvalidFormat, h.maxval)
		}
	}
	h.size = s.off
	if h.binary() {
		h.size++ // single whitespace byte before the raster
	}
	return h, nil
}

// DecodeConfig returns the size from the header.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// Decode decodes any of P1 to P6. Bitmaps and graymaps decode to Gray8,
// pixmaps to RGB8; a maxval above 255 yields Gray16 or RGB16. Samples
// are rescaled to the full range of the output depth.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	f := raster.Gray8
	if h.channels() == 3 {
		f = raster.RGB8
	}
	wide := h.maxval > 255
	if wide {
		f = map[raster.PixelFormat]raster.PixelFormat{raster.Gray8: raster.Gray16, raster.RGB8: raster.RGB16}[f]
	}
	img, err := opts.NewImage(h.width, h.height, f)
	if err != nil {
		return nil, fmt.Errorf("pnm: %w", err)
	}
	n := h.width * h.height * h.channels()
	switch h.kind {
	case '4':
		err = decodePackedBits(img, data[h.size:])
	case '1':
		err = decodeASCIIBits(img, data, h.size)
	default:
		samples := make([]int, n)
		if h.binary() {
			err = readBinary(samples, data[h.size:], wide)
		} else {
			err = readASCII(samples, data, h.size, h.maxval)
		}
		if err == nil {
			store(img, samples, h.maxval, wide)
		}
	}
	if err != nil {
		return nil, err
	}
	img.Meta.SetExtra("maxval", strconv.Itoa(h.maxval))
	img.Meta.Comment = strings.Join(h.comments, "\n")
	return img, nil
}

func decodePackedBits(img *raster.Image, src []byte) error {
	rowBytes := (img.Width + 7) / 8
	if len(src) < rowBytes*img.Height {
		return fmt.Errorf("pnm: raster: %w", codecerr.ErrTruncated)
	}
	for y := 0; y < img.Height; y++ {
		row := img.Row(y)
		bits := src[y*rowBytes:]
		for x := range row {
			if bits[x/8]&(0x80>>(x%8)) == 0 {
				row[x] = 0xff
			}
		}
	}
	return nil
}

// decodeASCIIBits reads P1 samples. Digits need no separators.
func decodeASCIIBits(img *raster.Image, data []byte, off int) error {
	s := &scanner{p: data, off: off}
	for i := range img.Pix {
		s.skip()
		if s.off >= len(data) {
			return fmt.Errorf("pnm: raster: %w", codecerr.ErrTruncated)
		}
		switch data[s.off] {
		case '0':
			img.Pix[i] = 0xff
		case '1':
		default:
			return fmt.Errorf("pnm: %w: bitmap sample %q", codecerr.ErrInvalidFormat, data[s.off])
		}
		s.off++
	}
	return nil
}

func readBinary(dst []int, src []byte, wide bool) error {
	bps := 1
	if wide {
		bps = 2
	}
	if len(src) < len(dst)*bps {
		return fmt.Errorf("pnm: raster: %w", codecerr.ErrTruncated)
	}
	for i := range dst {
		if wide {
			dst[i] = int(src[2*i])<<8 | int(src[2*i+1])
		} else {
			dst[i] = int(src[i])
		}
	}
	return nil
}

func readASCII(dst []int, data []byte, off, maxval int) error {
	s := &scanner{p: data, off: off}
	for i := range dst {
		v, err := s.number("sample", false)
		if err != nil {
			return err
		}
		if v > maxval {
			return fmt.Errorf("pnm: %w: sample %d above maxval %d", codecerr.ErrInvalidFormat, v, maxval)
		}
		dst[i] = v
	}
	return nil
}

// store rescales samples from [0, maxval] to the output depth. Samples
// above maxval in binary rasters saturate.
func store(img *raster.Image, samples []int, maxval int, wide bool) {
	full := 255
	if wide {
		full = maxValue
	}
	for i, v := range samples {
		v = min(v, maxval)
		if maxval != full {
			v = (v*full + maxval/2) / maxval
		}
		if wide {
			img.Pix[2*i], img.Pix[2*i+1] = byte(v>>8), byte(v)
		} else {
			img.Pix[i] = byte(v)
		}
	}
}

// Encode writes a binary graymap (P5) for gray images and a binary pixmap
// (P6) otherwise. 16-bit images keep maxval 65535; alpha is dropped.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("pnm: %w", err)
	}
	wide := img.Format.Depth() == 16
	var f raster.PixelFormat
	var magic string
	switch {
	case img.Format.IsGray() && wide:
		f, magic = raster.Gray16, "P5"
	case img.Format.IsGray():
		f, magic = raster.Gray8, "P5"
	case wide:
		f, magic = raster.RGB16, "P6"
	default:
		f, magic = raster.RGB8, "P6"
	}
	src, err := img.Convert(f)
	if err != nil {
		return nil, fmt.Errorf("pnm: %w", err)
	}
	maxval := 255
	if wide {
		maxval = maxValue
	}
	out := fmt.Appendf(nil, "%s\n", magic)
	if img.Meta.Comment != "" {
		for _, c := range strings.Split(img.Meta.Comment, "\n") {
			out = fmt.Appendf(out, "# %s\n", c)
		}
	}
	out = fmt.Appendf(out, "%d %d\n%d\n", img.Width, img.Height, maxval)
	return append(out, src.Pix...), nil
}
