// Package psd reads and writes the merged composite image of Photoshop
// documents (PSD and the large-document PSB variant). Layers are skipped.
package psd

import (
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

// Magic opens every PSD and PSB file.
const Magic = "8BPS"

const (
	headerSize  = 26
	maxChannels = 56
	maxPSD      = 30000
	maxPSB      = 300000
)

// Colour modes.
const (
	modeBitmap  = 0
	modeGray    = 1
	modeIndexed = 2
	modeRGB     = 3
	modeCMYK    = 4
	modeDuotone = 8
)

// Composite compression methods.
const (
	compressRaw     = 0
	compressRLE     = 1
	compressZIP     = 2
	compressZIPPred = 3
)

// Image resource IDs.
const (
	resICC         = 1039
	resColorCount  = 1046
	resTransparent = 1047
	resEXIF        = 1058
	resXMP         = 1060
)

var be = binary.BigEndian

type header struct {
	version  int
	channels int
	width    int
	height   int
	depth    int
	mode     int
}

// reader walks the file sections.
type reader struct {
	p   []byte
	off int
	err error
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.p)-r.off < n {
		r.err = fmt.Errorf("psd: %s: %w", what, codecerr.ErrTruncated)
		return nil
	}
	b := r.p[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16(what string) int {
	if b := r.take(2, what); b != nil {
		return int(be.Uint16(b))
	}
	return 0
}

func (r *reader) u32(what string) int {
	if b := r.take(4, what); b != nil {
		return int(be.Uint32(b))
	}
	return 0
}

// section reads a length-prefixed block; PSB uses 8-byte lengths for the
// layer section.
func (r *reader) section(wide bool, what string) []byte {
	if !wide {
		return r.take(r.u32(what+" length"), what)
	}
	b := r.take(8, what+" length")
	if b == nil {
		return nil
	}
	n := be.Uint64(b)
	if n > uint64(len(r.p)) {
		r.err = fmt.Errorf("psd: %s: %w", what, codecerr.ErrTruncated)
		return nil
	}
	return r.take(int(n), what)
}

func parseHeader(r *reader) (header, error) {
	var h header
	if len(r.p) < len(Magic) || string(r.p[:4]) != Magic {
		if len(r.p) < len(Magic) && string(r.p) == Magic[:len(r.p)] {
			return h, fmt.Errorf("psd: signature: %w", codecerr.ErrTruncated)
		}
		return h, fmt.Errorf("psd: %w: missing 8BPS signature", codecerr.ErrInvalidFormat)
	}
	b := r.take(headerSize, "header")
	if b == nil {
		return h, r.err
	}
	h.version = int(be.Uint16(b[4:]))
	h.channels = int(be.Uint16(b[12:]))
	h.height = int(be.Uint32(b[14:]))
	h.width = int(be.Uint32(b[18:]))
	h.depth = int(be.Uint16(b[22:]))
	h.mode = int(be.Uint16(b[24:]))

	limit := maxPSD
	switch h.version {
	case 1:
	case 2:
		limit = maxPSB
	default:
		return h, fmt.Errorf("psd: %w: version %d", codecerr.ErrInvalidFormat, h.version)
	}
	if h.channels < 1 || h.channels > maxChannels {
		return h, fmt.Errorf("psd: %w: %d channels", codecerr.ErrInvalidFormat, h.channels)
	}
	if h.width < 1 || h.height < 1 || h.width > limit || h.height > limit {
		return h, fmt.Errorf("psd: %w: %dx%d", codecerr.ErrInvalidDimensions, h.width, h.height)
	}
	switch h.depth {
	case 1, 8, 16:
	case 32:
		return h, fmt.Errorf("psd: %w: 32-bit float channels", codecerr.ErrUnsupported)
	default:
		return h, fmt.Errorf("psd: %w: depth %d", codecerr.ErrInvalidFormat, h.depth)
	}
	if (h.depth == 1) != (h.mode == modeBitmap) {
		return h, fmt.Errorf("psd: %w: depth %d in mode %d", codecerr.ErrInvalidFormat, h.depth, h.mode)
	}
	return h, nil
}

// colorChannels is the number of colour channels the mode needs. Extra
// channels after them hold alpha.
func (h header) colorChannels() (int, error) {
	switch h.mode {
	case modeBitmap, modeGray, modeIndexed, modeDuotone:
		return 1, nil
	case modeRGB:
		return 3, nil
	case modeCMYK:
		return 4, nil
	}
	return 0, fmt.Errorf("psd: %w: colour mode %d", codecerr.ErrUnsupported, h.mode)
}

// DecodeConfig returns the document size.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(&reader{p: data})
	if err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

// Decode decodes the merged composite. Gray and duotone documents decode
// to Gray8/Gray16, bitmap to Gray8, indexed to Indexed8 and RGB or CMYK
// to RGB8/RGB16. The first extra channel becomes alpha.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	r := &reader{p: data}
	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(h.width, h.height); err != nil {
		return nil, fmt.Errorf("psd: %w", err)
	}
	nc, err := h.colorChannels()
	if err != nil {
		return nil, err
	}
	if h.channels < nc {
		return nil, fmt.Errorf("psd: %w: mode %d with %d channels", codecerr.ErrInvalidFormat, h.mode, h.channels)
	}
	colorData := r.section(false, "colour mode data")
	resData := r.section(false, "image resources")
	r.section(h.version == 2, "layer and mask information")
	if r.err != nil {
		return nil, r.err
	}
	res, err := parseResources(resData)
	if err != nil {
		return nil, err
	}

	comp := r.u16("compression")
	if r.err != nil {
		return nil, r.err
	}
	planes := min(h.channels, nc+1)
	rowBytes := (h.width*h.depth + 7) / 8
	chans, err := readPlanes(r.p[r.off:], h, comp, planes, rowBytes)
	if err != nil {
		return nil, err
	}

	img, err := compose(h, chans, nc, rowBytes)
	if err != nil {
		return nil, err
	}
	if h.mode == modeIndexed {
		if err := indexedPalette(img, colorData, res); err != nil {
			return nil, err
		}
	}
	img.Meta.ICC = res.icc
	img.Meta.XMP = res.xmp
	img.Meta.EXIF = res.exif
	return img, nil
}

type resources struct {
	icc, xmp, exif []byte
	colorCount     int
	transparent    int
}

func parseResources(p []byte) (resources, error) {
	res := resources{transparent: -1}
	r := &reader{p: p}
	for r.off < len(p) {
		sig := r.take(4, "resource signature")
		id := r.u16("resource id")
		nameLen := 0
		if b := r.take(1, "resource name"); b != nil {
			nameLen = int(b[0])
		}
		r.take(nameLen+(nameLen+1)%2, "resource name")
		size := r.u32("resource size")
		body := r.take(size, "resource data")
		if r.err != nil {
			return res, r.err
		}
		if size%2 == 1 && r.off < len(p) {
			r.off++
		}
		if string(sig) != "8BIM" {
			continue
		}
		switch id {
		case resICC:
			res.icc = body
		case resXMP:
			res.xmp = body
		case resEXIF:
			res.exif = body
		case resColorCount:
			if len(body) >= 2 {
				res.colorCount = int(be.Uint16(body))
			}
		case resTransparent:
			if len(body) >= 2 {
				res.transparent = int(be.Uint16(body))
			}
		}
	}
	return res, nil
}

// readPlanes returns the first n channel planes of the composite image.
func readPlanes(src []byte, h header, comp, n, rowBytes int) ([][]byte, error) {
	planeSize := rowBytes * h.height
	out := make([][]byte, n)
	switch comp {
	case compressRaw:
		if len(src) < n*planeSize {
			return nil, fmt.Errorf("psd: image data: %w", codecerr.ErrTruncated)
		}
		for i := range out {
			out[i] = src[i*planeSize : (i+1)*planeSize]
		}
	case compressRLE:
		countSize := 2
		if h.version == 2 {
			countSize = 4
		}
		rows := h.channels * h.height
		if len(src) < rows*countSize {
			return nil, fmt.Errorf("psd: RLE row counts: %w", codecerr.ErrTruncated)
		}
		data := src[rows*countSize:]
		for i := range out {
			out[i] = make([]byte, planeSize)
			for y := 0; y < h.height; y++ {
				k := i*h.height + y
				var cnt int
				if countSize == 2 {
					cnt = int(be.Uint16(src[2*k:]))
				} else {
					cnt = int(be.Uint32(src[4*k:]))
				}
				if cnt > len(data) {
					return nil, fmt.Errorf("psd: RLE row: %w", codecerr.ErrTruncated)
				}
				dst := out[i][y*rowBytes : (y+1)*rowBytes]
				w, _, err := rle.UnpackBits(dst, data[:cnt])
				if err != nil {
					return nil, fmt.Errorf("psd: %w", err)
				}
				if w != rowBytes {
					return nil, fmt.Errorf("psd: %w: RLE row of %d bytes, want %d", codecerr.ErrDecompression, w, rowBytes)
				}
				data = data[cnt:]
			}
		}
	case compressZIP, compressZIPPred:
		all, err := deflate.Inflate(src, h.channels*planeSize)
		if err != nil {
			return nil, fmt.Errorf("psd: %w", err)
		}
		for i := range out {
			out[i] = all[i*planeSize : (i+1)*planeSize]
			if comp == compressZIPPred {
				undoDelta(out[i], rowBytes, h.depth)
			}
		}
	default:
		return nil, fmt.Errorf("psd: %w: compression %d", codecerr.ErrInvalidFormat, comp)
	}
	return out, nil
}

// undoDelta reverses the per-row horizontal difference predictor.
func undoDelta(p []byte, rowBytes, depth int) {
	for y := 0; y+rowBytes <= len(p); y += rowBytes {
		row := p[y : y+rowBytes]
		if depth == 16 {
			for i := 2; i+1 < len(row); i += 2 {
				v := be.Uint16(row[i-2:]) + be.Uint16(row[i:])
				be.PutUint16(row[i:], v)
			}
			continue
		}
		for i := 1; i < len(row); i++ {
			row[i] += row[i-1]
		}
	}
}

// compose interleaves planar channels into a raster image.
func compose(h header, chans [][]byte, nc, rowBytes int) (*raster.Image, error) {
	alpha := len(chans) > nc
	bps := 1
	if h.depth == 16 {
		bps = 2
	}
	var f raster.PixelFormat
	switch {
	case h.mode == modeBitmap:
		img := raster.New(h.width, h.height, raster.Gray8)
		for y := 0; y < h.height; y++ {
			row := img.Row(y)
			src := chans[0][y*rowBytes:]
			for x := range row {
				if src[x/8]&(0x80>>(x%8)) == 0 {
					row[x] = 0xff
				}
			}
		}
		return img, nil
	case h.mode == modeIndexed:
		if h.depth != 8 {
			return nil, fmt.Errorf("psd: %w: %d-bit indexed", codecerr.ErrInvalidFormat, h.depth)
		}
		img := raster.New(h.width, h.height, raster.Indexed8)
		copy(img.Pix, chans[0])
		return img, nil
	case nc == 1 && !alpha:
		f = raster.Gray8
	case !alpha:
		f = raster.RGB8
	default:
		f = raster.RGBA8
	}
	if bps == 2 {
		f = map[raster.PixelFormat]raster.PixelFormat{raster.Gray8: raster.Gray16, raster.RGB8: raster.RGB16, raster.RGBA8: raster.RGBA16}[f]
	}
	img := raster.New(h.width, h.height, f)
	spp := f.Channels()
	full := 1<<(8*bps) - 1
	n := h.width * h.height
	get := func(c, i int) int {
		if bps == 2 {
			return int(be.Uint16(chans[c][2*i:]))
		}
		return int(chans[c][i])
	}
	set := func(i, s, v int) {
		o := (i*spp + s) * bps
		if bps == 2 {
			be.PutUint16(img.Pix[o:], uint16(v))
		} else {
			img.Pix[o] = uint8(v)
		}
	}
	for i := 0; i < n; i++ {
		switch {
		case h.mode == modeCMYK:
			// Samples are stored inverted: max means no ink.
			k := get(3, i)
			for s := 0; s < 3; s++ {
				set(i, s, get(s, i)*k/full)
			}
		case nc == 1:
			for s := 0; s < spp-btoi(alpha); s++ {
				set(i, s, get(0, i))
			}
		default:
			for s := 0; s < 3; s++ {
				set(i, s, get(s, i))
			}
		}
		if alpha {
			set(i, spp-1, get(nc, i))
		}
	}
	return img, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// indexedPalette builds the palette from the colour mode data, stored as
// 256 reds, then greens, then blues.
func indexedPalette(img *raster.Image, colorData []byte, res resources) error {
	if len(colorData) != 768 {
		return fmt.Errorf("psd: %w: colour table of %d bytes", codecerr.ErrInvalidFormat, len(colorData))
	}
	n := raster.MaxPaletteSize
	if res.colorCount > 0 && res.colorCount < n {
		n = res.colorCount
	}
	img.Palette = make(raster.Palette, n)
	for i := range img.Palette {
		img.Palette[i].R = colorData[i]
		img.Palette[i].G = colorData[256+i]
		img.Palette[i].B = colorData[512+i]
		img.Palette[i].A = 0xff
	}
	if res.transparent >= 0 && res.transparent < n {
		img.Palette[res.transparent].A = 0
	}
	for _, v := range img.Pix {
		if int(v) >= n {
			return fmt.Errorf("psd: %w: index %d outside %d colours", codecerr.ErrInvalidFormat, v, n)
		}
	}
	return nil
}
