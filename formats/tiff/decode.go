// Package tiff reads and writes baseline TIFF images.
package tiff

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/internal/lzw"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

// Tags.
const (
	tImageWidth       = 256
	tImageLength      = 257
	tBitsPerSample    = 258
	tCompression      = 259
	tPhotometric      = 262
	tImageDescription = 270
	tStripOffsets     = 273
	tSamplesPerPixel  = 277
	tRowsPerStrip     = 278
	tStripByteCounts  = 279
	tXResolution      = 282
	tYResolution      = 283
	tPlanarConfig     = 284
	tResolutionUnit   = 296
	tSoftware         = 305
	tPredictor        = 317
	tColorMap         = 320
	tTileWidth        = 322
	tTileLength       = 323
	tTileOffsets      = 324
	tTileByteCounts   = 325
	tExtraSamples     = 338
	tSampleFormat     = 339
	tXMP              = 700
	tICCProfile       = 34675
)

// Compression schemes.
const (
	cNone     = 1
	cLZW      = 5
	cOldJPEG  = 6
	cJPEG     = 7
	cDeflate  = 8
	cPackBits = 32773
	cDeflate2 = 32946
)

// Photometric interpretations.
const (
	pWhiteIsZero = 0
	pBlackIsZero = 1
	pRGB         = 2
	pPalette     = 3
	pCMYK        = 5
)

const (
	predictorNone       = 1
	predictorHorizontal = 2

	extraAssociated = 1
)

type decoder struct {
	buf   []byte
	order binary.ByteOrder
	ifd   container.IFD
	opts  *raster.Options

	width, height int
	bps           int
	spp           int
	photometric   int
	compression   int
	predictor     int
	alpha         bool
	premultiplied bool
	colorMap      []uint32
}

func (d *decoder) uint(tag uint16, def uint32) (uint32, error) {
	e, ok := d.ifd.Find(tag)
	if !ok {
		return def, nil
	}
	v, err := e.Uint(d.buf, d.order)
	if err != nil {
		return 0, fmt.Errorf("tiff: tag %d: %w", tag, err)
	}
	return v, nil
}

func (d *decoder) uints(tag uint16) ([]uint32, error) {
	e, ok := d.ifd.Find(tag)
	if !ok {
		return nil, fmt.Errorf("tiff: %w: missing tag %d", codecerr.ErrInvalidFormat, tag)
	}
	v, err := e.Uints(d.buf, d.order)
	if err != nil {
		return nil, fmt.Errorf("tiff: tag %d: %w", tag, err)
	}
	return v, nil
}

func (d *decoder) bytes(tag uint16) []byte {
	e, ok := d.ifd.Find(tag)
	if !ok {
		return nil
	}
	b, err := e.Bytes(d.buf, d.order)
	if err != nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Decode decodes the first image of a TIFF file. The number of pages is
// reported in Meta.Extra["pages"].
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	order, first, err := container.ParseTIFFHeader(data)
	if err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}
	chain, err := container.ReadIFDChain(data, order, first)
	if len(chain) == 0 {
		if err == nil {
			err = fmt.Errorf("%w: no image directory", codecerr.ErrInvalidFormat)
		}
		return nil, fmt.Errorf("tiff: %w", err)
	}
	d := &decoder{buf: data, order: order, ifd: chain[0], opts: opts}
	if err := d.parse(); err != nil {
		return nil, err
	}
	img, err := d.decode()
	if err != nil {
		return nil, err
	}
	img.Meta.ICC = d.bytes(tICCProfile)
	img.Meta.XMP = d.bytes(tXMP)
	if e, ok := d.ifd.Find(tImageDescription); ok {
		if s, err := e.String(data, order); err == nil {
			img.Meta.Comment = s
		}
	}
	if len(chain) > 1 {
		img.Meta.SetExtra("pages", strconv.Itoa(len(chain)))
	}
	return img, nil
}

// DecodeConfig reads the dimensions of the first image.
func DecodeConfig(data []byte) (width, height int, err error) {
	order, first, err := container.ParseTIFFHeader(data)
	if err != nil {
		return 0, 0, fmt.Errorf("tiff: %w", err)
	}
	ifd, err := container.ReadIFD(data, order, first)
	if err != nil {
		return 0, 0, fmt.Errorf("tiff: %w", err)
	}
	d := &decoder{buf: data, order: order, ifd: ifd}
	w, err := d.uint(tImageWidth, 0)
	if err != nil {
		return 0, 0, err
	}
	h, err := d.uint(tImageLength, 0)
	if err != nil {
		return 0, 0, err
	}
	return int(w), int(h), nil
}

func (d *decoder) parse() error {
	w, err := d.uint(tImageWidth, 0)
	if err != nil {
		return err
	}
	h, err := d.uint(tImageLength, 0)
	if err != nil {
		return err
	}
	d.width, d.height = int(w), int(h)
	if err := d.opts.CheckDimensions(d.width, d.height); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}

	var v uint32
	if v, err = d.uint(tSamplesPerPixel, 1); err != nil {
		return err
	}
	d.spp = int(v)
	if d.spp < 1 || d.spp > 8 {
		return fmt.Errorf("tiff: %w: %d samples per pixel", codecerr.ErrUnsupported, d.spp)
	}
	d.bps = 1
	if _, ok := d.ifd.Find(tBitsPerSample); ok {
		bps, err := d.uints(tBitsPerSample)
		if err != nil {
			return err
		}
		if len(bps) == 0 {
			return fmt.Errorf("tiff: %w: empty BitsPerSample", codecerr.ErrInvalidFormat)
		}
		d.bps = int(bps[0])
		for _, b := range bps[1:] {
			if int(b) != d.bps {
				return fmt.Errorf("tiff: %w: mixed bits per sample %v", codecerr.ErrUnsupported, bps)
			}
		}
	}
	if v, err = d.uint(tCompression, cNone); err != nil {
		return err
	}
	d.compression = int(v)
	if v, err = d.uint(tPhotometric, pBlackIsZero); err != nil {
		return err
	}
	d.photometric = int(v)
	if v, err = d.uint(tPredictor, predictorNone); err != nil {
		return err
	}
	d.predictor = int(v)
	if v, err = d.uint(tPlanarConfig, 1); err != nil {
		return err
	}
	if v != 1 {
		return fmt.Errorf("tiff: %w: planar configuration %d", codecerr.ErrUnsupported, v)
	}
	if v, err = d.uint(tSampleFormat, 1); err != nil {
		return err
	}
	if v != 1 {
		return fmt.Errorf("tiff: %w: sample format %d", codecerr.ErrUnsupported, v)
	}

	base := 1
	switch d.photometric {
	case pWhiteIsZero, pBlackIsZero:
		switch d.bps {
		case 1, 2, 4, 8, 16:
		default:
			return fmt.Errorf("tiff: %w: %d-bit gray", codecerr.ErrUnsupported, d.bps)
		}
	case pPalette:
		switch d.bps {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("tiff: %w: %d-bit palette", codecerr.ErrUnsupported, d.bps)
		}
		if d.colorMap, err = d.uints(tColorMap); err != nil {
			return err
		}
		if len(d.colorMap) != 3<<d.bps {
			return fmt.Errorf("tiff: %w: colour map has %d entries for %d bits", codecerr.ErrInvalidFormat, len(d.colorMap), d.bps)
		}
	case pRGB:
		base = 3
	case pCMYK:
		base = 4
	default:
		return fmt.Errorf("tiff: %w: photometric interpretation %d", codecerr.ErrUnsupported, d.photometric)
	}
	if base > 1 && d.bps != 8 && !(d.bps == 16 && d.photometric == pRGB) {
		return fmt.Errorf("tiff: %w: %d-bit samples with photometric %d", codecerr.ErrUnsupported, d.bps, d.photometric)
	}
	if d.spp < base {
		return fmt.Errorf("tiff: %w: %d samples for photometric %d", codecerr.ErrInvalidFormat, d.spp, d.photometric)
	}
	if d.spp > base && d.photometric != pPalette && d.photometric != pCMYK {
		if e, ok := d.ifd.Find(tExtraSamples); ok {
			if es, err := e.Uints(d.buf, d.order); err == nil && len(es) > 0 && es[0] != 0 {
				d.alpha = true
				d.premultiplied = es[0] == extraAssociated
			}
		}
	}
	if d.predictor != predictorNone && (d.predictor != predictorHorizontal || d.bps < 8) {
		return fmt.Errorf("tiff: %w: predictor %d with %d-bit samples", codecerr.ErrUnsupported, d.predictor, d.bps)
	}
	return nil
}

// rowBytes returns the packed size of n pixels.
func (d *decoder) rowBytes(n int) int {
	return (n*d.spp*d.bps + 7) / 8
}

// decompress expands one strip or tile to exactly n bytes.
func (d *decoder) decompress(src []byte, n int) ([]byte, error) {
	switch d.compression {
	case cNone:
		if len(src) < n {
			return nil, fmt.Errorf("tiff: uncompressed block: %w", codecerr.ErrTruncated)
		}
		return src[:n], nil
	case cLZW:
		out, err := lzw.Decode(src, lzw.MSB, 8, true, n)
		if len(out) < n {
			if err == nil {
				err = fmt.Errorf("%w: LZW block has %d of %d bytes", codecerr.ErrTruncated, len(out), n)
			}
			return nil, fmt.Errorf("tiff: %w", err)
		}
		return out, nil
	case cPackBits:
		out := make([]byte, n)
		written, _, err := rle.UnpackBits(out, src)
		if written < n {
			if err == nil {
				err = fmt.Errorf("%w: PackBits block has %d of %d bytes", codecerr.ErrTruncated, written, n)
			}
			return nil, fmt.Errorf("tiff: %w", err)
		}
		return out, nil
	case cDeflate, cDeflate2:
		out, err := deflate.Inflate(src, n)
		if err != nil {
			return nil, fmt.Errorf("tiff: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("tiff: %w: compression %d", codecerr.ErrUnsupported, d.compression)
}

// block returns the bytes of strip or tile i.
func (d *decoder) block(offsets, counts []uint32, i int) ([]byte, error) {
	if i >= len(offsets) {
		return nil, fmt.Errorf("tiff: %w: %d offsets, need block %d", codecerr.ErrInvalidFormat, len(offsets), i)
	}
	off := uint64(offsets[i])
	end := uint64(len(d.buf))
	if i < len(counts) {
		end = off + uint64(counts[i])
	}
	if off > uint64(len(d.buf)) || end > uint64(len(d.buf)) {
		return nil, fmt.Errorf("tiff: block %d at %d: %w", i, off, codecerr.ErrTruncated)
	}
	return d.buf[off:end], nil
}

func (d *decoder) decode() (*raster.Image, error) {
	switch d.compression {
	case cNone, cLZW, cPackBits, cDeflate, cDeflate2:
	default:
		if d.opts.AllowPlaceholder() {
			img, err := raster.Placeholder(d.width, d.height, d.opts)
			if err != nil {
				return nil, fmt.Errorf("tiff: %w", err)
			}
			img.Meta.SetExtra("compression", strconv.Itoa(d.compression))
			return img, nil
		}
		return nil, fmt.Errorf("tiff: %w: compression %d", codecerr.ErrUnsupported, d.compression)
	}

	stride := d.rowBytes(d.width)
	raw := make([]byte, stride*d.height)
	if _, tiled := d.ifd.Find(tTileWidth); tiled {
		if err := d.readTiles(raw, stride); err != nil {
			return nil, err
		}
	} else if err := d.readStrips(raw, stride); err != nil {
		return nil, err
	}
	return d.convert(raw, stride)
}

func (d *decoder) readStrips(raw []byte, stride int) error {
	offsets, err := d.uints(tStripOffsets)
	if err != nil {
		return err
	}
	counts, _ := d.uints(tStripByteCounts)
	rps, err := d.uint(tRowsPerStrip, uint32(d.height))
	if err != nil {
		return err
	}
	rows := min(max(int(rps), 1), d.height)
	for i, y := 0, 0; y < d.height; i, y = i+1, y+rows {
		n := min(rows, d.height-y)
		src, err := d.block(offsets, counts, i)
		if err != nil {
			return err
		}
		out, err := d.decompress(src, n*stride)
		if err != nil {
			return fmt.Errorf("tiff: strip %d: %w", i, err)
		}
		d.unpredict(out, stride)
		copy(raw[y*stride:], out)
	}
	return nil
}

func (d *decoder) readTiles(raw []byte, stride int) error {
	tw, err := d.uint(tTileWidth, 0)
	if err != nil {
		return err
	}
	th, err := d.uint(tTileLength, 0)
	if err != nil {
		return err
	}
	if tw == 0 || th == 0 || tw%16 != 0 || th%16 != 0 {
		return fmt.Errorf("tiff: %w: tile size %dx%d", codecerr.ErrInvalidFormat, tw, th)
	}
	if err := d.opts.CheckDimensions(int(tw), int(th)); err != nil {
		return fmt.Errorf("tiff: %w", err)
	}
	offsets, err := d.uints(tTileOffsets)
	if err != nil {
		return err
	}
	counts, _ := d.uints(tTileByteCounts)
	tileStride := d.rowBytes(int(tw))
	across := (d.width + int(tw) - 1) / int(tw)
	down := (d.height + int(th) - 1) / int(th)
	for ty := 0; ty < down; ty++ {
		for tx := 0; tx < across; tx++ {
			i := ty*across + tx
			src, err := d.block(offsets, counts, i)
			if err != nil {
				return err
			}
			out, err := d.decompress(src, tileStride*int(th))
			if err != nil {
				return fmt.Errorf("tiff: tile %d: %w", i, err)
			}
			d.unpredict(out, tileStride)
			x0 := d.rowBytes(tx * int(tw))
			n := min(tileStride, stride-x0)
			for y := 0; y < int(th); y++ {
				iy := ty*int(th) + y
				if iy >= d.height {
					break
				}
				copy(raw[iy*stride+x0:iy*stride+x0+n], out[y*tileStride:])
			}
		}
	}
	return nil
}

// unpredict reverses horizontal differencing row by row.
func (d *decoder) unpredict(p []byte, stride int) {
	if d.predictor != predictorHorizontal {
		return
	}
	for off := 0; off+stride <= len(p); off += stride {
		row := p[off : off+stride]
		if d.bps == 16 {
			for i := 2 * d.spp; i+1 < len(row); i += 2 {
				v := d.order.Uint16(row[i:]) + d.order.Uint16(row[i-2*d.spp:])
				d.order.PutUint16(row[i:], v)
			}
			continue
		}
		for i := d.spp; i < len(row); i++ {
			row[i] += row[i-d.spp]
		}
	}
}

// sample returns sample s of pixel x in a packed row, widened to 16 bits.
func (d *decoder) sample(row []byte, x, s int) uint16 {
	i := x*d.spp + s
	switch d.bps {
	case 8:
		v := uint16(row[i])
		return v<<8 | v
	case 16:
		return d.order.Uint16(row[2*i:])
	}
	bit := i * d.bps
	v := row[bit/8] >> (8 - d.bps - bit%8) & (1<<d.bps - 1)
	return uint16(uint32(v) * 0xffff / (1<<d.bps - 1))
}

// convert maps the packed samples to a raster image.
func (d *decoder) convert(raw []byte, stride int) (*raster.Image, error) {
	var f raster.PixelFormat
	wide := d.bps == 16
	switch d.photometric {
	case pPalette:
		f = raster.Indexed8
	case pWhiteIsZero, pBlackIsZero:
		switch {
		case d.alpha && wide:
			f = raster.RGBA16
		case d.alpha:
			f = raster.RGBA8
		case wide:
			f = raster.Gray16
		default:
			f = raster.Gray8
		}
	default:
		switch {
		case d.alpha && wide:
			f = raster.RGBA16
		case d.alpha:
			f = raster.RGBA8
		case wide:
			f = raster.RGB16
		default:
			f = raster.RGB8
		}
	}
	img := raster.New(d.width, d.height, f)
	if f == raster.Indexed8 {
		n := 1 << d.bps
		img.Palette = make(raster.Palette, n)
		for i := range img.Palette {
			img.Palette[i] = color.NRGBA{
				R: uint8(d.colorMap[i] >> 8),
				G: uint8(d.colorMap[n+i] >> 8),
				B: uint8(d.colorMap[2*n+i] >> 8),
				A: 0xff,
			}
		}
	}

	bpp := f.BytesPerPixel()
	for y := 0; y < d.height; y++ {
		row := raw[y*stride : (y+1)*stride]
		dst := img.Row(y)
		for x := 0; x < d.width; x++ {
			var c [4]uint16
			c[3] = 0xffff
			switch d.photometric {
			case pPalette:
				i := x*d.spp*d.bps
				dst[x] = row[i/8] >> (8 - d.bps - i%8) & (1<<d.bps - 1)
				continue
			case pWhiteIsZero, pBlackIsZero:
				g := d.sample(row, x, 0)
				if d.photometric == pWhiteIsZero {
					g = 0xffff - g
				}
				c[0], c[1], c[2] = g, g, g
				if d.alpha {
					c[3] = d.sample(row, x, 1)
				}
			case pCMYK:
				k := 0xffff - uint32(d.sample(row, x, 3))
				for j := 0; j < 3; j++ {
					c[j] = uint16((0xffff - uint32(d.sample(row, x, j))) * k / 0xffff)
				}
			default:
				for j := 0; j < 3; j++ {
					c[j] = d.sample(row, x, j)
				}
				if d.alpha {
					c[3] = d.sample(row, x, 3)
				}
			}
			if d.premultiplied && c[3] != 0 && c[3] != 0xffff {
				for j := 0; j < 3; j++ {
					c[j] = uint16(min(uint32(c[j])*0xffff/uint32(c[3]), 0xffff))
				}
			}
			p := dst[x*bpp:]
			switch f {
			case raster.Gray8:
				p[0] = uint8(c[0] >> 8)
			case raster.Gray16:
				binary.BigEndian.PutUint16(p, c[0])
			case raster.RGB8, raster.RGBA8:
				for j := 0; j < f.Channels(); j++ {
					p[j] = uint8(c[j] >> 8)
				}
			default:
				for j := 0; j < f.Channels(); j++ {
					binary.BigEndian.PutUint16(p[2*j:], c[j])
				}
			}
		}
	}
	return img, nil
}
