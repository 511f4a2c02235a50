// Package png reads and writes PNG images, including APNG animations.
//
// Decoding covers every PNG colour type and bit depth with Adam7
// interlacing and tRNS transparency. The iCCP, eXIf and tEXt chunks fill
// Image.Meta. APNG frames are returned as raw frames in
// Image.Frames; Image.Pix holds the default image.
package png

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/raster"
)

// Signature is the 8-byte PNG file signature.
const Signature = "\x89PNG\r\n\x1a\n"

// Colour types.
const (
	ctGray      = 0
	ctRGB       = 2
	ctPalette   = 3
	ctGrayAlpha = 4
	ctRGBA      = 6
)

const (
	chunkOverhead = 12
	maxChunkLen   = 0x7fffffff
	maxICCSize    = 16 << 20
)

type header struct {
	width      int
	height     int
	depth      int
	colorType  int
	interlaced bool
}

func (h *header) channels() int {
	switch h.colorType {
	case ctRGB:
		return 3
	case ctGrayAlpha:
		return 2
	case ctRGBA:
		return 4
	}
	return 1
}

// rowBytes returns the unfiltered byte length of a w-pixel row.
func (h *header) rowBytes(w int) int {
	return (w*h.channels()*h.depth + 7) / 8
}

// filterUnit is the byte distance filters look back by.
func (h *header) filterUnit() int {
	return max(1, h.channels()*h.depth/8)
}

func (h *header) validate() error {
	ok := false
	switch h.colorType {
	case ctGray:
		ok = h.depth == 1 || h.depth == 2 || h.depth == 4 || h.depth == 8 || h.depth == 16
	case ctPalette:
		ok = h.depth == 1 || h.depth == 2 || h.depth == 4 || h.depth == 8
	case ctRGB, ctGrayAlpha, ctRGBA:
		ok = h.depth == 8 || h.depth == 16
	}
	if !ok {
		return fmt.Errorf("png: %w: colour type %d with bit depth %d", codecerr.ErrInvalidFormat, h.colorType, h.depth)
	}
	return nil
}

type chunk struct {
	typ  string
	data []byte
}

// readChunk reads the chunk at off and verifies its CRC.
func readChunk(data []byte, off int) (chunk, int, error) {
	if len(data)-off < chunkOverhead {
		return chunk{}, 0, fmt.Errorf("png: chunk header: %w", codecerr.ErrTruncated)
	}
	n := binary.BigEndian.Uint32(data[off:])
	if n > maxChunkLen {
		return chunk{}, 0, fmt.Errorf("png: %w: chunk length %d", codecerr.ErrInvalidFormat, n)
	}
	end := off + chunkOverhead + int(n)
	if end > len(data) {
		return chunk{}, 0, fmt.Errorf("png: %q chunk: %w", data[off+4:off+8], codecerr.ErrTruncated)
	}
	body := data[off+4 : end-4]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(data[end-4:]) {
		return chunk{}, 0, fmt.Errorf("png: %w: %q chunk checksum mismatch", codecerr.ErrInvalidFormat, body[:4])
	}
	return chunk{typ: string(body[:4]), data: body[4:]}, end, nil
}

type frameControl struct {
	width, height int
	x, y          int
	delay         time.Duration
	dispose       raster.DisposeOp
	blend         raster.BlendOp
	data          []byte
}

type decoder struct {
	opts    *raster.Options
	hdr     header
	palette raster.Palette
	trns    []byte
	idat    []byte
	meta    raster.Metadata

	animated   bool
	numFrames  int
	numPlays   int
	frames     []*frameControl
	defaultFrm bool // the IDAT image is the first animation frame
}

// Decode decodes a PNG or APNG file.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	if len(data) < len(Signature) {
		return nil, fmt.Errorf("png: signature: %w", codecerr.ErrTruncated)
	}
	if string(data[:len(Signature)]) != Signature {
		return nil, fmt.Errorf("png: %w: bad signature", codecerr.ErrInvalidFormat)
	}
	d := &decoder{opts: opts}
	if err := d.readChunks(data); err != nil {
		return nil, err
	}
	img, err := d.decodePixels(d.idat, d.hdr.width, d.hdr.height)
	if err != nil {
		return nil, err
	}
	img.Meta = d.meta
	if d.animated {
		if err := d.decodeFrames(img); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// DecodeConfig reads only the header.
func DecodeConfig(data []byte) (width, height int, err error) {
	if len(data) < len(Signature) || string(data[:len(Signature)]) != Signature {
		return 0, 0, fmt.Errorf("png: %w: bad signature", codecerr.ErrInvalidFormat)
	}
	c, _, err := readChunk(data, len(Signature))
	if err != nil {
		return 0, 0, err
	}
	var h header
	if err := parseIHDR(c, &h); err != nil {
		return 0, 0, err
	}
	return h.width, h.height, nil
}

func parseIHDR(c chunk, h *header) error {
	if c.typ != "IHDR" {
		return fmt.Errorf("png: %w: first chunk is %q", codecerr.ErrInvalidFormat, c.typ)
	}
	if len(c.data) != 13 {
		return fmt.Errorf("png: %w: IHDR is %d bytes", codecerr.ErrInvalidFormat, len(c.data))
	}
	w := binary.BigEndian.Uint32(c.data[0:])
	hh := binary.BigEndian.Uint32(c.data[4:])
	if w == 0 || hh == 0 || w > maxChunkLen || hh > maxChunkLen {
		return fmt.Errorf("png: %w: %dx%d", codecerr.ErrInvalidDimensions, w, hh)
	}
	h.width, h.height = int(w), int(hh)
	h.depth = int(c.data[8])
	h.colorType = int(c.data[9])
	if c.data[10] != 0 || c.data[11] != 0 {
		return fmt.Errorf("png: %w: compression %d filter %d", codecerr.ErrUnsupported, c.data[10], c.data[11])
	}
	switch c.data[12] {
	case 0:
	case 1:
		h.interlaced = true
	default:
		return fmt.Errorf("png: %w: interlace method %d", codecerr.ErrInvalidFormat, c.data[12])
	}
	return h.validate()
}

func (d *decoder) readChunks(data []byte) error {
	off := len(Signature)
	first := true
	seenIDAT, seenIEND := false, false
	var cur *frameControl
	for !seenIEND {
		c, next, err := readChunk(data, off)
		if err != nil {
			return err
		}
		off = next
		if first {
			if err := parseIHDR(c, &d.hdr); err != nil {
				return err
			}
			if err := d.opts.CheckDimensions(d.hdr.width, d.hdr.height); err != nil {
				return fmt.Errorf("png: %w", err)
			}
			first = false
			continue
		}
		switch c.typ {
		case "IHDR":
			return fmt.Errorf("png: %w: duplicate IHDR", codecerr.ErrInvalidFormat)
		case "PLTE":
			if err := d.parsePLTE(c.data); err != nil {
				return err
			}
		case "tRNS":
			d.trns = c.data
		case "IDAT":
			if cur != nil && !seenIDAT && len(d.frames) == 1 {
				d.defaultFrm = true
			}
			seenIDAT = true
			d.idat = append(d.idat, c.data...)
		case "IEND":
			seenIEND = true
		case "acTL":
			if len(c.data) != 8 {
				return fmt.Errorf("png: %w: acTL is %d bytes", codecerr.ErrInvalidFormat, len(c.data))
			}
			d.animated = true
			d.numFrames = int(binary.BigEndian.Uint32(c.data))
			d.numPlays = int(binary.BigEndian.Uint32(c.data[4:]))
			if d.numFrames == 0 {
				return fmt.Errorf("png: %w: acTL with zero frames", codecerr.ErrInvalidFormat)
			}
			if err := d.opts.CheckFrames(d.numFrames); err != nil {
				return fmt.Errorf("png: %w", err)
			}
		case "fcTL":
			fc, err := d.parseFCTL(c.data)
			if err != nil {
				return err
			}
			if len(d.frames) >= d.numFrames && d.animated {
				return fmt.Errorf("png: %w: more fcTL chunks than acTL declares", codecerr.ErrInvalidFormat)
			}
			cur = fc
			d.frames = append(d.frames, fc)
		case "fdAT":
			if cur == nil || len(c.data) < 4 {
				return fmt.Errorf("png: %w: fdAT without fcTL", codecerr.ErrInvalidFormat)
			}
			cur.data = append(cur.data, c.data[4:]...)
		case "iCCP":
			d.parseICCP(c.data)
		case "eXIf":
			d.meta.EXIF = append([]byte(nil), c.data...)
		case "tEXt":
			d.parseText(c.data)
		default:
			if c.typ[0]&0x20 == 0 {
				return fmt.Errorf("png: %w: critical chunk %q", codecerr.ErrUnsupported, c.typ)
			}
		}
	}
	if !seenIDAT {
		return fmt.Errorf("png: %w: no IDAT chunk", codecerr.ErrInvalidFormat)
	}
	if d.hdr.colorType == ctPalette && d.palette == nil {
		return fmt.Errorf("png: %w: palette image without PLTE", codecerr.ErrInvalidFormat)
	}
	if d.animated && len(d.frames) == 0 {
		d.animated = false
	}
	return nil
}

func (d *decoder) parsePLTE(p []byte) error {
	if len(p)%3 != 0 || len(p) == 0 || len(p) > 3*raster.MaxPaletteSize {
		return fmt.Errorf("png: %w: PLTE is %d bytes", codecerr.ErrInvalidFormat, len(p))
	}
	d.palette = make(raster.Palette, len(p)/3)
	for i := range d.palette {
		d.palette[i].R = p[3*i]
		d.palette[i].G = p[3*i+1]
		d.palette[i].B = p[3*i+2]
		d.palette[i].A = 0xff
	}
	return nil
}

func (d *decoder) parseFCTL(p []byte) (*frameControl, error) {
	if len(p) != 26 {
		return nil, fmt.Errorf("png: %w: fcTL is %d bytes", codecerr.ErrInvalidFormat, len(p))
	}
	be := binary.BigEndian
	fc := &frameControl{
		width:  int(be.Uint32(p[4:])),
		height: int(be.Uint32(p[8:])),
		x:      int(be.Uint32(p[12:])),
		y:      int(be.Uint32(p[16:])),
	}
	num, den := int64(be.Uint16(p[20:])), int64(be.Uint16(p[22:]))
	if den == 0 {
		den = 100
	}
	fc.delay = time.Duration(num) * time.Second / time.Duration(den)
	switch p[24] {
	case 0:
		fc.dispose = raster.DisposeNone
	case 1:
		fc.dispose = raster.DisposeBackground
	case 2:
		fc.dispose = raster.DisposePrevious
	default:
		return nil, fmt.Errorf("png: %w: fcTL dispose_op %d", codecerr.ErrInvalidFormat, p[24])
	}
	switch p[25] {
	case 0:
		fc.blend = raster.BlendSource
	case 1:
		fc.blend = raster.BlendOver
	default:
		return nil, fmt.Errorf("png: %w: fcTL blend_op %d", codecerr.ErrInvalidFormat, p[25])
	}
	if fc.width <= 0 || fc.height <= 0 || fc.x < 0 || fc.y < 0 ||
		fc.x+fc.width > d.hdr.width || fc.y+fc.height > d.hdr.height {
		return nil, fmt.Errorf("png: %w: frame %dx%d at (%d,%d) on %dx%d canvas",
			codecerr.ErrInvalidDimensions, fc.width, fc.height, fc.x, fc.y, d.hdr.width, d.hdr.height)
	}
	// The first frame has nothing to restore.
	if len(d.frames) == 0 && fc.dispose == raster.DisposePrevious {
		fc.dispose = raster.DisposeBackground
	}
	return fc, nil
}

// parseICCP keeps the profile when it inflates cleanly; a damaged profile
// is not worth failing the image for.
func (d *decoder) parseICCP(p []byte) {
	i := bytes.IndexByte(p, 0)
	if i < 1 || i > 79 || i+2 > len(p) || p[i+1] != 0 {
		return
	}
	if icc, err := deflate.InflateLimit(p[i+2:], maxICCSize); err == nil {
		d.meta.ICC = icc
		d.meta.SetExtra("icc_name", string(p[:i]))
	}
}

func (d *decoder) parseText(p []byte) {
	i := bytes.IndexByte(p, 0)
	if i < 1 {
		return
	}
	key, val := string(p[:i]), string(p[i+1:])
	if key == "Comment" || key == "Description" {
		if d.meta.Comment == "" {
			d.meta.Comment = val
		}
		return
	}
	d.meta.SetExtra(key, val)
}

// decodeFrames decodes every APNG frame into img.Frames.
func (d *decoder) decodeFrames(img *raster.Image) error {
	img.LoopCount = d.numPlays
	img.Frames = make([]raster.Frame, 0, len(d.frames))
	for i, fc := range d.frames {
		var fimg *raster.Image
		if i == 0 && d.defaultFrm {
			if fc.width != d.hdr.width || fc.height != d.hdr.height || fc.x != 0 || fc.y != 0 {
				return fmt.Errorf("png: %w: first frame must cover the canvas", codecerr.ErrInvalidDimensions)
			}
			fimg = img
		} else {
			if len(fc.data) == 0 {
				return fmt.Errorf("png: frame %d: %w: no fdAT data", i, codecerr.ErrTruncated)
			}
			var err error
			if fimg, err = d.decodePixels(fc.data, fc.width, fc.height); err != nil {
				return fmt.Errorf("png: frame %d: %w", i, err)
			}
		}
		f, err := raster.FrameFromImage(fimg)
		if err != nil {
			return fmt.Errorf("png: frame %d: %w", i, err)
		}
		f.XOffset, f.YOffset = fc.x, fc.y
		f.Delay, f.Dispose, f.Blend = fc.delay, fc.dispose, fc.blend
		img.Frames = append(img.Frames, f)
	}
	return nil
}

// outputFormat picks the raster format that holds the decoded samples
// without loss.
func (d *decoder) outputFormat() raster.PixelFormat {
	wide := d.hdr.depth == 16
	switch d.hdr.colorType {
	case ctGray:
		switch {
		case d.trns != nil && wide:
			return raster.RGBA16
		case d.trns != nil:
			return raster.RGBA8
		case wide:
			return raster.Gray16
		}
		return raster.Gray8
	case ctRGB:
		switch {
		case d.trns != nil && wide:
			return raster.RGBA16
		case d.trns != nil:
			return raster.RGBA8
		case wide:
			return raster.RGB16
		}
		return raster.RGB8
	case ctPalette:
		return raster.Indexed8
	}
	if wide {
		return raster.RGBA16
	}
	return raster.RGBA8
}

// adam7 lists the interlace passes as origin and step.
var adam7 = [7]struct{ x0, y0, dx, dy int }{
	{0, 0, 8, 8}, {4, 0, 8, 8}, {0, 4, 4, 8}, {2, 0, 4, 4},
	{0, 2, 2, 4}, {1, 0, 2, 2}, {0, 1, 1, 2},
}

type pass struct{ x0, y0, dx, dy, w, h int }

func (d *decoder) passes(w, h int) []pass {
	if !d.hdr.interlaced {
		return []pass{{0, 0, 1, 1, w, h}}
	}
	var ps []pass
	for _, a := range adam7 {
		pw := (w - a.x0 + a.dx - 1) / a.dx
		ph := (h - a.y0 + a.dy - 1) / a.dy
		if pw > 0 && ph > 0 {
			ps = append(ps, pass{a.x0, a.y0, a.dx, a.dy, pw, ph})
		}
	}
	return ps
}

// decodePixels inflates and unfilters one image of size w x h.
func (d *decoder) decodePixels(zdata []byte, w, h int) (*raster.Image, error) {
	img, err := d.opts.NewImage(w, h, d.outputFormat())
	if err != nil {
		return nil, fmt.Errorf("png: %w", err)
	}
	if img.Format == raster.Indexed8 {
		img.Palette = d.palette
		if d.trns != nil {
			img.Palette = append(raster.Palette(nil), d.palette...)
			for i := 0; i < len(d.trns) && i < len(img.Palette); i++ {
				img.Palette[i].A = d.trns[i]
			}
		}
	}
	ps := d.passes(w, h)
	size := 0
	for _, p := range ps {
		size += p.h * (1 + d.hdr.rowBytes(p.w))
	}
	raw, err := deflate.Inflate(zdata, size)
	if err != nil {
		return nil, fmt.Errorf("png: IDAT: %w", err)
	}
	unit := d.hdr.filterUnit()
	for _, p := range ps {
		rb := d.hdr.rowBytes(p.w)
		prev := make([]byte, rb)
		for y := 0; y < p.h; y++ {
			row := raw[:1+rb]
			raw = raw[1+rb:]
			cur := row[1:]
			if err := unfilter(row[0], cur, prev, unit); err != nil {
				return nil, err
			}
			if err := d.storeRow(img, cur, p.y0+y*p.dy, p.x0, p.dx, p.w); err != nil {
				return nil, err
			}
			prev = cur
		}
	}
	return img, nil
}

// sampleAt returns sample i of a packed row.
func sampleAt(row []byte, i, depth int) uint16 {
	switch depth {
	case 8:
		return uint16(row[i])
	case 16:
		return uint16(row[2*i])<<8 | uint16(row[2*i+1])
	}
	bit := i * depth
	shift := 8 - depth - bit%8
	return uint16(row[bit/8]>>shift) & (1<<depth - 1)
}

// scale8 widens a sub-byte sample to 8 bits.
func scale8(v uint16, depth int) uint8 {
	switch depth {
	case 1:
		return uint8(v * 0xff)
	case 2:
		return uint8(v * 0x55)
	case 4:
		return uint8(v * 0x11)
	}
	return uint8(v)
}

func put16(p []byte, v uint16) {
	p[0], p[1] = uint8(v>>8), uint8(v)
}

// storeRow writes one unfiltered row of n pixels into img, starting at
// column x0 and stepping by dx.
func (d *decoder) storeRow(img *raster.Image, row []byte, y, x0, dx, n int) error {
	depth := d.hdr.depth
	ch := d.hdr.channels()
	bpp := img.Format.BytesPerPixel()
	wide := depth == 16
	for i := 0; i < n; i++ {
		o := img.PixOffset(x0+i*dx, y)
		px := img.Pix[o : o+bpp]
		s := i * ch
		switch d.hdr.colorType {
		case ctPalette:
			v := sampleAt(row, s, depth)
			if int(v) >= len(d.palette) {
				return fmt.Errorf("png: %w: palette index %d out of range", codecerr.ErrInvalidFormat, v)
			}
			px[0] = uint8(v)
		case ctGray:
			v := sampleAt(row, s, depth)
			transparent := len(d.trns) >= 2 && v == binary.BigEndian.Uint16(d.trns)
			switch img.Format {
			case raster.Gray8:
				px[0] = scale8(v, depth)
			case raster.Gray16:
				put16(px, v)
			case raster.RGBA8:
				g := scale8(v, depth)
				px[0], px[1], px[2], px[3] = g, g, g, 0xff
				if transparent {
					px[3] = 0
				}
			case raster.RGBA16:
				put16(px, v)
				put16(px[2:], v)
				put16(px[4:], v)
				put16(px[6:], 0xffff)
				if transparent {
					put16(px[6:], 0)
				}
			}
		case ctRGB:
			r, g, b := sampleAt(row, s, depth), sampleAt(row, s+1, depth), sampleAt(row, s+2, depth)
			transparent := len(d.trns) >= 6 &&
				r == binary.BigEndian.Uint16(d.trns) &&
				g == binary.BigEndian.Uint16(d.trns[2:]) &&
				b == binary.BigEndian.Uint16(d.trns[4:])
			if wide {
				put16(px, r)
				put16(px[2:], g)
				put16(px[4:], b)
				if img.Format == raster.RGBA16 {
					put16(px[6:], 0xffff)
					if transparent {
						put16(px[6:], 0)
					}
				}
			} else {
				px[0], px[1], px[2] = uint8(r), uint8(g), uint8(b)
				if img.Format == raster.RGBA8 {
					px[3] = 0xff
					if transparent {
						px[3] = 0
					}
				}
			}
		case ctGrayAlpha:
			g, a := sampleAt(row, s, depth), sampleAt(row, s+1, depth)
			if wide {
				put16(px, g)
				put16(px[2:], g)
				put16(px[4:], g)
				put16(px[6:], a)
			} else {
				px[0], px[1], px[2], px[3] = uint8(g), uint8(g), uint8(g), uint8(a)
			}
		case ctRGBA:
			if wide {
				copy(px, row[2*s:2*s+8])
			} else {
				copy(px, row[s:s+4])
			}
		}
	}
	return nil
}
