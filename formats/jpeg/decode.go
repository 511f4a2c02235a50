// Package jpeg reads and writes baseline JPEG (JFIF) images.
//
// The decoder handles sequential Huffman-coded 8-bit frames (SOF0, SOF1)
// with one or three components, sampling factors 1 and 2, interleaved or
// per-component scans and restart intervals. Progressive, lossless,
// arithmetic-coded and 12-bit streams are reported as unsupported.
package jpeg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/dct"
	"github.com/deepteams/imgcodec/internal/huffman"
	"github.com/deepteams/imgcodec/raster"
)

// Marker codes (the byte following FF).
const (
	mSOF0 = 0xc0
	mSOF1 = 0xc1
	mSOF2 = 0xc2
	mDHT  = 0xc4
	mDAC  = 0xcc
	mRST0 = 0xd0
	mRST7 = 0xd7
	mSOI  = 0xd8
	mEOI  = 0xd9
	mSOS  = 0xda
	mDQT  = 0xdb
	mDNL  = 0xdc
	mDRI  = 0xdd
	mAPP0 = 0xe0
	mAPP1 = 0xe1
	mAPP2 = 0xe2
	mAPPE = 0xee
	mCOM  = 0xfe
)

const (
	maxComponents = 3
	maxTables     = 4

	exifHeader = "Exif\x00\x00"
	xmpHeader  = "http://ns.adobe.com/xap/1.0/\x00"
	iccHeader  = "ICC_PROFILE\x00"
)

type component struct {
	id     uint8
	h, v   int
	tq     int
	td, ta int
	pred   int32

	// plane holds the decoded samples, padded to whole MCUs.
	plane  []byte
	stride int
}

type decoder struct {
	opts *raster.Options
	data []byte

	width, height int
	comps         []component
	hmax, vmax    int
	mcusX, mcusY  int

	quant   [maxTables][dct.BlockSize]uint16
	qset    [maxTables]bool
	dc, ac  [maxTables]huffman.Table
	dcSet   [maxTables]bool
	acSet   [maxTables]bool
	restart int

	adobe          bool
	adobeTransform uint8
	iccChunks      map[int][]byte
	meta           raster.Metadata
	scans          int
}

func segmentErr(name string, err error) error {
	return fmt.Errorf("jpeg: %s: %w", name, err)
}

// Decode decodes a baseline JPEG image.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("jpeg: SOI: %w", codecerr.ErrTruncated)
	}
	if data[0] != 0xff || data[1] != mSOI {
		return nil, fmt.Errorf("jpeg: %w: missing SOI marker", codecerr.ErrInvalidFormat)
	}
	d := &decoder{opts: opts, data: data}
	img, err := d.decode()
	if err != nil {
		return nil, err
	}
	return img, nil
}

// DecodeConfig returns the frame size from the first SOF segment of any
// kind, so progressive and other undecodable streams still report it.
func DecodeConfig(data []byte) (width, height int, err error) {
	if len(data) < 2 {
		return 0, 0, fmt.Errorf("jpeg: SOI: %w", codecerr.ErrTruncated)
	}
	if data[0] != 0xff || data[1] != mSOI {
		return 0, 0, fmt.Errorf("jpeg: %w: missing SOI marker", codecerr.ErrInvalidFormat)
	}
	d := &decoder{data: data}
	off := 2
	for {
		m, next, err := d.nextMarker(off)
		if err != nil {
			return 0, 0, err
		}
		off = next
		switch {
		case m == mEOI, m == mSOS:
			return 0, 0, fmt.Errorf("jpeg: %w: no frame header", codecerr.ErrInvalidFormat)
		case m >= mRST0 && m <= mRST7, m == 0x01:
			continue
		}
		p, end, err := d.segment(off)
		if err != nil {
			return 0, 0, err
		}
		off = end
		if m >= mSOF0 && m <= 0xcf && m != mDHT && m != 0xc8 && m != mDAC {
			if len(p) < 5 {
				return 0, 0, fmt.Errorf("jpeg: SOF: %w", codecerr.ErrTruncated)
			}
			height = int(binary.BigEndian.Uint16(p[1:]))
			width = int(binary.BigEndian.Uint16(p[3:]))
			if width == 0 || height == 0 {
				return 0, 0, fmt.Errorf("jpeg: %w: %dx%d", codecerr.ErrInvalidDimensions, width, height)
			}
			return width, height, nil
		}
	}
}

// nextMarker finds the marker at or after off, skipping FF fill bytes.
func (d *decoder) nextMarker(off int) (marker byte, next int, err error) {
	if off+1 >= len(d.data) {
		return 0, 0, fmt.Errorf("jpeg: looking for marker: %w", codecerr.ErrTruncated)
	}
	if d.data[off] != 0xff {
		return 0, 0, fmt.Errorf("jpeg: %w: expected marker at offset %d", codecerr.ErrInvalidFormat, off)
	}
	off++
	for off < len(d.data) && d.data[off] == 0xff {
		off++
	}
	if off >= len(d.data) {
		return 0, 0, fmt.Errorf("jpeg: marker: %w", codecerr.ErrTruncated)
	}
	return d.data[off], off + 1, nil
}

// segment returns the payload of the length-prefixed segment at off.
func (d *decoder) segment(off int) ([]byte, int, error) {
	if off+2 > len(d.data) {
		return nil, 0, fmt.Errorf("jpeg: segment length: %w", codecerr.ErrTruncated)
	}
	n := int(binary.BigEndian.Uint16(d.data[off:]))
	if n < 2 {
		return nil, 0, fmt.Errorf("jpeg: %w: segment length %d", codecerr.ErrInvalidFormat, n)
	}
	if off+n > len(d.data) {
		return nil, 0, fmt.Errorf("jpeg: segment: %w", codecerr.ErrTruncated)
	}
	return d.data[off+2 : off+n], off + n, nil
}

func (d *decoder) decode() (*raster.Image, error) {
	off := 2
	for {
		m, next, err := d.nextMarker(off)
		if err != nil {
			return nil, err
		}
		off = next
		switch {
		case m == mEOI:
			if d.scans == 0 {
				return nil, fmt.Errorf("jpeg: %w: EOI before any scan", codecerr.ErrInvalidFormat)
			}
			return d.finish()
		case m >= mRST0 && m <= mRST7, m == 0x01:
			continue // parameterless
		case m == mSOI:
			return nil, fmt.Errorf("jpeg: %w: nested SOI", codecerr.ErrInvalidFormat)
		}
		p, end, err := d.segment(off)
		if err != nil {
			return nil, err
		}
		off = end
		switch {
		case m == mSOF0 || m == mSOF1:
			err = d.parseSOF(p)
		case m == mSOF2, m >= 0xc3 && m <= 0xcf && m != mDHT && m != mDAC:
			if img, ok := d.placeholder(p, m); ok {
				return img, nil
			}
			return nil, fmt.Errorf("jpeg: %w: SOF%d frames", codecerr.ErrUnsupported, m-mSOF0)
		case m == mDAC:
			return nil, fmt.Errorf("jpeg: %w: arithmetic coding", codecerr.ErrUnsupported)
		case m == mDHT:
			err = d.parseDHT(p)
		case m == mDQT:
			err = d.parseDQT(p)
		case m == mDRI:
			err = d.parseDRI(p)
		case m == mDNL:
			return nil, fmt.Errorf("jpeg: %w: DNL marker", codecerr.ErrUnsupported)
		case m >= mAPP0 && m <= 0xef:
			d.parseAPP(m, p)
		case m == mCOM:
			if d.meta.Comment == "" {
				d.meta.Comment = string(p)
			}
		case m == mSOS:
			if off, err = d.parseSOS(p, off); err == nil {
				d.scans++
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// placeholder substitutes a mid-gray image for an unsupported frame type
// when the caller asked for it and the frame header is sound.
func (d *decoder) placeholder(sof []byte, m byte) (*raster.Image, bool) {
	if !d.opts.AllowPlaceholder() || len(sof) < 6 {
		return nil, false
	}
	h := int(binary.BigEndian.Uint16(sof[1:]))
	w := int(binary.BigEndian.Uint16(sof[3:]))
	img, err := raster.Placeholder(w, h, d.opts)
	if err != nil {
		return nil, false
	}
	img.Meta.SetExtra("sof", fmt.Sprintf("SOF%d", m-mSOF0))
	return img, true
}

func (d *decoder) parseSOF(p []byte) error {
	if d.comps != nil {
		return fmt.Errorf("jpeg: %w: multiple SOF markers", codecerr.ErrInvalidFormat)
	}
	if len(p) < 6 {
		return segmentErr("SOF", codecerr.ErrTruncated)
	}
	if p[0] != 8 {
		return fmt.Errorf("jpeg: %w: %d-bit precision", codecerr.ErrUnsupported, p[0])
	}
	d.height = int(binary.BigEndian.Uint16(p[1:]))
	d.width = int(binary.BigEndian.Uint16(p[3:]))
	if d.width == 0 || d.height == 0 {
		return fmt.Errorf("jpeg: %w: %dx%d", codecerr.ErrInvalidDimensions, d.width, d.height)
	}
	if err := d.opts.CheckDimensions(d.width, d.height); err != nil {
		return fmt.Errorf("jpeg: %w", err)
	}
	n := int(p[5])
	if n != 1 && n != 3 {
		return fmt.Errorf("jpeg: %w: %d components", codecerr.ErrUnsupported, n)
	}
	if len(p) < 6+3*n {
		return segmentErr("SOF", codecerr.ErrTruncated)
	}
	d.comps = make([]component, n)
	d.hmax, d.vmax = 1, 1
	for i := range d.comps {
		c := &d.comps[i]
		q := p[6+3*i:]
		c.id = q[0]
		c.h, c.v = int(q[1]>>4), int(q[1]&15)
		c.tq = int(q[2])
		if c.h < 1 || c.h > 2 || c.v < 1 || c.v > 2 {
			return fmt.Errorf("jpeg: %w: sampling factors %dx%d", codecerr.ErrUnsupported, c.h, c.v)
		}
		if c.tq >= maxTables {
			return fmt.Errorf("jpeg: %w: quantization table %d", codecerr.ErrInvalidFormat, c.tq)
		}
		for j := 0; j < i; j++ {
			if d.comps[j].id == c.id {
				return fmt.Errorf("jpeg: %w: duplicate component id %d", codecerr.ErrInvalidFormat, c.id)
			}
		}
		d.hmax, d.vmax = max(d.hmax, c.h), max(d.vmax, c.v)
	}
	if n == 1 {
		// A single component is never subsampled.
		d.comps[0].h, d.comps[0].v = 1, 1
		d.hmax, d.vmax = 1, 1
	}
	d.mcusX = (d.width + 8*d.hmax - 1) / (8 * d.hmax)
	d.mcusY = (d.height + 8*d.vmax - 1) / (8 * d.vmax)
	for i := range d.comps {
		c := &d.comps[i]
		c.stride = d.mcusX * c.h * 8
		c.plane = make([]byte, c.stride*d.mcusY*c.v*8)
	}
	return nil
}

func (d *decoder) parseDQT(p []byte) error {
	for len(p) > 0 {
		pq, tq := p[0]>>4, int(p[0]&15)
		if tq >= maxTables || pq > 1 {
			return fmt.Errorf("jpeg: %w: DQT precision %d table %d", codecerr.ErrInvalidFormat, pq, tq)
		}
		p = p[1:]
		n := dct.BlockSize * int(pq+1)
		if len(p) < n {
			return segmentErr("DQT", codecerr.ErrTruncated)
		}
		for k := 0; k < dct.BlockSize; k++ {
			if pq == 0 {
				d.quant[tq][k] = uint16(p[k])
			} else {
				d.quant[tq][k] = binary.BigEndian.Uint16(p[2*k:])
			}
		}
		d.qset[tq] = true
		p = p[n:]
	}
	return nil
}

func (d *decoder) parseDHT(p []byte) error {
	for len(p) > 0 {
		if len(p) < 17 {
			return segmentErr("DHT", codecerr.ErrTruncated)
		}
		tc, th := p[0]>>4, int(p[0]&15)
		if tc > 1 || th >= maxTables {
			return fmt.Errorf("jpeg: %w: DHT class %d table %d", codecerr.ErrInvalidFormat, tc, th)
		}
		var counts [huffman.MaxCodeLength]uint8
		copy(counts[:], p[1:17])
		total := 0
		for _, c := range counts {
			total += int(c)
		}
		p = p[17:]
		if len(p) < total {
			return segmentErr("DHT", codecerr.ErrTruncated)
		}
		t := &d.dc[th]
		if tc == 1 {
			t = &d.ac[th]
		}
		if err := t.Build(counts, p[:total]); err != nil {
			return segmentErr("DHT", err)
		}
		if tc == 0 {
			d.dcSet[th] = true
		} else {
			d.acSet[th] = true
		}
		p = p[total:]
	}
	return nil
}

func (d *decoder) parseDRI(p []byte) error {
	if len(p) < 2 {
		return segmentErr("DRI", codecerr.ErrTruncated)
	}
	d.restart = int(binary.BigEndian.Uint16(p))
	return nil
}

func (d *decoder) parseAPP(m byte, p []byte) {
	switch {
	case m == mAPP1 && bytes.HasPrefix(p, []byte(exifHeader)):
		d.meta.EXIF = append([]byte(nil), p[len(exifHeader):]...)
	case m == mAPP1 && bytes.HasPrefix(p, []byte(xmpHeader)):
		d.meta.XMP = append([]byte(nil), p[len(xmpHeader):]...)
	case m == mAPP2 && bytes.HasPrefix(p, []byte(iccHeader)) && len(p) > len(iccHeader)+2:
		if d.iccChunks == nil {
			d.iccChunks = make(map[int][]byte)
		}
		d.iccChunks[int(p[len(iccHeader)])] = p[len(iccHeader)+2:]
	case m == mAPPE && bytes.HasPrefix(p, []byte("Adobe")) && len(p) >= 12:
		d.adobe = true
		d.adobeTransform = p[11]
	case m == mAPP0 && bytes.HasPrefix(p, []byte("JFIF\x00")):
		d.meta.SetExtra("jfif", "true")
	}
}

// scanComponent is one component of an SOS header.
type scanComponent struct {
	c      *component
	dc, ac *huffman.Table
}

// parseSOS decodes the scan following the SOS header and returns the
// offset of the marker that ends it.
func (d *decoder) parseSOS(p []byte, off int) (int, error) {
	if d.comps == nil {
		return 0, fmt.Errorf("jpeg: %w: SOS before SOF", codecerr.ErrInvalidFormat)
	}
	if len(p) < 1 {
		return 0, segmentErr("SOS", codecerr.ErrTruncated)
	}
	ns := int(p[0])
	if ns < 1 || ns > len(d.comps) || len(p) < 1+2*ns+3 {
		return 0, fmt.Errorf("jpeg: %w: SOS with %d components", codecerr.ErrInvalidFormat, ns)
	}
	scan := make([]scanComponent, ns)
	for i := range scan {
		id, tables := p[1+2*i], p[2+2*i]
		var c *component
		for j := range d.comps {
			if d.comps[j].id == id {
				c = &d.comps[j]
			}
		}
		if c == nil {
			return 0, fmt.Errorf("jpeg: %w: SOS names unknown component %d", codecerr.ErrInvalidFormat, id)
		}
		td, ta := int(tables>>4), int(tables&15)
		if td >= maxTables || ta >= maxTables || !d.dcSet[td] || !d.acSet[ta] {
			return 0, fmt.Errorf("jpeg: %w: missing Huffman table %d/%d", codecerr.ErrInvalidFormat, td, ta)
		}
		if !d.qset[c.tq] {
			return 0, fmt.Errorf("jpeg: %w: missing quantization table %d", codecerr.ErrInvalidFormat, c.tq)
		}
		scan[i] = scanComponent{c: c, dc: &d.dc[td], ac: &d.ac[ta]}
	}
	q := p[1+2*ns:]
	if q[0] != 0 || q[1] != 63 || q[2] != 0 {
		return 0, fmt.Errorf("jpeg: %w: spectral selection %d..%d", codecerr.ErrUnsupported, q[0], q[1])
	}
	r := bitio.NewJPEGReader(d.data[off:])
	if err := d.decodeScan(r, scan); err != nil {
		return 0, err
	}
	// The reader may stop short of the marker; skip any leftover entropy
	// bytes to reach it.
	end := off + r.Offset()
	for end+1 < len(d.data) {
		if d.data[end] == 0xff && d.data[end+1] != 0 && (d.data[end+1] < mRST0 || d.data[end+1] > mRST7) && d.data[end+1] != 0xff {
			return end, nil
		}
		end++
	}
	return 0, fmt.Errorf("jpeg: end of scan: %w", codecerr.ErrTruncated)
}

func (d *decoder) decodeScan(r *bitio.MSBReader, scan []scanComponent) error {
	for i := range scan {
		scan[i].c.pred = 0
	}
	var coeffs, block dct.Block
	decodeBlock := func(sc *scanComponent, bx, by int) error {
		coeffs = dct.Block{}
		if err := decodeCoefficients(r, sc, &coeffs); err != nil {
			return err
		}
		dct.Dequantize(&block, &coeffs, &d.quant[sc.c.tq])
		c := sc.c
		dct.IDCT(&block, c.plane[by*8*c.stride+bx*8:], c.stride)
		return nil
	}

	// A single-component scan codes the component's own block grid, one
	// block per MCU.
	var unitsX, unitsY int
	if len(scan) == 1 {
		c := scan[0].c
		unitsX = ((d.width*c.h+d.hmax-1)/d.hmax + 7) / 8
		unitsY = ((d.height*c.v+d.vmax-1)/d.vmax + 7) / 8
	} else {
		unitsX, unitsY = d.mcusX, d.mcusY
	}
	total := unitsX * unitsY
	for n := 0; n < total; n++ {
		if d.restart > 0 && n > 0 && n%d.restart == 0 {
			if err := d.handleRestart(r, scan, n/d.restart-1); err != nil {
				return err
			}
		}
		mx, my := n%unitsX, n/unitsX
		if len(scan) == 1 {
			if err := decodeBlock(&scan[0], mx, my); err != nil {
				return err
			}
			continue
		}
		for i := range scan {
			sc := &scan[i]
			for v := 0; v < sc.c.v; v++ {
				for h := 0; h < sc.c.h; h++ {
					if err := decodeBlock(sc, mx*sc.c.h+h, my*sc.c.v+v); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// handleRestart consumes the RSTn marker that must follow every restart
// interval and resets the DC predictors.
func (d *decoder) handleRestart(r *bitio.MSBReader, scan []scanComponent, k int) error {
	m, err := r.SkipMarker()
	if err != nil {
		return fmt.Errorf("jpeg: restart marker: %w", err)
	}
	if want := byte(mRST0 + k%8); m != want {
		return fmt.Errorf("jpeg: %w: found marker %02x, want RST%d", codecerr.ErrInvalidFormat, m, k%8)
	}
	for i := range scan {
		scan[i].c.pred = 0
	}
	return nil
}

// extend converts the s-bit magnitude v to a signed value.
func extend(v uint32, s uint8) int32 {
	if s == 0 {
		return 0
	}
	if v < 1<<(s-1) {
		return int32(v) - (1 << s) + 1
	}
	return int32(v)
}

// decodeCoefficients reads one block's DC difference and AC run/size
// pairs, leaving coeffs in zig-zag order.
func decodeCoefficients(r *bitio.MSBReader, sc *scanComponent, coeffs *dct.Block) error {
	s, err := sc.dc.Decode(r)
	if err != nil {
		return err
	}
	if s > 11 {
		return fmt.Errorf("jpeg: %w: DC magnitude category %d", codecerr.ErrDecompression, s)
	}
	v, err := r.ReadBits(int(s))
	if err != nil {
		return err
	}
	sc.c.pred += extend(v, s)
	coeffs[0] = sc.c.pred
	for k := 1; k < dct.BlockSize; {
		rs, err := sc.ac.Decode(r)
		if err != nil {
			return err
		}
		run, size := int(rs>>4), rs&15
		if size == 0 {
			if run != 15 {
				break // EOB
			}
			k += 16
			continue
		}
		k += run
		if k >= dct.BlockSize {
			return fmt.Errorf("jpeg: %w: AC coefficient index %d", codecerr.ErrDecompression, k)
		}
		v, err := r.ReadBits(int(size))
		if err != nil {
			return err
		}
		coeffs[k] = extend(v, size)
		k++
	}
	return nil
}

// finish upsamples the component planes and converts them to the output
// raster.
func (d *decoder) finish() (*raster.Image, error) {
	if len(d.iccChunks) > 0 {
		keys := make([]int, 0, len(d.iccChunks))
		for k := range d.iccChunks {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			d.meta.ICC = append(d.meta.ICC, d.iccChunks[k]...)
		}
	}
	if len(d.comps) == 1 {
		img, err := d.opts.NewImage(d.width, d.height, raster.Gray8)
		if err != nil {
			return nil, fmt.Errorf("jpeg: %w", err)
		}
		c := &d.comps[0]
		for y := 0; y < d.height; y++ {
			copy(img.Row(y), c.plane[y*c.stride:y*c.stride+d.width])
		}
		img.Meta = d.meta
		return img, nil
	}
	img, err := d.opts.NewImage(d.width, d.height, raster.RGB8)
	if err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}
	// Adobe transform 0 marks RGB components stored without conversion.
	rgb := d.adobe && d.adobeTransform == 0
	c0, c1, c2 := &d.comps[0], &d.comps[1], &d.comps[2]
	sample := func(c *component, x, y int) uint8 {
		return c.plane[(y*c.v/d.vmax)*c.stride+x*c.h/d.hmax]
	}
	for y := 0; y < d.height; y++ {
		row := img.Row(y)
		for x := 0; x < d.width; x++ {
			a, b, cc := sample(c0, x, y), sample(c1, x, y), sample(c2, x, y)
			if !rgb {
				a, b, cc = dct.YCbCrToRGB(a, b, cc)
			}
			row[3*x], row[3*x+1], row[3*x+2] = a, b, cc
		}
	}
	img.Meta = d.meta
	return img, nil
}
