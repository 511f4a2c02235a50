package jpeg

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/dct"
	"github.com/deepteams/imgcodec/internal/huffman"
	"github.com/deepteams/imgcodec/raster"
)

// Qualities at or above this keep full-resolution chroma.
const fullChromaQuality = 90

// maxICCChunk is the ICC payload that fits one APP2 segment.
const maxICCChunk = 0xffff - 2 - len(iccHeader) - 2

type encTable struct {
	spec  dct.HuffmanSpec
	codes [huffman.MaxSymbols]huffman.Code
}

func newEncTable(class int, chroma bool) encTable {
	t := encTable{spec: dct.StandardHuffman(class, chroma)}
	// The standard tables are valid by construction.
	t.codes, _ = huffman.EncodeTable(t.spec.Counts, t.spec.Values)
	return t
}

type encoder struct {
	out    []byte
	w      *bitio.MSBWriter
	quant  [2][dct.BlockSize]uint16
	dc, ac [2]encTable

	// restart is the restart interval in MCUs; 0 disables RSTn markers.
	restart int
}

// Encode writes img as a baseline JPEG. Gray images produce one
// component; everything else is converted to YCbCr with 4:2:0 chroma, or
// 4:4:4 at quality 90 and above. Alpha is discarded.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	return encode(img, opts, 0)
}

func encode(img *raster.Image, opts *raster.Options, restart int) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}
	if img.Width > 0xffff || img.Height > 0xffff {
		return nil, fmt.Errorf("jpeg: %w: %dx%d exceeds 65535", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}
	quality := opts.GetQuality()
	e := &encoder{
		quant: [2][dct.BlockSize]uint16{dct.QuantTable(false, quality), dct.QuantTable(true, quality)},
		dc:    [2]encTable{newEncTable(dct.ClassDC, false), newEncTable(dct.ClassDC, true)},
		ac:    [2]encTable{newEncTable(dct.ClassAC, false), newEncTable(dct.ClassAC, true)},

		restart: restart,
	}

	gray := img.Format == raster.Gray8 || img.Format == raster.Gray16
	var planes [][]byte
	if gray {
		g := img
		if img.Format != raster.Gray8 {
			var err error
			if g, err = img.Convert(raster.Gray8); err != nil {
				return nil, fmt.Errorf("jpeg: %w", err)
			}
		}
		planes = [][]byte{g.Pix}
	} else {
		rgb := img
		if img.Format != raster.RGB8 {
			var err error
			if rgb, err = img.Convert(raster.RGB8); err != nil {
				return nil, fmt.Errorf("jpeg: %w", err)
			}
		}
		planes = toYCbCr(rgb)
	}
	sub := 1
	if !gray && quality < fullChromaQuality {
		sub = 2
	}

	e.out = append(e.out, 0xff, mSOI)
	e.writeSegment(mAPP0, []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00"))
	e.writeMeta(&img.Meta)
	e.writeDQT(gray)
	e.writeSOF(img.Width, img.Height, len(planes), sub)
	e.writeDHT(gray)
	if restart > 0 {
		e.writeSegment(mDRI, []byte{byte(restart >> 8), byte(restart)})
	}
	e.writeSOS(len(planes))
	e.w = bitio.NewJPEGWriter(img.Width * img.Height / 2)
	e.encodeScan(planes, img.Width, img.Height, sub)
	e.out = append(e.out, e.w.Bytes()...)
	e.out = append(e.out, 0xff, mEOI)
	return e.out, nil
}

func toYCbCr(rgb *raster.Image) [][]byte {
	n := rgb.Width * rgb.Height
	y, cb, cr := make([]byte, n), make([]byte, n), make([]byte, n)
	for i := 0; i < n; i++ {
		p := rgb.Pix[3*i:]
		y[i], cb[i], cr[i] = dct.RGBToYCbCr(p[0], p[1], p[2])
	}
	return [][]byte{y, cb, cr}
}

func (e *encoder) writeSegment(m byte, parts ...[]byte) {
	n := 2
	for _, p := range parts {
		n += len(p)
	}
	e.out = append(e.out, 0xff, m)
	e.out = binary.BigEndian.AppendUint16(e.out, uint16(n))
	for _, p := range parts {
		e.out = append(e.out, p...)
	}
}

func (e *encoder) writeMeta(m *raster.Metadata) {
	if m.EXIF != nil && len(m.EXIF)+len(exifHeader) <= 0xffff-2 {
		e.writeSegment(mAPP1, []byte(exifHeader), m.EXIF)
	}
	if m.XMP != nil && len(m.XMP)+len(xmpHeader) <= 0xffff-2 {
		e.writeSegment(mAPP1, []byte(xmpHeader), m.XMP)
	}
	if m.ICC != nil {
		count := (len(m.ICC) + maxICCChunk - 1) / maxICCChunk
		if count <= 255 {
			for i := 0; i < count; i++ {
				chunk := m.ICC[i*maxICCChunk : min((i+1)*maxICCChunk, len(m.ICC))]
				e.writeSegment(mAPP2, []byte(iccHeader), []byte{byte(i + 1), byte(count)}, chunk)
			}
		}
	}
	if m.Comment != "" && len(m.Comment) <= 0xffff-2 {
		e.writeSegment(mCOM, []byte(m.Comment))
	}
}

func (e *encoder) writeDQT(gray bool) {
	n := 2
	if gray {
		n = 1
	}
	var p []byte
	for t := 0; t < n; t++ {
		p = append(p, byte(t))
		for _, q := range e.quant[t] {
			p = append(p, byte(q))
		}
	}
	e.writeSegment(mDQT, p)
}

func (e *encoder) writeSOF(w, h, ncomp, sub int) {
	p := []byte{8, byte(h >> 8), byte(h), byte(w >> 8), byte(w), byte(ncomp)}
	for i := 0; i < ncomp; i++ {
		factors, tq := byte(0x11), byte(0)
		if i == 0 && sub == 2 {
			factors = 0x22
		}
		if i > 0 {
			tq = 1
		}
		p = append(p, byte(i+1), factors, tq)
	}
	e.writeSegment(mSOF0, p)
}

func (e *encoder) writeDHT(gray bool) {
	n := 2
	if gray {
		n = 1
	}
	var p []byte
	for t := 0; t < n; t++ {
		for class, tbl := range []encTable{e.dc[t], e.ac[t]} {
			p = append(p, byte(class<<4|t))
			p = append(p, tbl.spec.Counts[:]...)
			p = append(p, tbl.spec.Values...)
		}
	}
	e.writeSegment(mDHT, p)
}

func (e *encoder) writeSOS(ncomp int) {
	p := []byte{byte(ncomp)}
	for i := 0; i < ncomp; i++ {
		t := byte(0x00)
		if i > 0 {
			t = 0x11
		}
		p = append(p, byte(i+1), t)
	}
	p = append(p, 0, 63, 0)
	e.writeSegment(mSOS, p)
}

// loadBlock fills b with the 8x8 block at (x0, y0) of a plane, averaging
// sub x sub pixels per sample and replicating the edge past the image.
func loadBlock(b *dct.Block, plane []byte, w, h, x0, y0, sub int) {
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			sum := 0
			for dy := 0; dy < sub; dy++ {
				sy := min((y0+y)*sub+dy, h-1)
				for dx := 0; dx < sub; dx++ {
					sx := min((x0+x)*sub+dx, w-1)
					sum += int(plane[sy*w+sx])
				}
			}
			n := sub * sub
			b[8*y+x] = int32((sum + n/2) / n)
		}
	}
}

func (e *encoder) encodeScan(planes [][]byte, w, h, sub int) {
	mcuW, mcuH := 8*sub, 8*sub
	mcusX, mcusY := (w+mcuW-1)/mcuW, (h+mcuH-1)/mcuH
	preds := make([]int32, len(planes))
	var b, zz dct.Block
	for n := 0; n < mcusX*mcusY; n++ {
		if e.restart > 0 && n > 0 && n%e.restart == 0 {
			e.w.WriteRaw(0xff, byte(mRST0+(n/e.restart-1)%8))
			clear(preds)
		}
		mx, my := n%mcusX, n/mcusX
		for v := 0; v < sub; v++ {
			for hh := 0; hh < sub; hh++ {
				loadBlock(&b, planes[0], w, h, mx*mcuW+hh*8, my*mcuH+v*8, 1)
				e.encodeBlock(&b, &zz, &preds[0], 0)
			}
		}
		for ci := 1; ci < len(planes); ci++ {
			loadBlock(&b, planes[ci], w, h, mx*8, my*8, sub)
			e.encodeBlock(&b, &zz, &preds[ci], 1)
		}
	}
}

// magnitude returns the JPEG size category of v and its value bits.
func magnitude(v int32) (uint8, uint32) {
	a := v
	if a < 0 {
		a = -a
	}
	s := uint8(bits.Len32(uint32(a)))
	if v < 0 {
		return s, uint32(v-1) & (1<<s - 1)
	}
	return s, uint32(v)
}

func (e *encoder) emit(c huffman.Code) {
	e.w.WriteBits(c.Bits, int(c.Len))
}

func (e *encoder) encodeBlock(b, zz *dct.Block, pred *int32, t int) {
	dct.FDCT(b)
	dct.Quantize(zz, b, &e.quant[t])
	diff := zz[0] - *pred
	*pred = zz[0]
	s, v := magnitude(diff)
	e.emit(e.dc[t].codes[s])
	e.w.WriteBits(v, int(s))
	run := 0
	for k := 1; k < dct.BlockSize; k++ {
		if zz[k] == 0 {
			run++
			continue
		}
		for run > 15 {
			e.emit(e.ac[t].codes[0xf0])
			run -= 16
		}
		s, v := magnitude(zz[k])
		e.emit(e.ac[t].codes[byte(run<<4)|s])
		e.w.WriteBits(v, int(s))
		run = 0
	}
	if run > 0 {
		e.emit(e.ac[t].codes[0x00])
	}
}
