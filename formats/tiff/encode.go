package tiff

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/internal/lzw"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

const (
	stripTarget = 8 << 10
	software    = "imgcodec"

	extraUnassociated = 2
	resolutionInch    = 2
)

var le = binary.LittleEndian

type field struct {
	tag   uint16
	typ   container.FieldType
	count uint32
	data  []byte
}

type ifdWriter struct {
	fields []field
}

func (w *ifdWriter) add(tag uint16, typ container.FieldType, count int, data []byte) {
	w.fields = append(w.fields, field{tag: tag, typ: typ, count: uint32(count), data: data})
}

func (w *ifdWriter) shorts(tag uint16, v ...uint16) {
	b := make([]byte, 0, 2*len(v))
	for _, x := range v {
		b = le.AppendUint16(b, x)
	}
	w.add(tag, container.TypeShort, len(v), b)
}

func (w *ifdWriter) longs(tag uint16, v ...uint32) {
	b := make([]byte, 0, 4*len(v))
	for _, x := range v {
		b = le.AppendUint32(b, x)
	}
	w.add(tag, container.TypeLong, len(v), b)
}

func (w *ifdWriter) ascii(tag uint16, s string) {
	w.add(tag, container.TypeASCII, len(s)+1, append([]byte(s), 0))
}

// appendTo writes the directory at the end of out, word aligned, with
// out-of-line values after it.
func (w *ifdWriter) appendTo(out []byte) (data []byte, ifdOff uint32) {
	if len(out)%2 != 0 {
		out = append(out, 0)
	}
	sort.Slice(w.fields, func(i, j int) bool { return w.fields[i].tag < w.fields[j].tag })
	ifdOff = uint32(len(out))
	extra := len(out) + 2 + 12*len(w.fields) + 4
	var tail []byte
	out = le.AppendUint16(out, uint16(len(w.fields)))
	for _, f := range w.fields {
		out = le.AppendUint16(out, f.tag)
		out = le.AppendUint16(out, uint16(f.typ))
		out = le.AppendUint32(out, f.count)
		if len(f.data) <= 4 {
			var v [4]byte
			copy(v[:], f.data)
			out = append(out, v[:]...)
			continue
		}
		out = le.AppendUint32(out, uint32(extra+len(tail)))
		tail = append(tail, f.data...)
		if len(tail)%2 != 0 {
			tail = append(tail, 0)
		}
	}
	out = le.AppendUint32(out, 0)
	return append(out, tail...), ifdOff
}

// layout describes how a raster format is stored.
type layout struct {
	spp, bps    int
	photometric int
	alpha       bool
}

func layoutOf(f raster.PixelFormat) layout {
	switch f {
	case raster.Gray8:
		return layout{1, 8, pBlackIsZero, false}
	case raster.Gray16:
		return layout{1, 16, pBlackIsZero, false}
	case raster.RGB8:
		return layout{3, 8, pRGB, false}
	case raster.RGB16:
		return layout{3, 16, pRGB, false}
	case raster.RGBA16:
		return layout{4, 16, pRGB, true}
	case raster.Indexed8:
		return layout{1, 8, pPalette, false}
	}
	return layout{4, 8, pRGB, true}
}

// Encode writes img as a little-endian single-image TIFF. The default
// compression is LZW; CompressionRLE selects PackBits. LZW and Deflate
// strips use the horizontal predictor except for palette images.
// Palette images with transparency are stored as RGBA.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}
	if uint64(img.Width) > 1<<32-1 || uint64(img.Height) > 1<<32-1 {
		return nil, fmt.Errorf("tiff: %w: %dx%d", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}
	src := img
	if img.Format == raster.Indexed8 && !img.Opaque() {
		var err error
		if src, err = img.Convert(raster.RGBA8); err != nil {
			return nil, fmt.Errorf("tiff: %w", err)
		}
	}
	l := layoutOf(src.Format)

	compression := cLZW
	switch opts.GetCompression() {
	case raster.CompressionNone:
		compression = cNone
	case raster.CompressionRLE:
		compression = cPackBits
	case raster.CompressionDeflate:
		compression = cDeflate
	}
	predictor := predictorNone
	if (compression == cLZW || compression == cDeflate) && l.photometric != pPalette {
		predictor = predictorHorizontal
	}

	stride := src.Stride()
	rps := max(1, stripTarget/stride)
	out := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	var offsets, counts []uint32
	for y := 0; y < src.Height; y += rps {
		n := min(rps, src.Height-y)
		strip := make([]byte, n*stride)
		copy(strip, src.Pix[y*stride:(y+n)*stride])
		if l.bps == 16 {
			for i := 0; i+1 < len(strip); i += 2 {
				strip[i], strip[i+1] = strip[i+1], strip[i]
			}
		}
		if predictor == predictorHorizontal {
			predict(strip, stride, l)
		}
		comp, err := compress(strip, stride, compression)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, uint32(len(out)))
		counts = append(counts, uint32(len(comp)))
		out = append(out, comp...)
	}

	w := &ifdWriter{}
	w.longs(tImageWidth, uint32(src.Width))
	w.longs(tImageLength, uint32(src.Height))
	bps := make([]uint16, l.spp)
	for i := range bps {
		bps[i] = uint16(l.bps)
	}
	w.shorts(tBitsPerSample, bps...)
	w.shorts(tCompression, uint16(compression))
	w.shorts(tPhotometric, uint16(l.photometric))
	if img.Meta.Comment != "" {
		w.ascii(tImageDescription, img.Meta.Comment)
	}
	w.longs(tStripOffsets, offsets...)
	w.shorts(tSamplesPerPixel, uint16(l.spp))
	w.longs(tRowsPerStrip, uint32(rps))
	w.longs(tStripByteCounts, counts...)
	w.add(tXResolution, container.TypeRational, 1, []byte{72, 0, 0, 0, 1, 0, 0, 0})
	w.add(tYResolution, container.TypeRational, 1, []byte{72, 0, 0, 0, 1, 0, 0, 0})
	w.shorts(tPlanarConfig, 1)
	w.shorts(tResolutionUnit, resolutionInch)
	w.ascii(tSoftware, software)
	if predictor != predictorNone {
		w.shorts(tPredictor, uint16(predictor))
	}
	if l.photometric == pPalette {
		cm := make([]uint16, 3*256)
		for i, c := range src.Palette {
			cm[i] = uint16(c.R) * 0x101
			cm[256+i] = uint16(c.G) * 0x101
			cm[512+i] = uint16(c.B) * 0x101
		}
		w.shorts(tColorMap, cm...)
	}
	if l.alpha {
		w.shorts(tExtraSamples, extraUnassociated)
	}
	if len(img.Meta.XMP) > 0 {
		w.add(tXMP, container.TypeByte, len(img.Meta.XMP), img.Meta.XMP)
	}
	if len(img.Meta.ICC) > 0 {
		w.add(tICCProfile, container.TypeUndefined, len(img.Meta.ICC), img.Meta.ICC)
	}

	out, ifdOff := w.appendTo(out)
	le.PutUint32(out[4:], ifdOff)
	if uint64(len(out)) > 1<<32-1 {
		return nil, fmt.Errorf("tiff: %w: output exceeds 4 GiB", codecerr.ErrUnsupported)
	}
	return out, nil
}

// predict applies horizontal differencing to little-endian rows.
func predict(p []byte, stride int, l layout) {
	for off := 0; off < len(p); off += stride {
		row := p[off : off+stride]
		if l.bps == 16 {
			for i := len(row) - 2; i >= 2*l.spp; i -= 2 {
				le.PutUint16(row[i:], le.Uint16(row[i:])-le.Uint16(row[i-2*l.spp:]))
			}
			continue
		}
		for i := len(row) - 1; i >= l.spp; i-- {
			row[i] -= row[i-l.spp]
		}
	}
}

func compress(p []byte, stride, compression int) ([]byte, error) {
	switch compression {
	case cLZW:
		out, err := lzw.Encode(p, lzw.MSB, 8, true)
		if err != nil {
			return nil, fmt.Errorf("tiff: %w", err)
		}
		return out, nil
	case cPackBits:
		// Runs must not cross rows.
		var out []byte
		for off := 0; off < len(p); off += stride {
			out = rle.PackBits(out, p[off:off+stride])
		}
		return out, nil
	case cDeflate:
		out, err := deflate.Compress(p, deflate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("tiff: %w", err)
		}
		return out, nil
	}
	return p, nil
}
