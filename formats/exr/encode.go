package exr

import (
	"fmt"
	"math"

	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

// Encode writes img as a single-part scanline file with FLOAT channels.
// Samples are scaled to [0, 1] and written without a transfer curve, so
// a 16-bit image decodes back to the same values. CompressionDefault and
// CompressionDeflate select ZIP, CompressionRLE selects RLE.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("exr: %w", err)
	}
	var src *raster.Image
	var names []string // in output sample order
	var err error
	switch {
	case img.Format.IsGray() && !img.Format.HasAlpha():
		src, err = img.Convert(raster.Gray16)
		names = []string{"Y"}
	case img.Format.HasAlpha() || img.Format == raster.Indexed8:
		src, err = img.Convert(raster.RGBA16)
		names = []string{"R", "G", "B", "A"}
	default:
		src, err = img.Convert(raster.RGB16)
		names = []string{"R", "G", "B"}
	}
	if err != nil {
		return nil, fmt.Errorf("exr: %w", err)
	}

	h := &header{
		compression: compressZIP,
		dataWindow:  box2i{xMax: int32(img.Width - 1), yMax: int32(img.Height - 1)},
		comments:    img.Meta.Comment,
	}
	h.displayWindow = h.dataWindow
	switch opts.GetCompression() {
	case raster.CompressionNone:
		h.compression = compressNone
	case raster.CompressionRLE:
		h.compression = compressRLE
	}
	for _, n := range names {
		h.channels = append(h.channels, channel{name: n, pixelType: pixelFloat, xSampling: 1, ySampling: 1})
	}
	out := appendHeader(nil, h)
	// Channels are stored sorted by name; index maps stored order to
	// source sample.
	sorted, _ := parseHeader(out)
	index := make([]int, len(sorted.channels))
	for i, c := range sorted.channels {
		for s, n := range names {
			if n == c.name {
				index[i] = s
			}
		}
	}

	lpb := linesPerBlock(h.compression)
	chunks := (img.Height + lpb - 1) / lpb
	table := len(out)
	out = append(out, make([]byte, 8*chunks)...)
	lineBytes := h.bytesPerLine()
	spp := len(names)
	buf := make([]byte, 0, lpb*lineBytes)
	for i := 0; i < chunks; i++ {
		y0 := i * lpb
		lines := min(lpb, img.Height-y0)
		buf = buf[:0]
		for y := y0; y < y0+lines; y++ {
			row := src.Row(y)
			for _, s := range index {
				for x := 0; x < img.Width; x++ {
					o := 2 * (x*spp + s)
					v := float32(uint16(row[o])<<8|uint16(row[o+1])) / math.MaxUint16
					buf = le.AppendUint32(buf, math.Float32bits(v))
				}
			}
		}
		data, err := compressChunk(buf, h.compression)
		if err != nil {
			return nil, err
		}
		le.PutUint64(out[table+8*i:], uint64(len(out)))
		out = le.AppendUint32(out, uint32(y0))
		out = le.AppendUint32(out, uint32(len(data)))
		out = append(out, data...)
	}
	return out, nil
}

// compressChunk returns the stored form of one chunk, falling back to
// the raw bytes when compression does not shrink them.
func compressChunk(raw []byte, c int) ([]byte, error) {
	if c == compressNone {
		return raw, nil
	}
	t := predict(raw)
	var packed []byte
	if c == compressRLE {
		packed = rle.EncodeEXR(nil, t)
	} else {
		var err error
		if packed, err = deflate.Compress(t, deflate.DefaultCompression); err != nil {
			return nil, fmt.Errorf("exr: %w", err)
		}
	}
	if len(packed) >= len(raw) {
		return raw, nil
	}
	return packed, nil
}

// predict splits raw into even and odd bytes and delta codes the result.
func predict(raw []byte) []byte {
	t := make([]byte, len(raw))
	half := (len(raw) + 1) / 2
	for i, b := range raw {
		if i%2 == 0 {
			t[i/2] = b
		} else {
			t[half+i/2] = b
		}
	}
	prev := t[0]
	for i := 1; i < len(t); i++ {
		cur := t[i]
		t[i] = cur - prev + 128
		prev = cur
	}
	return t
}
