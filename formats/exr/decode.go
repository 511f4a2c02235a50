package exr

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/deflate"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

// DecodeConfig returns the data window size.
func DecodeConfig(data []byte) (width, height int, err error) {
	h, err := parseHeader(data)
	if err != nil {
		return 0, 0, err
	}
	return h.dataWindow.width(), h.dataWindow.height(), nil
}

// Decode decodes the data window. R, G and B channels (and A when present)
// produce RGB16 or RGBA16; a lone Y channel produces Gray16, or RGBA16
// with A. Other channels are ignored.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	w, ht := h.dataWindow.width(), h.dataWindow.height()
	if err := opts.CheckDimensions(w, ht); err != nil {
		return nil, fmt.Errorf("exr: %w", err)
	}

	roles := map[string]int{}
	for i, c := range h.channels {
		roles[c.name] = i
	}
	_, hasR := roles["R"]
	_, hasG := roles["G"]
	_, hasB := roles["B"]
	_, hasY := roles["Y"]
	_, hasA := roles["A"]
	var f raster.PixelFormat
	var order []string // output sample order
	switch {
	case hasR || hasG || hasB:
		f, order = raster.RGB16, []string{"R", "G", "B"}
	case hasY:
		f, order = raster.Gray16, []string{"Y"}
	default:
		return nil, fmt.Errorf("exr: %w: no colour channels", codecerr.ErrUnsupported)
	}
	if hasA {
		if f == raster.Gray16 {
			order = []string{"Y", "Y", "Y"}
		}
		f, order = raster.RGBA16, append(order, "A")
	}

	var img *raster.Image
	switch h.compression {
	case compressNone, compressRLE, compressZIPS, compressZIP:
		img = raster.New(w, ht, f)
	default:
		if !opts.AllowPlaceholder() {
			return nil, fmt.Errorf("exr: %w: %s compression", codecerr.ErrUnsupported, compressionNames[h.compression])
		}
		if img, err = raster.Placeholder(w, ht, opts); err != nil {
			return nil, fmt.Errorf("exr: %w", err)
		}
	}
	img.Meta.SetExtra("compression", compressionNames[h.compression])
	img.Meta.SetExtra("transfer", "linear")
	img.Meta.Comment = h.comments
	if img.Meta.Placeholder {
		return img, nil
	}

	// dst[k] lists the output samples fed by channel k.
	dst := make([][]int, len(h.channels))
	for s, name := range order {
		if i, ok := roles[name]; ok {
			dst[i] = append(dst[i], s)
		}
	}
	d := &decoder{h: h, img: img, dst: dst, lineBytes: h.bytesPerLine()}
	if err := d.readChunks(data); err != nil {
		return nil, err
	}
	return img, nil
}

type decoder struct {
	h         *header
	img       *raster.Image
	dst       [][]int
	lineBytes int
}

func (d *decoder) readChunks(data []byte) error {
	lpb := linesPerBlock(d.h.compression)
	height := d.img.Height
	chunks := (height + lpb - 1) / lpb
	table := d.h.size
	if len(data)-table < 8*chunks {
		return fmt.Errorf("exr: offset table: %w", codecerr.ErrTruncated)
	}
	done := make([]bool, chunks)
	for i := 0; i < chunks; i++ {
		off := le.Uint64(data[table+8*i:])
		switch {
		case off < uint64(table+8*chunks):
			return fmt.Errorf("exr: %w: chunk %d offset %d", codecerr.ErrInvalidFormat, i, off)
		case off > uint64(len(data)) || uint64(len(data))-off < 8:
			return fmt.Errorf("exr: chunk %d: %w", i, codecerr.ErrTruncated)
		}
		p := data[off:]
		y := int64(int32(le.Uint32(p))) - int64(d.h.dataWindow.yMin)
		size := int64(int32(le.Uint32(p[4:])))
		if y < 0 || y >= int64(height) || y%int64(lpb) != 0 {
			return fmt.Errorf("exr: %w: chunk at line %d", codecerr.ErrInvalidFormat, y)
		}
		if done[y/int64(lpb)] {
			return fmt.Errorf("exr: %w: duplicate chunk for line %d", codecerr.ErrInvalidFormat, y)
		}
		done[y/int64(lpb)] = true
		if size < 0 || size > int64(len(p)-8) {
			return fmt.Errorf("exr: chunk data of %d bytes: %w", size, codecerr.ErrTruncated)
		}
		lines := min(lpb, height-int(y))
		raw, err := d.uncompress(p[8:8+size], lines*d.lineBytes)
		if err != nil {
			return err
		}
		d.store(raw, int(y), lines)
	}
	return nil
}

// uncompress returns the raw scanlines of one chunk. Chunks whose data is
// not smaller than the raw size are stored uncompressed.
func (d *decoder) uncompress(src []byte, size int) ([]byte, error) {
	if len(src) == size {
		return src, nil
	}
	if d.h.compression == compressNone || len(src) > size {
		return nil, fmt.Errorf("exr: %w: chunk has %d bytes, want %d", codecerr.ErrInvalidFormat, len(src), size)
	}
	var tmp []byte
	switch d.h.compression {
	case compressRLE:
		tmp = make([]byte, size)
		n, err := rle.DecodeEXR(tmp, src)
		if err != nil {
			return nil, fmt.Errorf("exr: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("exr: %w: RLE chunk produced %d of %d bytes", codecerr.ErrDecompression, n, size)
		}
	default:
		var err error
		if tmp, err = deflate.Inflate(src, size); err != nil {
			return nil, fmt.Errorf("exr: %w", err)
		}
	}
	return unpredict(tmp), nil
}

// unpredict undoes the byte delta predictor then merges the two halves
// holding even and odd bytes.
func unpredict(t []byte) []byte {
	for i := 1; i < len(t); i++ {
		t[i] = t[i-1] + t[i] - 128
	}
	out := make([]byte, len(t))
	half := (len(t) + 1) / 2
	for i := range out {
		if i%2 == 0 {
			out[i] = t[i/2]
		} else {
			out[i] = t[half+i/2]
		}
	}
	return out
}

// store converts lines scanlines starting at row y into the image.
func (d *decoder) store(raw []byte, y, lines int) {
	w := d.img.Width
	spp := d.img.Format.Channels()
	for l := 0; l < lines; l++ {
		row := d.img.Row(y + l)
		p := raw[l*d.lineBytes:]
		for k, c := range d.h.channels {
			ps := pixelSize(c.pixelType)
			for _, s := range d.dst[k] {
				for x := 0; x < w; x++ {
					v := sample(p[x*ps:], c.pixelType)
					o := 2 * (x*spp + s)
					row[o], row[o+1] = byte(v>>8), byte(v)
				}
			}
			p = p[w*ps:]
		}
	}
}

// sample reads one channel value as a 16-bit sample. Floating point
// values are clamped to [0, 1]; UINT values saturate at 65535.
func sample(p []byte, t int) uint16 {
	var f float32
	switch t {
	case pixelUint:
		return uint16(min(le.Uint32(p), math.MaxUint16))
	case pixelHalf:
		f = float16.Frombits(le.Uint16(p)).Float32()
	default:
		f = math.Float32frombits(le.Uint32(p))
	}
	switch {
	case !(f > 0): // includes NaN
		return 0
	case f >= 1:
		return math.MaxUint16
	}
	return uint16(f*math.MaxUint16 + 0.5)
}
