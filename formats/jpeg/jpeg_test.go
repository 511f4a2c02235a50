package jpeg

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	stdjpeg "image/jpeg"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// gradient returns a smooth RGB image, which survives lossy coding with
// small errors.
func gradient(w, h int) *raster.Image {
	img := raster.New(w, h, raster.RGB8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x * 255 / max(w-1, 1))
			img.Pix[i+1] = uint8(y * 255 / max(h-1, 1))
			img.Pix[i+2] = uint8((x + y) * 127 / max(w+h-2, 1))
		}
	}
	return img
}

func maxDiff(t *testing.T, a, b image.Image) int {
	t.Helper()
	worst := 0
	r := a.Bounds()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			ca := color.NRGBAModel.Convert(a.At(x, y)).(color.NRGBA)
			cb := color.NRGBAModel.Convert(b.At(x, y)).(color.NRGBA)
			for _, d := range []int{
				int(ca.R) - int(cb.R), int(ca.G) - int(cb.G), int(ca.B) - int(cb.B),
			} {
				worst = max(worst, d, -d)
			}
		}
	}
	return worst
}

func TestDecodeMatchesStandardLibrary(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
	}{
		{"ycbcr 4:2:0", gradient(37, 21).ToNRGBA()},
		{"gray", func() image.Image {
			g := image.NewGray(image.Rect(0, 0, 19, 26))
			for i := range g.Pix {
				g.Pix[i] = uint8(i * 3)
			}
			return g
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := stdjpeg.Encode(&buf, tt.img, &stdjpeg.Options{Quality: 90}); err != nil {
				t.Fatal(err)
			}
			want, err := stdjpeg.Decode(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(buf.Bytes(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if got.Bounds() != want.Bounds() {
				t.Fatalf("bounds = %v, want %v", got.Bounds(), want.Bounds())
			}
			if d := maxDiff(t, got, want); d > 6 {
				t.Errorf("max channel difference from image/jpeg = %d", d)
			}
		})
	}
}

func TestEncodeReadableByStandardLibrary(t *testing.T) {
	for _, q := range []int{50, 95} {
		src := gradient(45, 30)
		data, err := Encode(src, &raster.Options{Quality: q})
		if err != nil {
			t.Fatal(err)
		}
		std, err := stdjpeg.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("quality %d: image/jpeg rejects output: %v", q, err)
		}
		if d := maxDiff(t, std, src); d > 24 {
			t.Errorf("quality %d: max difference %d", q, d)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		img  *raster.Image
	}{
		{"rgb", gradient(17, 9)},
		{"1x1", gradient(1, 1)},
		{"gray", func() *raster.Image {
			g := raster.New(10, 10, raster.Gray8)
			for i := range g.Pix {
				g.Pix[i] = uint8(i)
			}
			return g
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.img, &raster.Options{Quality: 100})
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(data, nil)
			if err != nil {
				t.Fatal(err)
			}
			wantFormat := raster.RGB8
			if tt.img.Format == raster.Gray8 {
				wantFormat = raster.Gray8
			}
			if got.Format != wantFormat {
				t.Errorf("format = %v, want %v", got.Format, wantFormat)
			}
			if d := maxDiff(t, got, tt.img); d > 8 {
				t.Errorf("max difference %d", d)
			}
		})
	}
}

func TestRestartIntervals(t *testing.T) {
	src := gradient(50, 40)
	plain, err := encode(src, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	withRST, err := encode(src, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(withRST, []byte{0xff, mRST0}) || !bytes.Contains(withRST, []byte{0xff, mDRI}) {
		t.Fatal("restart markers not written")
	}
	a, err := Decode(plain, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode(withRST, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("restart intervals changed the decoded pixels")
	}
	std, err := stdjpeg.Decode(bytes.NewReader(withRST))
	if err != nil {
		t.Fatalf("image/jpeg: %v", err)
	}
	if d := maxDiff(t, std, b); d > 6 {
		t.Errorf("difference from image/jpeg = %d", d)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	src := gradient(8, 8)
	src.Meta.EXIF = []byte("MM\x00\x2a\x00\x00\x00\x08")
	src.Meta.XMP = []byte("<x:xmpmeta/>")
	src.Meta.ICC = bytes.Repeat([]byte{1, 2, 3, 4, 5}, 30000) // two APP2 segments
	src.Meta.Comment = "made here"
	data, err := Encode(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	m := got.Meta
	if !bytes.Equal(m.EXIF, src.Meta.EXIF) || !bytes.Equal(m.XMP, src.Meta.XMP) ||
		!bytes.Equal(m.ICC, src.Meta.ICC) || m.Comment != "made here" {
		t.Errorf("metadata mismatch: exif %d xmp %d icc %d comment %q", len(m.EXIF), len(m.XMP), len(m.ICC), m.Comment)
	}
}

func TestExtend(t *testing.T) {
	tests := []struct {
		v    uint32
		s    uint8
		want int32
	}{
		{0, 0, 0}, {0, 1, -1}, {1, 1, 1}, {0, 3, -7}, {3, 3, -4}, {4, 3, 4}, {7, 3, 7},
	}
	for _, tt := range tests {
		if got := extend(tt.v, tt.s); got != tt.want {
			t.Errorf("extend(%d, %d) = %d, want %d", tt.v, tt.s, got, tt.want)
		}
		if tt.s > 0 {
			if s, v := magnitude(tt.want); s != tt.s || v != tt.v {
				t.Errorf("magnitude(%d) = %d, %d; want %d, %d", tt.want, s, v, tt.s, tt.v)
			}
		}
	}
}

// sof builds a minimal stream ending in a frame header of the given type.
func sof(marker byte, w, h int) []byte {
	return []byte{
		0xff, mSOI,
		0xff, marker, 0, 11, 8, byte(h >> 8), byte(h), byte(w >> 8), byte(w), 1, 1, 0x11, 0,
		0xff, mEOI,
	}
}

func TestUnsupportedAndPlaceholder(t *testing.T) {
	if _, err := Decode(sof(mSOF2, 16, 8), nil); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Errorf("progressive: err = %v", err)
	}
	img, err := Decode(sof(mSOF2, 16, 8), &raster.Options{Placeholder: true})
	if err != nil {
		t.Fatal(err)
	}
	if !img.Meta.Placeholder || img.Width != 16 || img.Height != 8 {
		t.Errorf("placeholder = %dx%d placeholder=%v", img.Width, img.Height, img.Meta.Placeholder)
	}
	if _, err := Decode(sof(mSOF2, 0, 8), &raster.Options{Placeholder: true}); err == nil {
		t.Error("zero-width progressive frame produced a placeholder")
	}
	if _, err := Decode(sof(mSOF0, 0, 8), nil); !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Errorf("zero width: err = %v", err)
	}
	if _, err := Decode(sof(mSOF0, 8, 8), nil); !errors.Is(err, codecerr.ErrInvalidFormat) {
		t.Errorf("no scan: err = %v", err)
	}
}

func TestTruncation(t *testing.T) {
	data, err := Encode(gradient(20, 20), nil)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < len(data); k++ {
		_, err := Decode(data[:k], nil)
		if err == nil {
			t.Fatalf("prefix %d decoded", k)
		}
		if k < 2+20 && !errors.Is(err, codecerr.ErrTruncated) && !errors.Is(err, codecerr.ErrInvalidFormat) {
			t.Fatalf("prefix %d: err = %v", k, err)
		}
	}
	if _, err := Decode([]byte("not a jpeg"), nil); !errors.Is(err, codecerr.ErrInvalidFormat) {
		t.Errorf("bad magic: err = %v", err)
	}
}

func TestDecodeConfig(t *testing.T) {
	data, err := Encode(gradient(33, 17), nil)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		data []byte
		w, h int
		want error
	}{
		{"baseline", data, 33, 17, nil},
		{"progressive", sof(mSOF2, 640, 480), 640, 480, nil},
		{"zero", sof(mSOF0, 0, 480), 0, 0, codecerr.ErrInvalidDimensions},
		{"no frame", []byte{0xff, mSOI, 0xff, mEOI}, 0, 0, codecerr.ErrInvalidFormat},
		{"cut", data[:8], 0, 0, codecerr.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h, err := DecodeConfig(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if w != tt.w || h != tt.h {
				t.Errorf("size %dx%d, want %dx%d", w, h, tt.w, tt.h)
			}
		})
	}
}
