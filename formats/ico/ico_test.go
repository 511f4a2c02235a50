package ico

import (
	"bytes"
	"errors"
	"image/color"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// dib24 returns a 2x2 24-bit icon bitmap of one colour whose AND mask
// hides the top-left pixel.
func dib24(b, g, r byte) []byte {
	h := make([]byte, 40)
	le.PutUint32(h, 40)
	le.PutUint32(h[4:], 2)
	le.PutUint32(h[8:], 4) // colour bitmap plus mask
	le.PutUint16(h[12:], 1)
	le.PutUint16(h[14:], 24)
	row := []byte{b, g, r, b, g, r, 0, 0}
	h = append(h, row...)
	h = append(h, row...)
	return append(h, 0, 0, 0, 0, 0x80, 0, 0, 0)
}

type testEntry struct {
	w, h  int // directory size, 256 written as 0
	bits  int
	hotX  int
	hotY  int
	image []byte
}

func build(typ int, entries ...testEntry) []byte {
	out := make([]byte, dirSize+entrySize*len(entries))
	le.PutUint16(out[2:], uint16(typ))
	le.PutUint16(out[4:], uint16(len(entries)))
	for i, e := range entries {
		p := out[dirSize+i*entrySize:]
		p[0], p[1] = byte(e.w), byte(e.h)
		if typ == typeCursor {
			le.PutUint16(p[4:], uint16(e.hotX))
			le.PutUint16(p[6:], uint16(e.hotY))
		} else {
			le.PutUint16(p[4:], 1)
			le.PutUint16(p[6:], uint16(e.bits))
		}
		le.PutUint32(p[8:], uint32(len(e.image)))
		le.PutUint32(p[12:], uint32(len(out)))
		out = append(out, e.image...)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []raster.PixelFormat{raster.RGBA8, raster.RGB8, raster.Gray8} {
		for _, size := range [][2]int{{1, 1}, {16, 16}, {256, 256}, {48, 20}} {
			src := raster.New(size[0], size[1], f)
			for i := range src.Pix {
				src.Pix[i] = uint8(i * 7)
			}
			data, err := Encode(src, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(data, nil)
			if err != nil {
				t.Fatalf("%v %v: %v", f, size, err)
			}
			if got.Format != f || !bytes.Equal(got.Pix, src.Pix) {
				t.Fatalf("%v %v: pixels differ", f, size)
			}
			w, h, err := DecodeConfig(data)
			if err != nil || w != size[0] || h != size[1] {
				t.Errorf("DecodeConfig = %d, %d, %v", w, h, err)
			}
		}
	}
}

func TestEncodeTooLarge(t *testing.T) {
	if _, err := Encode(raster.New(257, 1, raster.RGB8), nil); !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Errorf("err = %v", err)
	}
}

func TestLargestEntry(t *testing.T) {
	small, err := Encode(raster.New(1, 1, raster.RGB8), nil)
	if err != nil {
		t.Fatal(err)
	}
	data := build(typeIcon,
		testEntry{w: 1, h: 1, bits: 24, image: small[dirSize+entrySize:]},
		testEntry{w: 2, h: 2, bits: 8, image: dib24(0, 0, 0)},
		testEntry{w: 2, h: 2, bits: 24, image: dib24(255, 0, 0)},
	)
	img, err := Decode(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 2 || img.Format != raster.RGBA8 {
		t.Fatalf("got %v %dx%d", img.Format, img.Width, img.Height)
	}
	if got := img.NRGBAAt(1, 1); got != (color.NRGBA{B: 255, A: 255}) {
		t.Errorf("pixel = %v, want the 24-bit entry", got)
	}
	if got := img.NRGBAAt(0, 0); got.A != 0 {
		t.Errorf("masked pixel = %v", got)
	}
	if img.Meta.Extra["entries"] != "3" {
		t.Errorf("entries %q", img.Meta.Extra["entries"])
	}
}

func TestCursor(t *testing.T) {
	data := build(typeCursor, testEntry{w: 2, h: 2, hotX: 1, hotY: 0, image: dib24(0, 255, 0)})
	img, err := Decode(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if img.Meta.Extra["hotspot"] != "1,0" {
		t.Errorf("hotspot %q", img.Meta.Extra["hotspot"])
	}
}

func TestDecodeErrors(t *testing.T) {
	offset := build(typeIcon, testEntry{w: 2, h: 2, image: dib24(0, 0, 0)})
	le.PutUint32(offset[dirSize+12:], 3)
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"reserved", []byte{1, 0, 1, 0, 1, 0}, codecerr.ErrInvalidFormat},
		{"type", []byte{0, 0, 3, 0, 1, 0}, codecerr.ErrInvalidFormat},
		{"short type", []byte{0, 0, 7}, codecerr.ErrInvalidFormat},
		{"empty", []byte{0, 0, 1, 0, 0, 0}, codecerr.ErrInvalidFormat},
		{"offset", offset, codecerr.ErrInvalidFormat},
		{"bad image", build(typeIcon, testEntry{w: 2, h: 2, image: []byte{1, 2, 3, 4, 5}}), codecerr.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data, nil); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTruncation(t *testing.T) {
	data, err := Encode(raster.New(3, 3, raster.RGBA8), nil)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < len(data); k++ {
		if _, err := Decode(data[:k], nil); !errors.Is(err, codecerr.ErrTruncated) {
			t.Fatalf("prefix %d: err = %v", k, err)
		}
	}
}
