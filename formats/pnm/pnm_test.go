package pnm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

func TestRoundTrip(t *testing.T) {
	for _, f := range []raster.PixelFormat{raster.Gray8, raster.Gray16, raster.RGB8, raster.RGB16} {
		for _, size := range [][2]int{{1, 1}, {9, 4}, {31, 17}} {
			src := raster.New(size[0], size[1], f)
			for i := range src.Pix {
				src.Pix[i] = uint8(i*13 + i/3)
			}
			src.Meta.Comment = "first\nsecond"
			data, err := Encode(src, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(data, nil)
			if err != nil {
				t.Fatalf("%v %v: %v", f, size, err)
			}
			if got.Format != f || !bytes.Equal(got.Pix, src.Pix) {
				t.Fatalf("%v %v: got %v, pixels differ", f, size, got.Format)
			}
			if got.Meta.Comment != "first\nsecond" {
				t.Errorf("comment %q", got.Meta.Comment)
			}
		}
	}
}

func TestEncodeDropsAlpha(t *testing.T) {
	src := raster.New(1, 1, raster.RGBA8)
	copy(src.Pix, []byte{1, 2, 3, 255})
	data, err := Encode(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("P6\n1 1\n255\n")) || !bytes.HasSuffix(data, []byte{1, 2, 3}) {
		t.Errorf("got %q", data)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		data string
		f    raster.PixelFormat
		want []byte
	}{
		{"P1", "P1\n# bitmap\n4 2\n0 1 1 0\n1001", raster.Gray8, []byte{255, 0, 0, 255, 0, 255, 255, 0}},
		{"P2 maxval 15", "P2 2 1 15\n15 0\n", raster.Gray8, []byte{255, 0}},
		{"P3", "P3\n1 1\n255\n10 20 30", raster.RGB8, []byte{10, 20, 30}},
		{"P3 wide", "P3 1 1 1023 1023 0 511", raster.RGB16, []byte{0xff, 0xff, 0, 0, 0x7f, 0xdf}},
		{"P4", "P4\n10 1\n\x81\x40", raster.Gray8, []byte{0, 255, 255, 255, 255, 255, 255, 0, 255, 0}},
		{"P5 inline comment", "P5 2 # c\n1 100\n\x64\x32", raster.Gray8, []byte{255, 128}},
		{"P6", "P6\t1 1\r\n255\n\x01\x02\x03", raster.RGB8, []byte{1, 2, 3}},
		{"P5 saturates", "P5 1 1 100\n\xff", raster.Gray8, []byte{255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode([]byte(tt.data), nil)
			if err != nil {
				t.Fatal(err)
			}
			if img.Format != tt.f || !bytes.Equal(img.Pix, tt.want) {
				t.Errorf("got %v % x, want %v % x", img.Format, img.Pix, tt.f, tt.want)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"magic", "P7\n1 1\n", codecerr.ErrInvalidFormat},
		{"not netpbm", "GIF89a", codecerr.ErrInvalidFormat},
		{"glued magic", "P61 1 255\n\x00\x00\x00", codecerr.ErrInvalidFormat},
		{"width", "P5 x 1 255\n\x00", codecerr.ErrInvalidFormat},
		{"maxval zero", "P5 1 1 0\n\x00", codecerr.ErrInvalidFormat},
		{"maxval large", "P5 1 1 70000\n\x00\x00", codecerr.ErrInvalidFormat},
		{"zero height", "P5 1 0 255\n", codecerr.ErrInvalidDimensions},
		{"sample above maxval", "P2 1 1 7 8", codecerr.ErrInvalidFormat},
		{"bitmap digit", "P1 1 1 2", codecerr.ErrInvalidFormat},
		{"short ascii", "P3 1 1 255 1 2", codecerr.ErrTruncated},
		{"short bits", "P4 9 2\n\x00\x00\x00", codecerr.ErrTruncated},
		{"huge", "P5 1234567890 1 255\n", codecerr.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data), nil); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTruncation(t *testing.T) {
	src := raster.New(3, 2, raster.RGB16)
	src.Meta.Comment = "c"
	data, err := Encode(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < len(data); k++ {
		if _, err := Decode(data[:k], nil); !errors.Is(err, codecerr.ErrTruncated) {
			t.Fatalf("prefix %d: err = %v", k, err)
		}
	}
}
