package tga

import (
	"bytes"
	"errors"
	"image/color"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

func testImage(f raster.PixelFormat, w, h int) *raster.Image {
	img := raster.New(w, h, f)
	for i := range img.Pix {
		if i%11 < 6 {
			img.Pix[i] = 0x40
		} else {
			img.Pix[i] = uint8(i*29 + i/3)
		}
	}
	if f == raster.Indexed8 {
		img.Palette = make(raster.Palette, 40)
		for i := range img.Palette {
			img.Palette[i] = color.NRGBA{R: uint8(i * 6), G: uint8(i), B: 200, A: uint8(255 - i)}
		}
		for i := range img.Pix {
			img.Pix[i] %= 40
		}
	}
	return img
}

func TestRoundTrip(t *testing.T) {
	formats := []raster.PixelFormat{raster.Gray8, raster.RGB8, raster.RGBA8, raster.Indexed8}
	for _, c := range []raster.Compression{raster.CompressionNone, raster.CompressionRLE} {
		opts := &raster.Options{Compression: c}
		for _, f := range formats {
			for _, size := range [][2]int{{1, 1}, {64, 1}, {5, 64}, {33, 17}, {64, 64}} {
				src := testImage(f, size[0], size[1])
				src.Meta.Comment = "tga test"
				data, err := Encode(src, opts)
				if err != nil {
					t.Fatalf("%v %v %v: %v", c, f, size, err)
				}
				got, err := Decode(data, nil)
				if err != nil {
					t.Fatalf("%v %v %v: %v", c, f, size, err)
				}
				if got.Format != f || !bytes.Equal(got.Pix, src.Pix) {
					t.Fatalf("%v %v %v: pixels differ", c, f, size)
				}
				if f == raster.Indexed8 && len(got.Palette) != len(src.Palette) {
					t.Fatalf("palette has %d entries", len(got.Palette))
				}
				if got.Meta.Comment != "tga test" {
					t.Errorf("comment %q", got.Meta.Comment)
				}
			}
		}
	}
}

func TestRLEIsSmaller(t *testing.T) {
	img := raster.New(100, 100, raster.RGB8)
	raw, err := Encode(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := Encode(img, &raster.Options{Compression: raster.CompressionRLE})
	if err != nil {
		t.Fatal(err)
	}
	if packed[2] != typeRLETrueColor || raw[2] != typeTrueColor {
		t.Errorf("image types %d, %d", raw[2], packed[2])
	}
	// Each row is a single run packet: a header byte and one pixel.
	if len(packed) >= len(raw) {
		t.Errorf("RLE %d bytes, raw %d", len(packed), len(raw))
	}
	if want := headerSize + 100*4 + 26; len(packed) != want {
		t.Errorf("RLE size %d, want %d", len(packed), want)
	}
}

// build assembles a header and body by hand.
func build(typ, depth int, desc byte, w, h int, cm []byte, cmDepth int, body []byte) []byte {
	hdr := make([]byte, headerSize)
	hdr[2] = byte(typ)
	if cm != nil {
		hdr[1] = 1
		n := len(cm) / ((cmDepth + 7) / 8)
		hdr[5], hdr[6] = byte(n), byte(n>>8)
		hdr[7] = byte(cmDepth)
	}
	hdr[12], hdr[13] = byte(w), byte(w>>8)
	hdr[14], hdr[15] = byte(h), byte(h>>8)
	hdr[16] = byte(depth)
	hdr[17] = desc
	return append(append(hdr, cm...), body...)
}

func TestDecodeVariants(t *testing.T) {
	red, green := color.NRGBA{R: 255, A: 255}, color.NRGBA{G: 255, A: 255}
	blue, seeThrough := color.NRGBA{B: 255, A: 255}, color.NRGBA{B: 255}
	tests := []struct {
		name string
		data []byte
		want [][]color.NRGBA // rows, top first
	}{
		{
			"bottom-up 24-bit",
			build(typeTrueColor, 24, 0, 2, 2, nil, 0, []byte{
				0, 0, 255, 0, 255, 0, // bottom row: red, green
				255, 0, 0, 255, 0, 0,
			}),
			[][]color.NRGBA{{blue, blue}, {red, green}},
		},
		{
			"right-to-left 16-bit with alpha",
			build(typeTrueColor, 16, descTopBottom|descRightLeft|1, 2, 1, nil, 0, []byte{
				0x1f, 0x00, // blue, alpha bit clear
				0x00, 0xfc, // red, alpha bit set
			}),
			[][]color.NRGBA{{red, seeThrough}},
		},
		{
			"32-bit without alpha bits",
			build(typeTrueColor, 32, descTopBottom, 1, 1, nil, 0, []byte{0, 255, 0, 0}),
			[][]color.NRGBA{{green}},
		},
		{
			"RLE colour-mapped 15-bit entries",
			build(typeRLEColorMapped, 8, descTopBottom, 3, 1, []byte{0x00, 0x7c, 0xe0, 0x03}, 15, []byte{
				0x81, 1, // two greens
				0x00, 0, // one literal red
			}),
			[][]color.NRGBA{{green, green, red}},
		},
		{
			"RLE gray",
			build(typeRLEGray, 8, descTopBottom, 4, 1, nil, 0, []byte{0x83, 0x80}),
			[][]color.NRGBA{{{0x80, 0x80, 0x80, 0xff}, {0x80, 0x80, 0x80, 0xff}, {0x80, 0x80, 0x80, 0xff}, {0x80, 0x80, 0x80, 0xff}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data, nil)
			if err != nil {
				t.Fatal(err)
			}
			for y, row := range tt.want {
				for x, want := range row {
					if got := img.NRGBAAt(x, y); got != want {
						t.Errorf("(%d,%d) = %v, want %v", x, y, got, want)
					}
				}
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", []byte{0, 0, 2}, codecerr.ErrTruncated},
		{"image type", build(4, 24, 0, 1, 1, nil, 0, []byte{1, 2, 3}), codecerr.ErrInvalidFormat},
		{"depth", build(typeTrueColor, 12, 0, 1, 1, nil, 0, []byte{1, 2}), codecerr.ErrInvalidFormat},
		{"no colour map", build(typeColorMapped, 8, 0, 1, 1, nil, 0, []byte{0}), codecerr.ErrInvalidFormat},
		{"interleaved", build(typeGray, 8, 0x40, 1, 1, nil, 0, []byte{0}), codecerr.ErrUnsupported},
		{"zero width", build(typeGray, 8, 0, 0, 1, nil, 0, nil), codecerr.ErrInvalidDimensions},
		{"short pixels", build(typeGray, 8, 0, 4, 4, nil, 0, []byte{1, 2, 3}), codecerr.ErrTruncated},
		{"short runs", build(typeRLEGray, 8, 0, 4, 4, nil, 0, []byte{0x83, 1}), codecerr.ErrTruncated},
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
	for _, c := range []raster.Compression{raster.CompressionNone, raster.CompressionRLE} {
		data, err := Encode(testImage(raster.Indexed8, 6, 6), &raster.Options{Compression: c})
		if err != nil {
			t.Fatal(err)
		}
		// The footer is optional; everything before it is required.
		body := len(data) - 26
		for k := 0; k < body; k++ {
			if _, err := Decode(data[:k], nil); !errors.Is(err, codecerr.ErrTruncated) {
				t.Fatalf("%v prefix %d: err = %v", c, k, err)
			}
		}
	}
}

func TestLooksLike(t *testing.T) {
	valid, err := Encode(testImage(raster.RGB8, 3, 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !LooksLike(valid) {
		t.Error("LooksLike rejected an encoded file")
	}
	for _, data := range [][]byte{
		nil,
		[]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR\x00\x00"),
		[]byte("GIF89a\x01\x00\x01\x00\x00\x00\x00,\x00\x00\x00\x00"),
		build(typeTrueColor, 24, 0, 0, 1, nil, 0, nil),
	} {
		if LooksLike(data) {
			t.Errorf("LooksLike accepted % x", data)
		}
	}
}
