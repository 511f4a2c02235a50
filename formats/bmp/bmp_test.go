package bmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"testing"

	xbmp "golang.org/x/image/bmp"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

func testImage(f raster.PixelFormat, w, h int) *raster.Image {
	img := raster.New(w, h, f)
	for i := range img.Pix {
		img.Pix[i] = uint8(i*37 + i/5)
	}
	switch f {
	case raster.Indexed8:
		img.Palette = make(raster.Palette, 16)
		for i := range img.Palette {
			img.Palette[i] = color.NRGBA{R: uint8(i * 16), G: uint8(255 - i*16), B: uint8(i * 3), A: 255}
		}
		for i := range img.Pix {
			img.Pix[i] %= 16
		}
	case raster.RGBA8:
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = uint8(i % 256)
		}
	}
	return img
}

func samePixels(t *testing.T, got, want image.Image) {
	t.Helper()
	if got.Bounds() != want.Bounds() {
		t.Fatalf("bounds %v, want %v", got.Bounds(), want.Bounds())
	}
	b := want.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.NRGBAModel.Convert(got.At(x, y)).(color.NRGBA)
			w := color.NRGBAModel.Convert(want.At(x, y)).(color.NRGBA)
			if g != w {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, g, w)
			}
		}
	}
}

func TestRoundTrip(t *testing.T) {
	formats := []raster.PixelFormat{raster.Gray8, raster.RGB8, raster.RGBA8, raster.Indexed8, raster.RGB16}
	for _, f := range formats {
		for _, size := range [][2]int{{1, 1}, {3, 5}, {17, 4}} {
			src := testImage(f, size[0], size[1])
			data, err := Encode(src, nil)
			if err != nil {
				t.Fatalf("%v: %v", f, err)
			}
			got, err := Decode(data, nil)
			if err != nil {
				t.Fatalf("%v %v: %v", f, size, err)
			}
			want := src
			if f == raster.RGB16 {
				want, _ = src.Convert(raster.RGB8)
			}
			samePixels(t, got, want)
		}
	}
}

func TestRLE8RoundTrip(t *testing.T) {
	src := testImage(raster.Indexed8, 300, 3)
	for i := 0; i < 290; i++ {
		src.Pix[i] = 7 // a run longer than one packet
	}
	data, err := Encode(src, &raster.Options{Compression: raster.CompressionRLE})
	if err != nil {
		t.Fatal(err)
	}
	if c := binary.LittleEndian.Uint32(data[fileHeaderLen+16:]); c != biRLE8 {
		t.Fatalf("compression = %d", c)
	}
	got, err := Decode(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Pix, src.Pix) {
		t.Error("indices differ after RLE8 round trip")
	}
}

func TestEncodeReadableByXImage(t *testing.T) {
	for _, f := range []raster.PixelFormat{raster.RGB8, raster.Indexed8, raster.Gray8} {
		src := testImage(f, 9, 6)
		data, err := Encode(src, nil)
		if err != nil {
			t.Fatal(err)
		}
		ref, err := xbmp.Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("%v: x/image/bmp: %v", f, err)
		}
		samePixels(t, ref, src)
	}
}

func TestDecodeMatchesXImage(t *testing.T) {
	rgba := image.NewNRGBA(image.Rect(0, 0, 7, 5))
	for i := range rgba.Pix {
		rgba.Pix[i] = uint8(i * 11)
	}
	opaque := image.NewNRGBA(rgba.Rect)
	copy(opaque.Pix, rgba.Pix)
	for i := 3; i < len(opaque.Pix); i += 4 {
		opaque.Pix[i] = 0xff
	}
	gray := image.NewGray(image.Rect(0, 0, 5, 3))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 20)
	}
	for _, src := range []image.Image{rgba, opaque, gray} {
		var buf bytes.Buffer
		if err := xbmp.Encode(&buf, src); err != nil {
			t.Fatal(err)
		}
		ref, err := xbmp.Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(buf.Bytes(), nil)
		if err != nil {
			t.Fatal(err)
		}
		samePixels(t, got, ref)
	}
}

// build assembles a file from a DIB header, colour table and pixels.
func build(dib []byte, pal []byte, pixels []byte) []byte {
	off := fileHeaderLen + len(dib) + len(pal)
	out := []byte{'B', 'M'}
	out = binary.LittleEndian.AppendUint32(out, uint32(off+len(pixels)))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(off))
	out = append(out, dib...)
	out = append(out, pal...)
	return append(out, pixels...)
}

func infoHeader(w, h int32, bpp, compression int, extra int) []byte {
	dib := make([]byte, infoHeaderLen+extra)
	binary.LittleEndian.PutUint32(dib[0:], infoHeaderLen)
	binary.LittleEndian.PutUint32(dib[4:], uint32(w))
	binary.LittleEndian.PutUint32(dib[8:], uint32(h))
	binary.LittleEndian.PutUint16(dib[12:], 1)
	binary.LittleEndian.PutUint16(dib[14:], uint16(bpp))
	binary.LittleEndian.PutUint32(dib[16:], uint32(compression))
	return dib
}

func TestDecodeVariants(t *testing.T) {
	twoColours := []byte{0, 0, 0, 0, 255, 255, 255, 0}
	tests := []struct {
		name   string
		data   []byte
		format raster.PixelFormat
		want   []color.NRGBA // row-major, top row first
	}{
		{
			name:   "1bpp bottom-up",
			data:   build(infoHeader(3, 2, 1, biRGB, 0), twoColours, []byte{0b10100000, 0, 0, 0, 0b01000000, 0, 0, 0}),
			format: raster.Indexed8,
			want: []color.NRGBA{
				{A: 255}, {255, 255, 255, 255}, {A: 255},
				{255, 255, 255, 255}, {A: 255}, {255, 255, 255, 255},
			},
		},
		{
			name:   "4bpp top-down",
			data:   build(infoHeader(2, -1, 4, biRGB, 0), append(twoColours, make([]byte, 14*4)...), []byte{0x10, 0, 0, 0}),
			format: raster.Indexed8,
			want:   []color.NRGBA{{255, 255, 255, 255}, {A: 255}},
		},
		{
			name: "16bpp 565 bit fields",
			data: func() []byte {
				dib := infoHeader(2, 1, 16, biBitfields, 0)
				masks := []byte{0x00, 0xf8, 0, 0, 0xe0, 0x07, 0, 0, 0x1f, 0, 0, 0}
				return build(append(dib, masks...), nil, []byte{0x00, 0xf8, 0x1f, 0x00})
			}(),
			format: raster.RGB8,
			want:   []color.NRGBA{{255, 0, 0, 255}, {0, 0, 255, 255}},
		},
		{
			name:   "16bpp default 555",
			data:   build(infoHeader(1, 1, 16, biRGB, 0), nil, []byte{0xe0, 0x03, 0, 0}),
			format: raster.RGB8,
			want:   []color.NRGBA{{0, 255, 0, 255}},
		},
		{
			name: "OS/2 core header",
			data: func() []byte {
				dib := make([]byte, coreHeaderLen)
				binary.LittleEndian.PutUint32(dib, coreHeaderLen)
				binary.LittleEndian.PutUint16(dib[4:], 1)
				binary.LittleEndian.PutUint16(dib[6:], 1)
				binary.LittleEndian.PutUint16(dib[8:], 1)
				binary.LittleEndian.PutUint16(dib[10:], 8)
				pal := make([]byte, 256*3)
				copy(pal[3:], []byte{1, 2, 3})
				return build(dib, pal, []byte{1, 0, 0, 0})
			}(),
			format: raster.Indexed8,
			want:   []color.NRGBA{{3, 2, 1, 255}},
		},
		{
			name: "RLE4",
			data: func() []byte {
				pal := make([]byte, 16*4)
				pal[4*2] = 200
				return build(infoHeader(4, 1, 4, biRLE4, 0), pal, []byte{4, 0x02, 0, 1})
			}(),
			format: raster.Indexed8,
			want:   []color.NRGBA{{A: 255}, {B: 200, A: 255}, {A: 255}, {B: 200, A: 255}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data, nil)
			if err != nil {
				t.Fatal(err)
			}
			if img.Format != tt.format {
				t.Errorf("format = %v, want %v", img.Format, tt.format)
			}
			for i, want := range tt.want {
				if got := img.NRGBAAt(i%img.Width, i/img.Width); got != want {
					t.Errorf("pixel %d = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestICCRoundTrip(t *testing.T) {
	src := testImage(raster.RGB8, 4, 4)
	src.Meta.ICC = []byte("fake profile bytes")
	data, err := Encode(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Meta.ICC, src.Meta.ICC) {
		t.Errorf("ICC = %q", got.Meta.ICC)
	}
	samePixels(t, got, src)
}

func TestDecodeIcon(t *testing.T) {
	// 2x2 24-bit icon: white pixels, AND mask hides the top-left one.
	dib := infoHeader(2, 4, 24, biRGB, 0)
	xor := []byte{255, 255, 255, 255, 255, 255, 0, 0, 255, 255, 255, 255, 255, 255, 0, 0}
	and := []byte{0, 0, 0, 0, 0x80, 0, 0, 0}
	img, err := DecodeIcon(append(append(dib, xor...), and...), nil)
	if err != nil {
		t.Fatal(err)
	}
	if img.Format != raster.RGBA8 || img.Width != 2 || img.Height != 2 {
		t.Fatalf("icon %v %dx%d", img.Format, img.Width, img.Height)
	}
	if a := img.NRGBAAt(0, 0).A; a != 0 {
		t.Errorf("masked pixel alpha = %d", a)
	}
	if c := img.NRGBAAt(1, 1); c != (color.NRGBA{255, 255, 255, 255}) {
		t.Errorf("visible pixel = %v", c)
	}
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(testImage(raster.RGB8, 3, 3), nil)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < len(good); k++ {
		if _, err := Decode(good[:k], nil); err == nil {
			t.Fatalf("prefix %d decoded", k)
		}
	}
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"signature", []byte("XM0000000000000000"), codecerr.ErrInvalidFormat},
		{"zero width", build(infoHeader(0, 1, 24, biRGB, 0), nil, make([]byte, 4)), codecerr.ErrInvalidDimensions},
		{"bpp", build(infoHeader(1, 1, 7, biRGB, 0), nil, make([]byte, 4)), codecerr.ErrUnsupported},
		{"top-down RLE", build(infoHeader(1, -1, 8, biRLE8, 0), make([]byte, 1024), []byte{0, 1}), codecerr.ErrInvalidFormat},
		{"huge", build(infoHeader(1<<20, 1<<20, 24, biRGB, 0), nil, nil), codecerr.ErrInvalidDimensions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data, nil); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
