package dds

import (
	"bytes"
	"errors"
	"image/color"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

type surface struct {
	width, height int
	flags         uint32
	fourCC        string
	bitCount      int
	masks         [4]uint32
	mipMaps       int
	dxgi          uint32
}

func (s surface) build(body []byte) []byte {
	out := make([]byte, dataOffset)
	copy(out, magic)
	p := out[4:]
	le.PutUint32(p, headerSize)
	le.PutUint32(p[4:], flagCaps|flagHeight|flagWidth|flagPixelFormat)
	le.PutUint32(p[8:], uint32(s.height))
	le.PutUint32(p[12:], uint32(s.width))
	le.PutUint32(p[24:], uint32(s.mipMaps))
	pf := p[72:]
	le.PutUint32(pf, pfSize)
	le.PutUint32(pf[4:], s.flags)
	copy(pf[8:12], s.fourCC)
	le.PutUint32(pf[12:], uint32(s.bitCount))
	for i, m := range s.masks {
		le.PutUint32(pf[16+4*i:], m)
	}
	if s.fourCC == "DX10" {
		dx10 := make([]byte, dx10Size)
		le.PutUint32(dx10, s.dxgi)
		le.PutUint32(dx10[4:], 3) // 2D texture
		le.PutUint32(dx10[12:], 1)
		out = append(out, dx10...)
	}
	return append(out, body...)
}

// dxt1Block is a four-colour block: red and blue endpoints, index i at
// pixel i%4.
var dxt1Block = []byte{0x00, 0xf8, 0x1f, 0x00, 0xe4, 0xe4, 0xe4, 0xe4}

func TestDecodeDXT(t *testing.T) {
	red, blue := color.NRGBA{R: 255, A: 255}, color.NRGBA{B: 255, A: 255}
	tests := []struct {
		name string
		data []byte
	}{
		{"fourcc", surface{width: 4, height: 4, flags: pfFourCC, fourCC: "DXT1", mipMaps: 3}.build(dxt1Block)},
		{"dx10", surface{width: 4, height: 4, flags: pfFourCC, fourCC: "DX10", dxgi: dxgiBC1, mipMaps: 3}.build(dxt1Block)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.data, nil)
			if err != nil {
				t.Fatal(err)
			}
			if img.Format != raster.RGBA8 || img.Width != 4 || img.Height != 4 {
				t.Fatalf("got %v %dx%d", img.Format, img.Width, img.Height)
			}
			if got := img.NRGBAAt(0, 2); got != red {
				t.Errorf("index 0 = %v", got)
			}
			if got := img.NRGBAAt(1, 0); got != blue {
				t.Errorf("index 1 = %v", got)
			}
			if got := img.NRGBAAt(2, 3); got.A != 255 || got.R <= got.B {
				t.Errorf("index 2 = %v, want two thirds red", got)
			}
			if img.Meta.Extra["mipmaps"] != "3" || img.Meta.Extra["block_size"] != "8" {
				t.Errorf("extra %v", img.Meta.Extra)
			}
		})
	}
}

func TestDecodeMasked(t *testing.T) {
	tests := []struct {
		name string
		s    surface
		body []byte
		want color.NRGBA
		f    raster.PixelFormat
	}{
		{
			"565",
			surface{flags: pfRGB, bitCount: 16, masks: [4]uint32{0xf800, 0x07e0, 0x001f, 0}},
			[]byte{0xe0, 0x07}, // pure green
			color.NRGBA{G: 255, A: 255}, raster.RGB8,
		},
		{
			"A1R5G5B5",
			surface{flags: pfRGB | pfAlphaPixels, bitCount: 16, masks: [4]uint32{0x7c00, 0x03e0, 0x001f, 0x8000}},
			[]byte{0x1f, 0x00}, // blue, transparent
			color.NRGBA{B: 255}, raster.RGBA8,
		},
		{
			"R8G8B8",
			surface{flags: pfRGB, bitCount: 24, masks: [4]uint32{0xff0000, 0xff00, 0xff, 0}},
			[]byte{0x30, 0x20, 0x10},
			color.NRGBA{R: 0x10, G: 0x20, B: 0x30, A: 255}, raster.RGB8,
		},
		{
			"L8",
			surface{flags: pfLuminance, bitCount: 8, masks: [4]uint32{0xff, 0, 0, 0}},
			[]byte{0x99},
			color.NRGBA{R: 0x99, G: 0x99, B: 0x99, A: 255}, raster.Gray8,
		},
		{
			"A8L8",
			surface{flags: pfLuminance | pfAlphaPixels, bitCount: 16, masks: [4]uint32{0xff, 0, 0, 0xff00}},
			[]byte{0x40, 0x80},
			color.NRGBA{R: 0x40, G: 0x40, B: 0x40, A: 0x80}, raster.RGBA8,
		},
		{
			"A8",
			surface{flags: pfAlpha, bitCount: 8, masks: [4]uint32{0, 0, 0, 0xff}},
			[]byte{0x7f},
			color.NRGBA{A: 0x7f}, raster.RGBA8,
		},
		{
			"DX10 RGBA",
			surface{flags: pfFourCC, fourCC: "DX10", dxgi: dxgiR8G8B8A8},
			[]byte{1, 2, 3, 4},
			color.NRGBA{R: 1, G: 2, B: 3, A: 4}, raster.RGBA8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.s.width, tt.s.height = 2, 1
			body := append(append([]byte(nil), tt.body...), tt.body...)
			img, err := Decode(tt.s.build(body), nil)
			if err != nil {
				t.Fatal(err)
			}
			if img.Format != tt.f {
				t.Errorf("format %v, want %v", img.Format, tt.f)
			}
			for x := 0; x < 2; x++ {
				if got := img.NRGBAAt(x, 0); got != tt.want {
					t.Errorf("pixel %d = %v, want %v", x, got, tt.want)
				}
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {5, 3}, {64, 64}} {
		src := raster.New(size[0], size[1], raster.RGBA8)
		for i := range src.Pix {
			src.Pix[i] = uint8(i*7 + i/13)
		}
		data, err := Encode(src, nil)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(data, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got.Format != raster.RGBA8 || !bytes.Equal(got.Pix, src.Pix) {
			t.Errorf("%v: pixels differ", size)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	bad := surface{width: 4, height: 4, flags: pfFourCC, fourCC: "DXT1"}.build(dxt1Block)
	bad[4] = 100
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"magic", []byte("DDX " + string(make([]byte, 200))), codecerr.ErrInvalidFormat},
		{"header size", bad, codecerr.ErrInvalidFormat},
		{"fourcc", surface{width: 4, height: 4, flags: pfFourCC, fourCC: "ATI2"}.build(dxt1Block), codecerr.ErrUnsupported},
		{"dxgi", surface{width: 4, height: 4, flags: pfFourCC, fourCC: "DX10", dxgi: 98}.build(dxt1Block), codecerr.ErrUnsupported},
		{"zero size", surface{flags: pfFourCC, fourCC: "DXT1"}.build(nil), codecerr.ErrInvalidDimensions},
		{"short blocks", surface{width: 8, height: 4, flags: pfFourCC, fourCC: "DXT1"}.build(dxt1Block), codecerr.ErrTruncated},
		{"bit count", surface{width: 1, height: 1, flags: pfRGB, bitCount: 12}.build([]byte{0, 0}), codecerr.ErrUnsupported},
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
	src := raster.New(3, 3, raster.RGBA8)
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
