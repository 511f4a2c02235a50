package jp2

import (
	"errors"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/raster"
)

func segment(marker uint16, body []byte) []byte {
	out := be.AppendUint16(nil, marker)
	out = be.AppendUint16(out, uint16(len(body)+2))
	return append(out, body...)
}

// codestream returns a main header for a w x h image with nc 8-bit
// components, a COD segment and an empty tile-part.
func codestream(w, h, nc int) []byte {
	siz := be.AppendUint16(nil, 0)
	for _, v := range []int{w + 5, h + 3, 5, 3, 256, 256, 0, 0} {
		siz = be.AppendUint32(siz, uint32(v))
	}
	siz = be.AppendUint16(siz, uint16(nc))
	for i := 0; i < nc; i++ {
		siz = append(siz, 7, 1, 1)
	}
	cod := []byte{0, 0, 0, 3, 1, 5, 4, 4, 0, 1}
	out := be.AppendUint16(nil, markerSOC)
	out = append(out, segment(markerSIZ, siz)...)
	out = append(out, segment(markerCOD, cod)...)
	out = append(out, segment(0xff5c, []byte{0x22})...) // QCD, skipped
	out = be.AppendUint16(out, markerSOT)
	return append(out, make([]byte, 10)...)
}

func boxFile(w, h, nc int, colr, code []byte, extra ...[]byte) []byte {
	ihdr := be.AppendUint32(nil, uint32(h))
	ihdr = be.AppendUint32(ihdr, uint32(w))
	ihdr = be.AppendUint16(ihdr, uint16(nc))
	ihdr = append(ihdr, 7, 7, 0, 0)
	hdr := container.AppendBox(nil, boxImage, ihdr)
	if colr != nil {
		hdr = container.AppendBox(hdr, boxColour, colr)
	}
	out := []byte(SignatureJP2)
	out = container.AppendBox(out, container.Tag("ftyp"), []byte("jp2 \x00\x00\x00\x00jp2 "))
	out = container.AppendBox(out, boxHeader, hdr)
	for _, e := range extra {
		out = append(out, e...)
	}
	return container.AppendBox(out, boxCode, code)
}

func TestInspect(t *testing.T) {
	xmp := container.AppendBox(nil, boxUUID, xmpUUID, []byte("<x:xmpmeta/>"))
	tests := []struct {
		name  string
		data  []byte
		boxed bool
		nc    int
		cs    string
	}{
		{"codestream", codestream(640, 480, 3), false, 3, ""},
		{"jp2 srgb", boxFile(640, 480, 3, []byte{1, 0, 0, 0, 0, 0, csSRGB}, codestream(640, 480, 3), xmp), true, 3, "srgb"},
		{"jp2 gray", boxFile(640, 480, 1, []byte{1, 0, 0, 0, 0, 0, csGray}, codestream(640, 480, 1)), true, 1, "gray"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Inspect(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if info.Width != 640 || info.Height != 480 || info.Boxed != tt.boxed || len(info.Components) != tt.nc {
				t.Errorf("info %+v", info)
			}
			if info.Components[0].Depth != 8 || info.Components[0].Signed {
				t.Errorf("component %+v", info.Components[0])
			}
			if info.Levels != 5 || info.Layers != 3 || !info.Reversible || info.Tile != [2]int{256, 256} {
				t.Errorf("coding %d levels, %d layers, reversible %v, tile %v", info.Levels, info.Layers, info.Reversible, info.Tile)
			}
			if info.Meta.Extra["colourspace"] != tt.cs {
				t.Errorf("colourspace %q", info.Meta.Extra["colourspace"])
			}
			if tt.name == "jp2 srgb" && string(info.Meta.XMP) != "<x:xmpmeta/>" {
				t.Errorf("XMP %q", info.Meta.XMP)
			}
		})
	}
}

func TestICC(t *testing.T) {
	data := boxFile(8, 8, 3, append([]byte{2, 0, 0}, "profile"...), codestream(8, 8, 3))
	info, err := Inspect(data)
	if err != nil {
		t.Fatal(err)
	}
	if string(info.Meta.ICC) != "profile" {
		t.Errorf("ICC %q", info.Meta.ICC)
	}
}

func TestDecodePlaceholder(t *testing.T) {
	data := codestream(10, 7, 3)
	if _, err := Decode(data, nil); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	img, err := Decode(data, &raster.Options{Placeholder: true})
	if err != nil {
		t.Fatal(err)
	}
	if !img.Meta.Placeholder || img.Width != 10 || img.Height != 7 || img.Meta.Extra["codec"] != "jpeg2000" {
		t.Errorf("placeholder %dx%d %+v", img.Width, img.Height, img.Meta)
	}
	if _, err := Encode(img, nil); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Errorf("Encode err = %v", err)
	}
}

func TestInspectErrors(t *testing.T) {
	badBrand := boxFile(8, 8, 3, nil, codestream(8, 8, 3))
	copy(badBrand[len(SignatureJP2)+8:], "mp41")
	copy(badBrand[len(SignatureJP2)+16:], "mp41")

	noSIZ := be.AppendUint16(nil, markerSOC)
	noSIZ = append(noSIZ, segment(markerCOD, make([]byte, 10))...)

	emptyArea := codestream(8, 8, 1)
	be.PutUint32(emptyArea[16:], 13) // XOsiz = Xsiz

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"signature", []byte("\x00\x00\x00\x0cjP  \r\n\x87\x0b"), codecerr.ErrInvalidFormat},
		{"brand", badBrand, codecerr.ErrInvalidFormat},
		{"mismatch", boxFile(9, 8, 3, nil, codestream(8, 8, 3)), codecerr.ErrInvalidFormat},
		{"components", boxFile(8, 8, 1, nil, codestream(8, 8, 3)), codecerr.ErrInvalidFormat},
		{"no SIZ first", noSIZ, codecerr.ErrInvalidFormat},
		{"empty area", emptyArea, codecerr.ErrInvalidDimensions},
		{"marker length", append(be.AppendUint16(nil, markerSOC), 0xff, 0x51, 0, 1), codecerr.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Inspect(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTruncation(t *testing.T) {
	for _, data := range [][]byte{
		codestream(16, 16, 3),
		boxFile(16, 16, 3, []byte{1, 0, 0, 0, 0, 0, csSRGB}, codestream(16, 16, 3)),
	} {
		// Everything up to the first tile-part marker is required.
		end := len(data) - 10
		for k := 0; k < end; k++ {
			if _, err := Inspect(data[:k]); !errors.Is(err, codecerr.ErrTruncated) {
				t.Fatalf("prefix %d of %d: err = %v", k, len(data), err)
			}
		}
	}
}
