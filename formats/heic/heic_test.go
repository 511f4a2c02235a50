package heic

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/bits"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/raster"
)

func box(typ string, payload ...[]byte) []byte {
	return container.AppendBox(nil, container.Tag(typ), payload...)
}

func fullBox(typ string, version uint8, flags uint32, payload ...[]byte) []byte {
	hdr := binary.BigEndian.AppendUint32(nil, uint32(version)<<24|flags)
	return box(typ, append([][]byte{hdr}, payload...)...)
}

func be16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func be32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }

func writeUE(bw *bitio.MSBWriter, v int) {
	v1 := uint32(v + 1)
	n := bits.Len32(v1)
	bw.WriteBits(0, n-1)
	bw.WriteBits(v1, n)
}

// escape inserts emulation prevention bytes.
func escape(p []byte) []byte {
	var out []byte
	zeros := 0
	for _, c := range p {
		if zeros >= 2 && c <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

type spsSpec struct {
	width, height int
	chroma        int
	crop          [4]int // left, right, top, bottom
	depth         int
}

// nal returns an SPS NAL unit with one extra temporal sub-layer.
func (s spsSpec) nal() []byte {
	bw := bitio.NewMSBWriter(64)
	bw.WriteBits(0, 4)
	bw.WriteBits(1, 3)
	bw.WriteBit(true)
	bw.WriteBits(0x01, 8) // Main profile
	bw.WriteBits(0x60000000, 32)
	bw.WriteBits(0, 32)
	bw.WriteBits(0, 16)
	bw.WriteBits(93, 8) // level 3.1
	bw.WriteBit(true)
	bw.WriteBit(true)
	for i := 1; i < 8; i++ {
		bw.WriteBits(0, 2)
	}
	bw.WriteBits(0, 32)
	bw.WriteBits(0, 32)
	bw.WriteBits(0, 24)
	bw.WriteBits(90, 8)
	writeUE(bw, 0)
	writeUE(bw, s.chroma)
	if s.chroma == 3 {
		bw.WriteBit(false)
	}
	writeUE(bw, s.width)
	writeUE(bw, s.height)
	bw.WriteBit(s.crop != [4]int{})
	if s.crop != [4]int{} {
		for _, c := range s.crop {
			writeUE(bw, c)
		}
	}
	writeUE(bw, s.depth-8)
	writeUE(bw, s.depth-8)
	bw.WriteBit(true) // rbsp_stop_one_bit
	return append([]byte{nalSPS << 1, 1}, escape(bw.Bytes())...)
}

func hvcC(chroma, depth int, spsNAL []byte) []byte {
	p := make([]byte, hvcCHeaderSize)
	p[0] = 1
	p[1] = 0x01
	p[12] = 93
	p[16] = 0xfc | byte(chroma)
	p[17] = 0xf8 | byte(depth-8)
	p[18] = 0xf8 | byte(depth-8)
	p[21] = 0x0f
	n := byte(1)
	p = append(p, 0x80|32, 0, 1, 0, 2, 0x40, 0x01) // VPS
	if spsNAL != nil {
		n++
		p = append(p, 0x80|nalSPS, 0, 1)
		p = append(p, be16(uint16(len(spsNAL)))...)
		p = append(p, spsNAL...)
	}
	p[22] = n
	return p
}

type fileSpec struct {
	brand         string
	width, height uint32
	hvcC          []byte
	alpha         bool
}

func (s fileSpec) build() []byte {
	ftyp := box("ftyp", []byte(s.brand), be32(0), []byte(s.brand))
	hdlr := fullBox("hdlr", 0, 0, be32(0), []byte("pict"), make([]byte, 12), []byte{0})
	pitm := fullBox("pitm", 0, 0, be16(1))
	infes := [][]byte{
		be16(2),
		fullBox("infe", 2, 0, be16(1), be16(0), []byte("hvc1"), []byte{0}),
		fullBox("infe", 2, 0, be16(2), be16(0), []byte("mime"), []byte("XMP\x00application/rdf+xml\x00")),
	}
	props := [][]byte{
		fullBox("ispe", 0, 0, be32(s.width), be32(s.height)),
		box("colr", []byte("prof"), []byte("profile")),
	}
	assoc := []byte{0x01, 0x02}
	if s.hvcC != nil {
		props = append(props, box("hvcC", s.hvcC))
		assoc = append(assoc, 0x80|byte(len(props)))
	}
	ipma := [][]byte{be32(1), be16(1), {byte(len(assoc))}, assoc}
	if s.alpha {
		infes[0] = be16(3)
		infes = append(infes, fullBox("infe", 2, 0, be16(3), be16(0), []byte("hvc1"), []byte{0}))
		props = append(props, fullBox("auxC", 0, 0, []byte("urn:mpeg:hevc:2015:auxid:1\x00")))
		ipma[0] = be32(2)
		ipma = append(ipma, be16(3), []byte{2, 0x01, byte(len(props))})
	}
	iinf := fullBox("iinf", 0, 0, infes...)
	iprp := box("iprp", box("ipco", props...), fullBox("ipma", 0, 0, ipma...))

	xmp := []byte("<x:xmpmeta/>")
	image := []byte{0, 0, 0, 2, 0x26, 0x01} // one length-prefixed IDR slice
	build := func(imageOff, xmpOff uint32) []byte {
		iloc := fullBox("iloc", 0, 0, []byte{0x44, 0x00}, be16(2),
			be16(1), be16(0), be16(1), be32(imageOff), be32(uint32(len(image))),
			be16(2), be16(0), be16(1), be32(xmpOff), be32(uint32(len(xmp))))
		meta := fullBox("meta", 0, 0, hdlr, pitm, iinf, iloc, iprp)
		return append(append([]byte(nil), ftyp...), meta...)
	}
	mdat := uint32(len(build(0, 0))) + 8
	out := build(mdat+uint32(len(xmp)), mdat)
	return append(out, box("mdat", xmp, image)...)
}

func hd() spsSpec {
	return spsSpec{width: 1920, height: 1088, chroma: 1, crop: [4]int{0, 0, 0, 4}, depth: 8}
}

func validSpec() fileSpec {
	return fileSpec{brand: "heic", width: 1920, height: 1080, hvcC: hvcC(1, 8, hd().nal())}
}

func TestInspect(t *testing.T) {
	rext := fileSpec{
		brand: "heix", width: 64, height: 64,
		hvcC: hvcC(3, 10, spsSpec{width: 64, height: 64, chroma: 3, depth: 10}.nal()),
	}
	tests := []struct {
		name   string
		spec   fileSpec
		w, h   int
		chroma string
		depth  int
	}{
		{"1080p", validSpec(), 1920, 1080, "4:2:0", 8},
		{"444 10-bit", rext, 64, 64, "4:4:4", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Inspect(tt.spec.build())
			if err != nil {
				t.Fatal(err)
			}
			c := info.Config
			if info.Width != tt.w || info.Height != tt.h || c.Width != tt.w || c.Height != tt.h {
				t.Errorf("size %dx%d, SPS %dx%d", info.Width, info.Height, c.Width, c.Height)
			}
			if c.Chroma() != tt.chroma || c.BitDepthLuma != tt.depth || c.Profile != 1 || c.LengthSize != 4 {
				t.Errorf("config %+v", c)
			}
			if info.Meta.Extra["level"] != "3.1" || info.Meta.Extra["codec"] != "hevc" {
				t.Errorf("extra %v", info.Meta.Extra)
			}
			if string(info.Meta.ICC) != "profile" || string(info.Meta.XMP) != "<x:xmpmeta/>" {
				t.Errorf("icc %q xmp %q", info.Meta.ICC, info.Meta.XMP)
			}
		})
	}
}

func TestAlphaItem(t *testing.T) {
	s := validSpec()
	s.alpha = true
	info, err := Inspect(s.build())
	if err != nil {
		t.Fatal(err)
	}
	if !info.HasAlpha {
		t.Error("auxiliary alpha item not found")
	}
}

func TestDecodePlaceholder(t *testing.T) {
	data := validSpec().build()
	if _, err := Decode(data, nil); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	img, err := Decode(data, &raster.Options{Placeholder: true})
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 1920 || img.Height != 1080 || !img.Meta.Placeholder || img.Format != raster.RGB8 {
		t.Errorf("placeholder %v %dx%d", img.Format, img.Width, img.Height)
	}
	if w, h, err := DecodeConfig(data); err != nil || w != 1920 || h != 1080 {
		t.Errorf("DecodeConfig = %d, %d, %v", w, h, err)
	}
	if _, err := Encode(img, nil); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Errorf("Encode: err = %v", err)
	}
}

func TestInspectErrors(t *testing.T) {
	avif := validSpec()
	avif.brand = "avif"
	noConfig := validSpec()
	noConfig.hvcC = nil
	noSPS := validSpec()
	noSPS.hvcC = hvcC(1, 8, nil)
	mismatch := validSpec()
	mismatch.hvcC = hvcC(1, 10, hd().nal())
	tooBig := validSpec()
	tooBig.height = 1088 + 2
	cropped := validSpec()
	over := hd()
	over.crop = [4]int{0, 0, 0, 600}
	cropped.hvcC = hvcC(1, 8, over.nal())
	version := validSpec()
	version.hvcC = hvcC(1, 8, hd().nal())
	version.hvcC[0] = 2

	tests := []struct {
		name string
		spec fileSpec
		want error
	}{
		{"brand", avif, codecerr.ErrInvalidFormat},
		{"no hvcC", noConfig, codecerr.ErrInvalidFormat},
		{"no SPS", noSPS, codecerr.ErrInvalidFormat},
		{"depth mismatch", mismatch, codecerr.ErrInvalidFormat},
		{"ispe too large", tooBig, codecerr.ErrInvalidDimensions},
		{"crop too large", cropped, codecerr.ErrInvalidDimensions},
		{"hvcC version", version, codecerr.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Inspect(tt.spec.build()); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTruncatedSPS(t *testing.T) {
	nal := hd().nal()
	for n := 0; n < len(nal)-1; n++ {
		if _, err := parseSPS(nal[:n]); err == nil {
			t.Fatalf("SPS prefix of %d/%d bytes parsed", n, len(nal))
		}
	}
	p := hvcC(1, 8, nal)
	for n := 0; n < len(p); n++ {
		if _, err := parseHvcC(p[:n]); err == nil {
			t.Fatalf("hvcC prefix of %d/%d bytes parsed", n, len(p))
		}
	}
}

// The pixel payload is never read, so any prefix that holds the whole
// meta box inspects successfully.
func TestTruncation(t *testing.T) {
	data := validSpec().build()
	for n := 0; n < len(data); n++ {
		info, err := Inspect(data[:n])
		if err == nil {
			if info.Width != 1920 || info.Height != 1080 {
				t.Fatalf("prefix of %d/%d bytes: %dx%d", n, len(data), info.Width, info.Height)
			}
			continue
		}
		if !errors.Is(err, codecerr.ErrTruncated) && !errors.Is(err, codecerr.ErrInvalidFormat) {
			t.Fatalf("prefix of %d/%d bytes: err = %v", n, len(data), err)
		}
	}
}

func TestUnescape(t *testing.T) {
	in := []byte{0, 0, 3, 1, 0, 0, 3, 0, 0, 3, 3, 5}
	want := []byte{0, 0, 1, 0, 0, 0, 0, 3, 5}
	if got := unescape(in); !bytes.Equal(got, want) {
		t.Errorf("unescape = % x, want % x", got, want)
	}
	raw := []byte{0, 0, 0, 0, 1, 0, 0, 2}
	if got := unescape(escape(raw)); !bytes.Equal(got, raw) {
		t.Errorf("round trip = % x", got)
	}
}
