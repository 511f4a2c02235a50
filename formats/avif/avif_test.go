package avif

import (
	"encoding/binary"
	"errors"
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

func av1C(profile, level int, high, mono bool) []byte {
	b2 := byte(0x0c) // 4:2:0
	if high {
		b2 |= 0x40
	}
	if mono {
		b2 |= 0x10
	}
	return []byte{0x81, byte(profile<<5 | level), b2, 0}
}

// sequenceOBU returns a sequence header OBU. The full form carries timing,
// decoder model and two operating points.
func sequenceOBU(reduced bool, profile, w, h int, high bool) []byte {
	bw := bitio.NewMSBWriter(32)
	bw.WriteBits(uint32(profile), 3)
	bw.WriteBit(true) // still_picture
	bw.WriteBit(reduced)
	if reduced {
		bw.WriteBits(8, 5)
	} else {
		bw.WriteBit(true) // timing info
		bw.WriteBits(1, 32)
		bw.WriteBits(25, 32)
		bw.WriteBit(true)
		bw.WriteBits(0b010, 3) // uvlc 1
		bw.WriteBit(true)      // decoder model info
		bw.WriteBits(9, 5)
		bw.WriteBits(1, 32)
		bw.WriteBits(0, 10)
		bw.WriteBit(true)  // initial display delay
		bw.WriteBits(1, 5) // two operating points
		bw.WriteBits(0x101, 12)
		bw.WriteBits(9, 5)
		bw.WriteBit(false) // tier
		bw.WriteBit(true)  // decoder model for this op
		bw.WriteBits(100, 10)
		bw.WriteBits(200, 10)
		bw.WriteBit(false)
		bw.WriteBit(true)
		bw.WriteBits(3, 4)
		bw.WriteBits(0, 12)
		bw.WriteBits(4, 5)
		bw.WriteBit(false)
		bw.WriteBit(false)
	}
	bw.WriteBits(15, 4)
	bw.WriteBits(15, 4)
	bw.WriteBits(uint32(w-1), 16)
	bw.WriteBits(uint32(h-1), 16)
	if !reduced {
		bw.WriteBit(true) // frame ids
		bw.WriteBits(0, 7)
	}
	bw.WriteBits(0, 3)
	if !reduced {
		bw.WriteBits(0, 4)
		bw.WriteBit(true) // order hint
		bw.WriteBits(0, 2)
		bw.WriteBit(true)  // choose screen content tools
		bw.WriteBit(false) // choose integer mv
		bw.WriteBit(false) // force integer mv
		bw.WriteBits(6, 3)
	}
	bw.WriteBits(0, 3)
	bw.WriteBit(high)
	bw.WriteBit(false) // monochrome
	p := bw.Bytes()
	return append([]byte{obuSequenceHeader<<3 | 0x02, byte(len(p))}, p...)
}

type fileSpec struct {
	brand         string
	width, height uint32
	av1C          []byte
	data          []byte
	alpha         bool
}

func (s fileSpec) build() []byte {
	ftyp := box("ftyp", []byte(s.brand), be32(0), []byte("mif1"+s.brand))
	hdlr := fullBox("hdlr", 0, 0, be32(0), []byte("pict"), make([]byte, 12), []byte{0})
	pitm := fullBox("pitm", 0, 0, be16(1))
	infes := [][]byte{
		be16(2),
		fullBox("infe", 2, 0, be16(1), be16(0), []byte("av01"), []byte("Color\x00")),
		fullBox("infe", 2, 0, be16(2), be16(0), []byte("Exif"), []byte{0}),
	}
	props := [][]byte{
		fullBox("ispe", 0, 0, be32(s.width), be32(s.height)),
		box("colr", []byte("prof"), []byte("ICC!")),
	}
	assoc := []byte{0x01, 0x02}
	if s.av1C != nil {
		props = append(props, box("av1C", s.av1C))
		assoc = append(assoc, 0x80|byte(len(props)))
	}
	ipma := [][]byte{be32(1), be16(1), {byte(len(assoc))}, assoc}
	if s.alpha {
		infes[0] = be16(3)
		infes = append(infes, fullBox("infe", 2, 0, be16(3), be16(0), []byte("av01"), []byte("Alpha\x00")))
		props = append(props, fullBox("auxC", 0, 0, []byte("urn:mpeg:mpegB:cicp:systems:auxiliary:alpha\x00")))
		ipma[0] = be32(2)
		ipma = append(ipma, be16(3), []byte{2, 0x01, byte(len(props))})
	}
	iinf := fullBox("iinf", 0, 0, infes...)
	iprp := box("iprp", box("ipco", props...), fullBox("ipma", 0, 0, ipma...))

	exif := append(be32(0), []byte("MM\x00*")...)
	build := func(exifOff, dataOff uint32) []byte {
		iloc := fullBox("iloc", 0, 0, []byte{0x44, 0x00}, be16(2),
			be16(1), be16(0), be16(1), be32(dataOff), be32(uint32(len(s.data))),
			be16(2), be16(0), be16(1), be32(exifOff), be32(uint32(len(exif))))
		meta := fullBox("meta", 0, 0, hdlr, pitm, iinf, iloc, iprp)
		return append(append([]byte(nil), ftyp...), meta...)
	}
	mdat := uint32(len(build(0, 0))) + 8
	out := build(mdat, mdat+uint32(len(exif)))
	return append(out, box("mdat", exif, s.data)...)
}

func itemData(seq []byte) []byte {
	data := []byte{2<<3 | 0x02, 0} // temporal delimiter
	data = append(data, seq...)
	return append(data, 6<<3|0x02, 3, 0xde, 0xad, 0xbe) // frame
}

func validSpec() fileSpec {
	return fileSpec{
		brand: "avif", width: 64, height: 48,
		av1C: av1C(0, 8, false, false),
		data: itemData(sequenceOBU(true, 0, 64, 48, false)),
	}
}

func TestInspect(t *testing.T) {
	full := validSpec()
	full.av1C = av1C(0, 9, true, false)
	full.data = itemData(sequenceOBU(false, 0, 640, 480, true))
	full.width, full.height = 640, 480

	tests := []struct {
		name    string
		spec    fileSpec
		w, h    int
		depth   int
		reduced bool
	}{
		{"reduced", validSpec(), 64, 48, 8, true},
		{"full", full, 640, 480, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Inspect(tt.spec.build())
			if err != nil {
				t.Fatal(err)
			}
			c := info.Config
			if info.Width != tt.w || info.Height != tt.h || c.MaxWidth != tt.w || c.MaxHeight != tt.h {
				t.Errorf("size %dx%d, max %dx%d", info.Width, info.Height, c.MaxWidth, c.MaxHeight)
			}
			if c.BitDepth != tt.depth || c.ReducedHeader != tt.reduced || !c.StillPicture {
				t.Errorf("config %+v", c)
			}
			if c.Chroma() != "4:2:0" || info.Meta.Extra["chroma"] != "4:2:0" {
				t.Errorf("chroma %q", c.Chroma())
			}
			if string(info.Meta.ICC) != "ICC!" || string(info.Meta.EXIF) != "MM\x00*" {
				t.Errorf("metadata icc %q exif %q", info.Meta.ICC, info.Meta.EXIF)
			}
			if info.HasAlpha {
				t.Error("HasAlpha without an alpha item")
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
	if !info.HasAlpha || info.Meta.Extra["alpha"] != "auxiliary" {
		t.Errorf("HasAlpha = %v", info.HasAlpha)
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
	if img.Width != 64 || img.Height != 48 || !img.Meta.Placeholder {
		t.Errorf("placeholder %dx%d %v", img.Width, img.Height, img.Meta.Placeholder)
	}
	if string(img.Meta.ICC) != "ICC!" || img.Meta.Extra["codec"] != "av1" {
		t.Errorf("metadata %+v", img.Meta)
	}
	opts := &raster.Options{Placeholder: true, Limits: raster.Limits{MaxPixels: 100}}
	if _, err := Decode(data, opts); !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Errorf("limits: err = %v", err)
	}
	if _, err := Encode(img, nil); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Errorf("Encode: err = %v", err)
	}
}

func TestInspectErrors(t *testing.T) {
	heic := validSpec()
	heic.brand = "heic"
	noConfig := validSpec()
	noConfig.av1C = nil
	mismatch := validSpec()
	mismatch.av1C = av1C(0, 8, true, false)
	small := validSpec()
	small.data = itemData(sequenceOBU(true, 0, 32, 48, false))
	noSeq := validSpec()
	noSeq.data = []byte{2<<3 | 0x02, 0}
	forbidden := validSpec()
	forbidden.data = []byte{0x80}

	tests := []struct {
		name string
		spec fileSpec
		want error
	}{
		{"brand", heic, codecerr.ErrInvalidFormat},
		{"no av1C", noConfig, codecerr.ErrInvalidFormat},
		{"av1C mismatch", mismatch, codecerr.ErrInvalidFormat},
		{"ispe too large", small, codecerr.ErrInvalidDimensions},
		{"no sequence header", noSeq, codecerr.ErrInvalidFormat},
		{"forbidden bit", forbidden, codecerr.ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Inspect(tt.spec.build()); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTruncation(t *testing.T) {
	data := validSpec().build()
	for n := 0; n < len(data); n++ {
		_, err := Inspect(data[:n])
		if err == nil {
			t.Fatalf("prefix of %d/%d bytes parsed", n, len(data))
		}
		if !errors.Is(err, codecerr.ErrTruncated) && !errors.Is(err, codecerr.ErrInvalidFormat) {
			t.Fatalf("prefix of %d/%d bytes: err = %v", n, len(data), err)
		}
	}
}

func TestLEB128(t *testing.T) {
	tests := []struct {
		in   []byte
		v    uint64
		n    int
		want error
	}{
		{[]byte{0x05}, 5, 1, nil},
		{[]byte{0x80, 0x01}, 128, 2, nil},
		{[]byte{0xe5, 0x8e, 0x26}, 624485, 3, nil},
		{[]byte{0x80}, 0, 0, codecerr.ErrTruncated},
		{[]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}, 0, 0, codecerr.ErrInvalidFormat},
	}
	for _, tt := range tests {
		v, n, err := leb128(tt.in)
		if !errors.Is(err, tt.want) || v != tt.v || n != tt.n {
			t.Errorf("leb128(% x) = %d, %d, %v", tt.in, v, n, err)
		}
	}
	if _, _, _, err := nextOBU([]byte{obuSequenceHeader<<3 | 0x02, 10, 1, 2}); !errors.Is(err, codecerr.ErrTruncated) {
		t.Errorf("short OBU: err = %v", err)
	}
	typ, payload, rest, err := nextOBU([]byte{obuSequenceHeader<<3 | 0x04, 0x00, 7, 8})
	if err != nil || typ != obuSequenceHeader || len(payload) != 2 || rest != nil {
		t.Errorf("unsized OBU with extension = %d, % x, % x, %v", typ, payload, rest, err)
	}
}
