package container

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

func makeChunk(tag FourCC, payload []byte) []byte {
	out := append([]byte(nil), tag[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	if len(payload)&1 == 1 {
		out = append(out, 0)
	}
	return out
}

func wrapRIFF(chunks ...[]byte) []byte {
	var body []byte
	for _, c := range chunks {
		body = append(body, c...)
	}
	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(4+len(body)))
	out = append(out, "WEBP"...)
	return append(out, body...)
}

func vp8Header(width, height int) []byte {
	vp8 := make([]byte, 10)
	vp8[0] = 0x10 // keyframe, show
	vp8[3], vp8[4], vp8[5] = 0x9d, 0x01, 0x2a
	binary.LittleEndian.PutUint16(vp8[6:8], uint16(width))
	binary.LittleEndian.PutUint16(vp8[8:10], uint16(height))
	return vp8
}

func vp8lHeader(width, height int, alpha bool) []byte {
	bits := uint32(width-1) | uint32(height-1)<<14
	if alpha {
		bits |= 1 << 28
	}
	return binary.LittleEndian.AppendUint32([]byte{VP8LMagicByte}, bits)
}

func vp8xPayload(flags uint8, width, height int) []byte {
	p := make([]byte, VP8XChunkSize)
	p[0] = flags
	putLE24(p[4:], width-1)
	putLE24(p[7:], height-1)
	return p
}

func putLE24(b []byte, v int) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

func anmf(x, y, w, h, dur int, bits byte, sub ...[]byte) []byte {
	p := make([]byte, ANMFHeaderSize)
	putLE24(p[0:], x/2)
	putLE24(p[3:], y/2)
	putLE24(p[6:], w-1)
	putLE24(p[9:], h-1)
	putLE24(p[12:], dur)
	p[15] = bits
	for _, s := range sub {
		p = append(p, s...)
	}
	return makeChunk(TagANMF, p)
}

func TestParseVP8Header(t *testing.T) {
	w, h, err := ParseVP8Header(vp8Header(320, 240))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 320 || h != 240 {
		t.Fatalf("dimensions = %dx%d, want 320x240", w, h)
	}
	bad := vp8Header(1, 1)
	bad[3] = 0
	if _, _, err := ParseVP8Header(bad); !errors.Is(err, codecerr.ErrInvalidFormat) {
		t.Errorf("bad signature: err = %v", err)
	}
}

func TestParseVP8LHeader(t *testing.T) {
	w, h, alpha, err := ParseVP8LHeader(vp8lHeader(100, 200, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != 100 || h != 200 || !alpha {
		t.Fatalf("got %dx%d alpha=%v", w, h, alpha)
	}
}

func TestParseWebP_SimpleVP8(t *testing.T) {
	f, err := ParseWebP(wrapRIFF(makeChunk(TagVP8, vp8Header(640, 480))))
	if err != nil {
		t.Fatalf("ParseWebP: %v", err)
	}
	if f.Features.Format != BitstreamVP8 {
		t.Fatalf("format = %v, want VP8", f.Features.Format)
	}
	if f.Features.Width != 640 || f.Features.Height != 480 {
		t.Fatalf("dimensions = %dx%d", f.Features.Width, f.Features.Height)
	}
	if f.Features.HasAlpha || f.Features.HasAnim {
		t.Fatal("unexpected alpha or animation")
	}
	if len(f.Frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(f.Frames))
	}
}

func TestParseWebP_SimpleVP8L(t *testing.T) {
	f, err := ParseWebP(wrapRIFF(makeChunk(TagVP8L, vp8lHeader(256, 128, true))))
	if err != nil {
		t.Fatalf("ParseWebP: %v", err)
	}
	if f.Features.Format != BitstreamVP8L || !f.Features.HasAlpha {
		t.Fatalf("features = %+v", f.Features)
	}
	if !f.Frames[0].IsLossless {
		t.Error("frame not lossless")
	}
}

func TestParseWebP_ExtendedStill(t *testing.T) {
	data := wrapRIFF(
		makeChunk(TagVP8X, vp8xPayload(ICCPFlag|AlphaFlag, 320, 240)),
		makeChunk(TagICCP, []byte("fake-icc-profile")),
		makeChunk(TagALPH, []byte{0, 1, 2}),
		makeChunk(TagVP8, vp8Header(320, 240)),
		makeChunk(TagEXIF, []byte("exif")),
	)
	f, err := ParseWebP(data)
	if err != nil {
		t.Fatalf("ParseWebP: %v", err)
	}
	if f.Features.Format != BitstreamVP8X || !f.Features.HasICCP {
		t.Fatalf("features = %+v", f.Features)
	}
	if string(f.Chunk(TagICCP)) != "fake-icc-profile" || string(f.Chunk(TagEXIF)) != "exif" {
		t.Errorf("metadata chunks = %+v", f.Chunks)
	}
	if len(f.Frames) != 1 || len(f.Frames[0].AlphaData) != 3 {
		t.Fatalf("frames = %+v", f.Frames)
	}
}

func TestParseWebP_Animated(t *testing.T) {
	anim := make([]byte, ANIMChunkSize)
	copy(anim, []byte{1, 2, 3, 4})
	binary.LittleEndian.PutUint16(anim[4:], 3)
	data := wrapRIFF(
		makeChunk(TagVP8X, vp8xPayload(AnimationFlag, 64, 32)),
		makeChunk(TagANIM, anim),
		anmf(0, 0, 64, 32, 100, 0, makeChunk(TagVP8L, vp8lHeader(64, 32, false))),
		anmf(10, 4, 8, 8, 50, 3, makeChunk(TagVP8, vp8Header(8, 8))),
	)
	f, err := ParseWebP(data)
	if err != nil {
		t.Fatalf("ParseWebP: %v", err)
	}
	if !f.Features.HasAnim || f.Features.LoopCount != 3 || f.Features.Background != [4]byte{1, 2, 3, 4} {
		t.Fatalf("features = %+v", f.Features)
	}
	if len(f.Frames) != 2 {
		t.Fatalf("got %d frames", len(f.Frames))
	}
	fr := f.Frames[1]
	if fr.XOffset != 10 || fr.YOffset != 4 || fr.Duration != 50 {
		t.Errorf("frame geometry = %+v", fr)
	}
	if fr.Dispose != raster.DisposeBackground || fr.Blend != raster.BlendSource {
		t.Errorf("frame ops = %v %v", fr.Dispose, fr.Blend)
	}
	if f.Frames[0].Blend != raster.BlendOver {
		t.Errorf("first frame blend = %v", f.Frames[0].Blend)
	}
}

func TestParseWebP_FrameOutsideCanvas(t *testing.T) {
	data := wrapRIFF(
		makeChunk(TagVP8X, vp8xPayload(AnimationFlag, 16, 16)),
		makeChunk(TagANIM, make([]byte, ANIMChunkSize)),
		anmf(10, 10, 8, 8, 0, 0, makeChunk(TagVP8, vp8Header(8, 8))),
	)
	if _, err := ParseWebP(data); !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Errorf("err = %v, want ErrInvalidDimensions", err)
	}
}

func TestParseWebP_Truncated(t *testing.T) {
	data := wrapRIFF(makeChunk(TagVP8L, vp8lHeader(4, 4, false)))
	// The final byte is RIFF padding, which may be missing.
	for k := 0; k < len(data)-1; k++ {
		_, err := ParseWebP(data[:k])
		if !errors.Is(err, codecerr.ErrTruncated) && !errors.Is(err, codecerr.ErrInvalidFormat) {
			t.Fatalf("prefix %d: err = %v", k, err)
		}
	}
}

func TestReadLE24(t *testing.T) {
	if got := readLE24([]byte{0x56, 0x34, 0x12}); got != 0x123456 {
		t.Fatalf("readLE24 = 0x%x, want 0x123456", got)
	}
}

func TestAppendChunkMatchesParser(t *testing.T) {
	odd := AppendChunk(nil, TagEXIF, []byte{1, 2}, []byte{3})
	if len(odd) != headerSize+4 {
		t.Fatalf("len = %d, want %d (padded)", len(odd), headerSize+4)
	}
	if want := makeChunk(TagEXIF, []byte{1, 2, 3}); string(odd) != string(want) {
		t.Fatalf("AppendChunk = %x, want %x", odd, want)
	}
	r, err := RIFF.Parse(odd, 0, len(odd))
	if err != nil {
		t.Fatal(err)
	}
	if r.Type != TagEXIF || string(r.Payload(odd)) != "\x01\x02\x03" || r.End != len(odd) {
		t.Errorf("parsed %+v", r)
	}
}
