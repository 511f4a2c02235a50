package bitio

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
)

func TestMSBReader_ReadBits(t *testing.T) {
	r := NewMSBReader([]byte{0xA5, 0x0F, 0x12, 0x34, 0x56, 0x78})
	if v, _ := r.ReadBits(4); v != 0xA {
		t.Errorf("ReadBits(4) = 0x%x, want 0xA", v)
	}
	if v, _ := r.ReadBits(8); v != 0x50 {
		t.Errorf("ReadBits(8) = 0x%x, want 0x50", v)
	}
	if v, _ := r.ReadBits(4); v != 0xF {
		t.Errorf("ReadBits(4) = 0x%x, want 0xF", v)
	}
	if v, _ := r.ReadBits(32); v != 0x12345678 {
		t.Errorf("ReadBits(32) = 0x%x, want 0x12345678", v)
	}
	if _, err := r.ReadBits(1); !errors.Is(err, codecerr.ErrTruncated) {
		t.Errorf("read past end: err = %v, want ErrTruncated", err)
	}
}

func TestMSBReader_ExpGolomb(t *testing.T) {
	// 1 | 010 | 011 | 00100 | 00101 -> ue 0, 1, 2, 3, 4
	w := NewMSBWriter(0)
	for _, s := range []struct {
		v uint32
		n int
	}{{1, 1}, {0b010, 3}, {0b011, 3}, {0b00100, 5}, {0b00101, 5}} {
		w.WriteBits(s.v, s.n)
	}
	r := NewMSBReader(w.Bytes())
	for want := uint64(0); want < 5; want++ {
		got, err := r.ReadUE()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ReadUE = %d, want %d", got, want)
		}
	}
}

func TestMSBReader_ReadSE(t *testing.T) {
	// ue 1 -> +1, ue 2 -> -1, ue 3 -> +2
	r := NewMSBReader([]byte{0b01001100, 0b10000000})
	for _, want := range []int64{1, -1, 2} {
		got, err := r.ReadSE()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ReadSE = %d, want %d", got, want)
		}
	}
}

func TestMSBReader_ExpGolombCap(t *testing.T) {
	r := NewMSBReader(make([]byte, 16))
	_, err := r.ReadUE()
	if !errors.Is(err, codecerr.ErrInvalidFormat) {
		t.Fatalf("all-zero input: err = %v, want ErrInvalidFormat", err)
	}
	r = NewMSBReader(make([]byte, 2))
	if _, err := r.ReadUE(); !errors.Is(err, codecerr.ErrTruncated) {
		t.Fatalf("short input: err = %v, want ErrTruncated", err)
	}
}

func TestJPEGReader_Stuffing(t *testing.T) {
	r := NewJPEGReader([]byte{0xFF, 0x00, 0x7F, 0xFF, 0xD9})
	if v, _ := r.ReadBits(8); v != 0xFF {
		t.Errorf("first byte = 0x%x, want 0xFF", v)
	}
	if v, _ := r.ReadBits(8); v != 0x7F {
		t.Errorf("second byte = 0x%x, want 0x7F", v)
	}
	// The EOI marker stops the reader; zero bits are supplied.
	v, err := r.ReadBits(8)
	if err != nil || v != 0 {
		t.Errorf("read at marker = 0x%x, %v; want 0, nil", v, err)
	}
	if m, ok := r.Marker(); !ok || m != 0xD9 {
		t.Errorf("Marker = 0x%x, %v; want 0xD9, true", m, ok)
	}
	if r.Offset() != 3 {
		t.Errorf("Offset = %d, want 3 (marker not consumed)", r.Offset())
	}
	if r.Padded() != 8 {
		t.Errorf("Padded = %d, want 8", r.Padded())
	}
}

func TestJPEGReader_SkipRestartMarker(t *testing.T) {
	r := NewJPEGReader([]byte{0xAB, 0xFF, 0xFF, 0xD0, 0xCD})
	if v, _ := r.ReadBits(4); v != 0xA {
		t.Fatalf("got 0x%x", v)
	}
	r.AlignToByte()
	m, err := r.SkipMarker()
	if err != nil {
		t.Fatal(err)
	}
	if m != 0xD0 {
		t.Errorf("marker = 0x%x, want 0xD0", m)
	}
	if v, _ := r.ReadBits(8); v != 0xCD {
		t.Errorf("after RST got 0x%x, want 0xCD", v)
	}
}

func TestJPEGReader_PlainEOF(t *testing.T) {
	r := NewJPEGReader([]byte{0x12})
	r.ReadBits(8)
	if _, err := r.ReadBits(1); !errors.Is(err, codecerr.ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestMSBReader_Peek(t *testing.T) {
	r := NewMSBReader([]byte{0xC3})
	v, ok := r.PeekBits(2)
	if !ok || v != 0b11 {
		t.Fatalf("PeekBits = %b, %v", v, ok)
	}
	if err := r.SkipBits(2); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.ReadBits(6); v != 0b000011 {
		t.Errorf("after skip got %b", v)
	}
	if _, ok := r.PeekBits(1); ok {
		t.Error("PeekBits past end reported ok")
	}
}

func TestJPEGWriter_StuffsFF(t *testing.T) {
	w := NewJPEGWriter(0)
	w.WriteBits(0xFF, 8)
	w.WriteBits(0x1, 2)
	got := w.Bytes()
	// 01 padded with ones -> 0111_1111.
	want := []byte{0xFF, 0x00, 0x7F}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestMSBWriterReader_RoundTrip(t *testing.T) {
	for _, jpeg := range []bool{false, true} {
		rng := rand.New(rand.NewSource(3))
		var w *MSBWriter
		if jpeg {
			w = NewJPEGWriter(0)
		} else {
			w = NewMSBWriter(0)
		}
		type field struct {
			v uint32
			n int
		}
		fields := make([]field, 1500)
		for i := range fields {
			n := 1 + rng.Intn(32)
			v := rng.Uint32() & mask32(n)
			if rng.Intn(4) == 0 {
				v = mask32(n)
			}
			fields[i] = field{v, n}
			w.WriteBits(v, n)
		}
		var r *MSBReader
		if jpeg {
			r = NewJPEGReader(w.Bytes())
		} else {
			r = NewMSBReader(w.Bytes())
		}
		for i, f := range fields {
			got, err := r.ReadBits(f.n)
			if err != nil {
				t.Fatalf("jpeg=%v field %d: %v", jpeg, i, err)
			}
			if got != f.v {
				t.Fatalf("jpeg=%v field %d: got 0x%x, want 0x%x", jpeg, i, got, f.v)
			}
		}
	}
}
