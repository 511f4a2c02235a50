package bitio

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/deepteams/imgcodec/codecerr"
)

func TestLSBReader_ReadBits_SingleByte(t *testing.T) {
	// 0xA5 = 1010_0101. The lowest bits come first.
	r := NewLSBReader([]byte{0xA5})

	if v, _ := r.ReadBits(4); v != 0x5 {
		t.Errorf("ReadBits(4) = 0x%x, want 0x5", v)
	}
	if v, _ := r.ReadBits(4); v != 0xA {
		t.Errorf("ReadBits(4) = 0x%x, want 0xA", v)
	}
	if !r.Exhausted() {
		t.Error("reader not exhausted after 8 bits")
	}
}

func TestLSBReader_ReadBits_MultipleBytes(t *testing.T) {
	r := NewLSBReader([]byte{0xFF, 0x00, 0xAB, 0xCD, 0x12, 0x34, 0x56, 0x78, 0x9A})
	want := []struct {
		n int
		v uint32
	}{
		{8, 0xFF}, {8, 0x00}, {16, 0xCDAB}, {32, 0x78563412}, {8, 0x9A},
	}
	for i, w := range want {
		v, err := r.ReadBits(w.n)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if v != w.v {
			t.Errorf("read %d: ReadBits(%d) = 0x%x, want 0x%x", i, w.n, v, w.v)
		}
	}
}

func TestLSBReader_Truncated(t *testing.T) {
	r := NewLSBReader([]byte{0x01, 0x02})
	if _, err := r.ReadBits(12); err != nil {
		t.Fatal(err)
	}
	_, err := r.ReadBits(5)
	if !errors.Is(err, codecerr.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	// The error is sticky.
	if _, err := r.ReadBits(1); !errors.Is(err, codecerr.ErrTruncated) {
		t.Errorf("second read err = %v, want ErrTruncated", err)
	}
}

func TestLSBReader_BadCount(t *testing.T) {
	r := NewLSBReader(make([]byte, 8))
	if _, err := r.ReadBits(33); err == nil {
		t.Error("ReadBits(33) succeeded")
	}
	if _, err := r.ReadBits(-1); err == nil {
		t.Error("ReadBits(-1) succeeded")
	}
}

func TestLSBReader_AlignToByte(t *testing.T) {
	r := NewLSBReader([]byte{0xFF, 0x3C})
	r.ReadBits(3)
	r.AlignToByte()
	if r.BytePos() != 1 {
		t.Fatalf("BytePos = %d, want 1", r.BytePos())
	}
	if v, _ := r.ReadBits(8); v != 0x3C {
		t.Errorf("after align got 0x%x, want 0x3C", v)
	}
}

func TestLSBWriterReader_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	type field struct {
		v uint32
		n int
	}
	fields := make([]field, 2000)
	w := NewLSBWriter(0)
	for i := range fields {
		n := rng.Intn(33)
		v := rng.Uint32() & mask32(n)
		fields[i] = field{v, n}
		w.WriteBits(v, n)
	}
	data := w.Finish()
	if w.NumBytes() != len(data) {
		t.Errorf("NumBytes = %d, len = %d", w.NumBytes(), len(data))
	}

	r := NewLSBReader(data)
	for i, f := range fields {
		got, err := r.ReadBits(f.n)
		if err != nil {
			t.Fatalf("field %d: %v", i, err)
		}
		if got != f.v {
			t.Fatalf("field %d: got 0x%x, want 0x%x (%d bits)", i, got, f.v, f.n)
		}
	}
}

func TestLSBWriter_MasksHighBits(t *testing.T) {
	w := NewLSBWriter(0)
	w.WriteBits(0xFFFF, 4)
	w.WriteBits(0, 4)
	if got := w.Finish(); len(got) != 1 || got[0] != 0x0F {
		t.Errorf("got %x, want 0f", got)
	}
}
