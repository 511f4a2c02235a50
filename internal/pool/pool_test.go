package pool

import (
	"sync"
	"testing"
)

func TestGetLength(t *testing.T) {
	tests := []struct {
		size    int
		wantCap int
	}{
		{0, Size1K},
		{1, Size1K},
		{Size1K, Size1K},
		{Size1K + 1, Size4K},
		{3000, Size4K},
		{Size1M, Size1M},
		{Size4M, Size4M},
		{Size4M + 1, Size4M + 1},
	}
	for _, tt := range tests {
		b := Get(tt.size)
		if len(b) != tt.size {
			t.Errorf("Get(%d): len = %d", tt.size, len(b))
		}
		if cap(b) != tt.wantCap {
			t.Errorf("Get(%d): cap = %d, want %d", tt.size, cap(b), tt.wantCap)
		}
		Put(b)
	}
}

func TestGetZeroed(t *testing.T) {
	b := Get(100)
	for i := range b {
		b[i] = 0xff
	}
	Put(b)
	z := GetZeroed(100)
	for i, v := range z {
		if v != 0 {
			t.Fatalf("byte %d = %d after GetZeroed", i, v)
		}
	}
	Put(z)
}

func TestPutForeignSlice(t *testing.T) {
	// Capacities that are not a class size must not enter a pool, or a
	// later Get could receive a buffer shorter than its class.
	Put(make([]byte, 10))
	Put(make([]byte, 3000))
	Put(make([]byte, Size4M+1))
	for i := 0; i < 8; i++ {
		if b := Get(Size4K); cap(b) != Size4K {
			t.Fatalf("cap = %d, want %d", cap(b), Size4K)
		}
	}
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b := Get(Size16K)
				for j := range b {
					b[j] = seed
				}
				for j := range b {
					if b[j] != seed {
						t.Errorf("buffer shared between goroutines")
						return
					}
				}
				Put(b)
			}
		}(byte(g))
	}
	wg.Wait()
}
