// Package pool recycles the scratch buffers encoders allocate per image:
// filtered scanlines, compressed strips and entropy coder output. Buffers
// are grouped in power-of-four size classes so a returned buffer serves
// any later request of its class.
package pool

import "sync"

// Size classes.
const (
	Size1K   = 1 << 10
	Size4K   = 1 << 12
	Size16K  = 1 << 14
	Size64K  = 1 << 16
	Size256K = 1 << 18
	Size1M   = 1 << 20
	Size4M   = 1 << 22
)

var sizes = [...]int{Size1K, Size4K, Size16K, Size64K, Size256K, Size1M, Size4M}

var pools [len(sizes)]sync.Pool

func init() {
	for i := range pools {
		sz := sizes[i]
		pools[i].New = func() any {
			b := make([]byte, sz)
			return &b
		}
	}
}

// class returns the index of the smallest class holding size bytes, or -1
// when size is larger than every class.
func class(size int) int {
	for i, s := range sizes {
		if size <= s {
			return i
		}
	}
	return -1
}

// Get returns a slice of length size. Its contents are unspecified.
// Requests above the largest class are allocated directly.
func Get(size int) []byte {
	i := class(size)
	if i < 0 {
		return make([]byte, size)
	}
	return (*pools[i].Get().(*[]byte))[:size]
}

// GetZeroed is Get with the returned bytes cleared.
func GetZeroed(size int) []byte {
	b := Get(size)
	clear(b)
	return b
}

// Put returns b to its class. Slices whose capacity is not exactly a
// class size did not come from Get and are dropped.
func Put(b []byte) {
	c := cap(b)
	i := class(c)
	if i < 0 || sizes[i] != c {
		return
	}
	b = b[:c]
	pools[i].Put(&b)
}
