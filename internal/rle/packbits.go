// Package rle implements the run-length dialects used by TIFF, PSD, TGA,
// BMP, OpenEXR and Radiance HDR.
//
// Every decoder clamps its output to len(dst) and returns the number of
// bytes written. Input that ends inside a packet yields ErrTruncated
// together with whatever was decoded.
package rle

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

const maxPackBitsRun = 128

func errShort(dialect string) error {
	return fmt.Errorf("rle: %s: %w", dialect, codecerr.ErrTruncated)
}

// UnpackBits decodes the signed-length dialect of TIFF and PSD. A header
// n in 0..127 copies n+1 literal bytes, -127..-1 repeats the next byte
// 1-n times, and -128 is a no-op. It stops when dst is full or src is
// exhausted; consumed reports how much of src was read.
func UnpackBits(dst, src []byte) (written, consumed int, err error) {
	d, s := 0, 0
	for d < len(dst) && s < len(src) {
		n := int(int8(src[s]))
		s++
		switch {
		case n >= 0:
			cnt := n + 1
			if s+cnt > len(src) {
				d += copy(dst[d:], src[s:])
				return d, len(src), errShort("packbits")
			}
			d += copy(dst[d:], src[s:s+cnt])
			s += cnt
		case n != -128:
			if s >= len(src) {
				return d, s, errShort("packbits")
			}
			v := src[s]
			s++
			end := min(d+1-n, len(dst))
			for ; d < end; d++ {
				dst[d] = v
			}
		}
	}
	return d, s, nil
}

// PackBits appends the signed-length encoding of src to dst. Runs of
// three or more equal bytes become repeat packets.
func PackBits(dst, src []byte) []byte {
	i := 0
	for i < len(src) {
		run := runLength(src, i, maxPackBitsRun)
		if run >= 3 || (run == 2 && i+2 == len(src)) {
			dst = append(dst, byte(int8(1-run)), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < maxPackBitsRun {
			if runLength(src, i, 3) >= 3 {
				break
			}
			i++
		}
		dst = append(dst, byte(i-start-1))
		dst = append(dst, src[start:i]...)
	}
	return dst
}

// runLength counts equal bytes starting at src[i], up to limit.
func runLength(src []byte, i, limit int) int {
	n := 1
	for i+n < len(src) && n < limit && src[i+n] == src[i] {
		n++
	}
	return n
}
