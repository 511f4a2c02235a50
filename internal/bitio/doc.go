// Package bitio provides bit-level I/O primitives for the codecs.
//
// Two bit orders are used across the supported formats. LSB-first packing
// (GIF and TIFF-style LZW, WebP lossless, JPEG XL headers) fills each byte
// from its lowest bit. MSB-first packing (JPEG entropy-coded segments,
// HEVC and AV1 headers, Exp-Golomb codes) fills each byte from its highest
// bit. Readers report ErrTruncated instead of reading past the buffer.
package bitio

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

// MaxReadBits is the widest field ReadBits accepts.
const MaxReadBits = 32

var errBitCount = fmt.Errorf("bitio: %w: bit count out of range", codecerr.ErrInvalidFormat)

func truncated(what string) error {
	return fmt.Errorf("bitio: %s: %w", what, codecerr.ErrTruncated)
}

func mask32(n int) uint32 {
	return uint32(uint64(1)<<uint(n) - 1)
}
