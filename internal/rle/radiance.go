package rle

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

const (
	rgbeMinRun   = 4
	rgbeMaxRun   = 127
	rgbeMaxWidth = 0x7fff
)

// IsRGBEScanline reports whether src starts a new-style Radiance RLE
// scanline for the given width.
func IsRGBEScanline(src []byte, width int) bool {
	if width < 8 || width > rgbeMaxWidth || len(src) < 4 {
		return false
	}
	return src[0] == 2 && src[1] == 2 && src[2]&0x80 == 0 && int(src[2])<<8|int(src[3]) == width
}

// DecodeRGBE decodes one new-style Radiance scanline into dst, which
// receives width interleaved RGBE pixels. Each of the four channels is
// coded separately: a byte above 128 repeats the next byte (b-128)
// times, any other non-zero byte introduces that many literals.
func DecodeRGBE(dst, src []byte, width int) (consumed int, err error) {
	if len(src) < 4 {
		return 0, errShort("rgbe")
	}
	if !IsRGBEScanline(src, width) {
		return 0, fmt.Errorf("rle: rgbe: %w: bad scanline header", codecerr.ErrInvalidFormat)
	}
	if len(dst) < width*4 {
		return 0, fmt.Errorf("rle: rgbe: %w: destination too small", codecerr.ErrInvalidDimensions)
	}
	s := 4
	for c := 0; c < 4; c++ {
		x := 0
		for x < width {
			if s >= len(src) {
				return s, errShort("rgbe")
			}
			h := int(src[s])
			s++
			if h > 128 {
				cnt := h - 128
				if s >= len(src) {
					return s, errShort("rgbe")
				}
				if x+cnt > width {
					return s, fmt.Errorf("rle: rgbe: %w: run overflows scanline", codecerr.ErrDecompression)
				}
				v := src[s]
				s++
				for ; cnt > 0; cnt-- {
					dst[x*4+c] = v
					x++
				}
				continue
			}
			if h == 0 || x+h > width {
				return s, fmt.Errorf("rle: rgbe: %w: bad literal count %d", codecerr.ErrDecompression, h)
			}
			if s+h > len(src) {
				return len(src), errShort("rgbe")
			}
			for i := 0; i < h; i++ {
				dst[x*4+c] = src[s+i]
				x++
			}
			s += h
		}
	}
	return s, nil
}

// EncodeRGBE appends one new-style scanline for the interleaved RGBE
// pixels in scan.
func EncodeRGBE(dst, scan []byte, width int) []byte {
	dst = append(dst, 2, 2, byte(width>>8), byte(width))
	ch := make([]byte, width)
	for c := 0; c < 4; c++ {
		for x := 0; x < width; x++ {
			ch[x] = scan[x*4+c]
		}
		i := 0
		for i < width {
			run := runLength(ch, i, rgbeMaxRun)
			if run >= rgbeMinRun {
				dst = append(dst, byte(128+run), ch[i])
				i += run
				continue
			}
			start := i
			for i < width && i-start < 128 {
				if runLength(ch, i, rgbeMinRun) >= rgbeMinRun {
					break
				}
				i++
			}
			dst = append(dst, byte(i-start))
			dst = append(dst, ch[start:i]...)
		}
	}
	return dst
}
