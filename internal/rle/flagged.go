package rle

import "bytes"

// DecodeFlagged decodes the high-bit-flag packets of TGA. A header byte
// with the top bit set repeats the following pixel (h&0x7f)+1 times;
// otherwise (h&0x7f)+1 literal pixels follow. Packets may span rows.
func DecodeFlagged(dst, src []byte, pixelSize int) (written, consumed int, err error) {
	d, s := 0, 0
	for d < len(dst) && s < len(src) {
		h := src[s]
		s++
		cnt := int(h&0x7f) + 1
		if h&0x80 != 0 {
			if s+pixelSize > len(src) {
				return d, len(src), errShort("flagged")
			}
			px := src[s : s+pixelSize]
			s += pixelSize
			for ; cnt > 0 && d < len(dst); cnt-- {
				d += copy(dst[d:], px)
			}
			continue
		}
		n := cnt * pixelSize
		if s+n > len(src) {
			d += copy(dst[d:], src[s:])
			return d, len(src), errShort("flagged")
		}
		d += copy(dst[d:], src[s:s+n])
		s += n
	}
	return d, s, nil
}

// EncodeFlagged appends the high-bit-flag encoding of src, whose length
// must be a multiple of pixelSize, to dst.
func EncodeFlagged(dst, src []byte, pixelSize int) []byte {
	n := len(src) / pixelSize
	px := func(i int) []byte { return src[i*pixelSize : (i+1)*pixelSize] }
	same := func(a, b int) bool { return bytes.Equal(px(a), px(b)) }
	i := 0
	for i < n {
		run := 1
		for i+run < n && run < 128 && same(i, i+run) {
			run++
		}
		if run >= 2 {
			dst = append(dst, 0x80|byte(run-1))
			dst = append(dst, px(i)...)
			i += run
			continue
		}
		start := i
		for i < n && i-start < 128 {
			if i+1 < n && same(i, i+1) {
				break
			}
			i++
		}
		dst = append(dst, byte(i-start-1))
		dst = append(dst, src[start*pixelSize:i*pixelSize]...)
	}
	return dst
}
