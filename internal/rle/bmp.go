package rle

// BMP escape codes following a zero count byte.
const (
	bmpEndOfLine   = 0
	bmpEndOfBitmap = 1
	bmpDelta       = 2
)

// DecodeBMP8 expands BI_RLE8 data into dst, one index byte per pixel
// with the given stride. Rows are numbered in stream order; the caller
// flips bottom-up bitmaps. Pixels outside width x height are dropped.
func DecodeBMP8(dst []byte, stride, width, height int, src []byte) error {
	return decodeBMP(dst, stride, width, height, src, false)
}

// DecodeBMP4 expands BI_RLE4 data, one index byte per pixel in dst.
func DecodeBMP4(dst []byte, stride, width, height int, src []byte) error {
	return decodeBMP(dst, stride, width, height, src, true)
}

func decodeBMP(dst []byte, stride, width, height int, src []byte, nibbles bool) error {
	x, y, s := 0, 0, 0
	put := func(v byte) {
		if x < width && y < height {
			if i := y*stride + x; i < len(dst) {
				dst[i] = v
			}
		}
		x++
	}
	for y < height {
		if s+2 > len(src) {
			return errShort("bmp")
		}
		cnt, v := int(src[s]), src[s+1]
		s += 2
		if cnt > 0 {
			for i := 0; i < cnt; i++ {
				if nibbles {
					put(v >> (4 * uint(1-i&1)) & 0x0f)
				} else {
					put(v)
				}
			}
			continue
		}
		switch v {
		case bmpEndOfLine:
			x, y = 0, y+1
		case bmpEndOfBitmap:
			return nil
		case bmpDelta:
			if s+2 > len(src) {
				return errShort("bmp")
			}
			x += int(src[s])
			y += int(src[s+1])
			s += 2
		default:
			n := int(v)
			nb := n
			if nibbles {
				nb = (n + 1) / 2
			}
			if s+nb > len(src) {
				return errShort("bmp")
			}
			for i := 0; i < n; i++ {
				if nibbles {
					put(src[s+i/2] >> (4 * uint(1-i&1)) & 0x0f)
				} else {
					put(src[s+i])
				}
			}
			s += nb + nb&1
		}
	}
	return nil
}
