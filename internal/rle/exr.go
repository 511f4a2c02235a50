package rle

const (
	exrMinRun = 3
	exrMaxRun = 127
)

// DecodeEXR decodes OpenEXR RLE. The sign convention is inverted from
// PackBits: a negative count -n introduces n literal bytes and a
// non-negative count n repeats the next byte n+1 times.
func DecodeEXR(dst, src []byte) (int, error) {
	d, s := 0, 0
	for d < len(dst) && s < len(src) {
		n := int(int8(src[s]))
		s++
		if n < 0 {
			cnt := -n
			if s+cnt > len(src) {
				d += copy(dst[d:], src[s:])
				return d, errShort("exr")
			}
			d += copy(dst[d:], src[s:s+cnt])
			s += cnt
			continue
		}
		if s >= len(src) {
			return d, errShort("exr")
		}
		v := src[s]
		s++
		end := min(d+n+1, len(dst))
		for ; d < end; d++ {
			dst[d] = v
		}
	}
	return d, nil
}

// EncodeEXR appends the OpenEXR RLE encoding of src to dst.
func EncodeEXR(dst, src []byte) []byte {
	i := 0
	for i < len(src) {
		run := runLength(src, i, exrMaxRun)
		if run >= exrMinRun {
			dst = append(dst, byte(run-1), src[i])
			i += run
			continue
		}
		start := i
		for i < len(src) && i-start < exrMaxRun {
			if runLength(src, i, exrMinRun) >= exrMinRun {
				break
			}
			i++
		}
		dst = append(dst, byte(int8(-(i - start))))
		dst = append(dst, src[start:i]...)
	}
	return dst
}
