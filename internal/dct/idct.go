package dct

// Fixed-point cosines scaled by 2048*sqrt(2).
const (
	w1 = 2841 // cos(1*pi/16)
	w2 = 2676 // cos(2*pi/16)
	w3 = 2408 // cos(3*pi/16)
	w5 = 1609 // cos(5*pi/16)
	w6 = 1108 // cos(6*pi/16)
	w7 = 565  // cos(7*pi/16)

	r2 = 181 // 256/sqrt(2)
)

// IDCT inverse-transforms a dequantized block and writes the level-shifted,
// clamped samples to dst with the given stride. The column pass runs
// first, then the row pass.
func IDCT(b *Block, dst []byte, stride int) {
	var tmp Block

	for x := 0; x < 8; x++ {
		if b[8+x] == 0 && b[16+x] == 0 && b[24+x] == 0 && b[32+x] == 0 &&
			b[40+x] == 0 && b[48+x] == 0 && b[56+x] == 0 {
			dc := b[x] << 3
			for y := 0; y < 8; y++ {
				tmp[8*y+x] = dc
			}
			continue
		}

		x0 := (b[x] << 11) + 128
		x1 := b[32+x] << 11
		x2 := b[48+x]
		x3 := b[16+x]
		x4 := b[8+x]
		x5 := b[56+x]
		x6 := b[40+x]
		x7 := b[24+x]

		x8 := w7 * (x4 + x5)
		x4 = x8 + (w1-w7)*x4
		x5 = x8 - (w1+w7)*x5
		x8 = w3 * (x6 + x7)
		x6 = x8 - (w3-w5)*x6
		x7 = x8 - (w3+w5)*x7

		x8 = x0 + x1
		x0 -= x1
		x1 = w6 * (x3 + x2)
		x2 = x1 - (w2+w6)*x2
		x3 = x1 + (w2-w6)*x3
		x1 = x4 + x6
		x4 -= x6
		x6 = x5 + x7
		x5 -= x7

		x7 = x8 + x3
		x8 -= x3
		x3 = x0 + x2
		x0 -= x2
		x2 = (r2*(x4+x5) + 128) >> 8
		x4 = (r2*(x4-x5) + 128) >> 8

		tmp[x] = (x7 + x1) >> 8
		tmp[8+x] = (x3 + x2) >> 8
		tmp[16+x] = (x0 + x4) >> 8
		tmp[24+x] = (x8 + x6) >> 8
		tmp[32+x] = (x8 - x6) >> 8
		tmp[40+x] = (x0 - x4) >> 8
		tmp[48+x] = (x3 - x2) >> 8
		tmp[56+x] = (x7 - x1) >> 8
	}

	for y := 0; y < 8; y++ {
		s := tmp[8*y : 8*y+8 : 8*y+8]
		d := dst[y*stride : y*stride+8 : y*stride+8]

		x0 := (s[0] << 8) + 8192
		x1 := s[4] << 8
		x2 := s[6]
		x3 := s[2]
		x4 := s[1]
		x5 := s[7]
		x6 := s[5]
		x7 := s[3]

		x8 := w7*(x4+x5) + 4
		x4 = (x8 + (w1-w7)*x4) >> 3
		x5 = (x8 - (w1+w7)*x5) >> 3
		x8 = w3*(x6+x7) + 4
		x6 = (x8 - (w3-w5)*x6) >> 3
		x7 = (x8 - (w3+w5)*x7) >> 3

		x8 = x0 + x1
		x0 -= x1
		x1 = w6*(x3+x2) + 4
		x2 = (x1 - (w2+w6)*x2) >> 3
		x3 = (x1 + (w2-w6)*x3) >> 3
		x1 = x4 + x6
		x4 -= x6
		x6 = x5 + x7
		x5 -= x7

		x7 = x8 + x3
		x8 -= x3
		x3 = x0 + x2
		x0 -= x2
		x2 = (r2*(x4+x5) + 128) >> 8
		x4 = (r2*(x4-x5) + 128) >> 8

		d[0] = level((x7 + x1) >> 14)
		d[1] = level((x3 + x2) >> 14)
		d[2] = level((x0 + x4) >> 14)
		d[3] = level((x8 + x6) >> 14)
		d[4] = level((x8 - x6) >> 14)
		d[5] = level((x0 - x4) >> 14)
		d[6] = level((x3 - x2) >> 14)
		d[7] = level((x7 - x1) >> 14)
	}
}

// level applies the +128 shift and clamps to a sample.
func level(v int32) uint8 {
	v += 128
	if uint32(v) > 255 {
		if v < 0 {
			return 0
		}
		return 255
	}
	return uint8(v)
}
