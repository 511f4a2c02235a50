package dct

// Fixed-point constants for the forward transform, scaled by 2^13.
const (
	fix_0_298631336 = 2446
	fix_0_390180644 = 3196
	fix_0_541196100 = 4433
	fix_0_765366865 = 6270
	fix_0_899976223 = 7373
	fix_1_175875602 = 9633
	fix_1_501321110 = 12299
	fix_1_847759065 = 15137
	fix_1_961570560 = 16069
	fix_2_053119869 = 16819
	fix_2_562915447 = 20995
	fix_3_072711026 = 25172

	constBits = 13
	pass1Bits = 2
	center    = 128
)

// FDCT forward-transforms b in place. Input samples are 0..255; the
// output coefficients are scaled up by 8, which Quantize removes.
func FDCT(b *Block) {
	for y := 0; y < 8; y++ {
		s := b[8*y : 8*y+8 : 8*y+8]
		x0, x1, x2, x3 := s[0], s[1], s[2], s[3]
		x4, x5, x6, x7 := s[4], s[5], s[6], s[7]

		tmp0 := x0 + x7
		tmp1 := x1 + x6
		tmp2 := x2 + x5
		tmp3 := x3 + x4

		tmp10 := tmp0 + tmp3
		tmp12 := tmp0 - tmp3
		tmp11 := tmp1 + tmp2
		tmp13 := tmp1 - tmp2

		tmp0 = x0 - x7
		tmp1 = x1 - x6
		tmp2 = x2 - x5
		tmp3 = x3 - x4

		s[0] = (tmp10 + tmp11 - 8*center) << pass1Bits
		s[4] = (tmp10 - tmp11) << pass1Bits
		z1 := (tmp12+tmp13)*fix_0_541196100 + 1<<(constBits-pass1Bits-1)
		s[2] = (z1 + tmp12*fix_0_765366865) >> (constBits - pass1Bits)
		s[6] = (z1 - tmp13*fix_1_847759065) >> (constBits - pass1Bits)

		s[1], s[3], s[5], s[7] = odd(tmp0, tmp1, tmp2, tmp3, constBits-pass1Bits)
	}

	for x := 0; x < 8; x++ {
		tmp0 := b[x] + b[56+x]
		tmp1 := b[8+x] + b[48+x]
		tmp2 := b[16+x] + b[40+x]
		tmp3 := b[24+x] + b[32+x]

		tmp10 := tmp0 + tmp3 + 1<<(pass1Bits-1)
		tmp12 := tmp0 - tmp3
		tmp11 := tmp1 + tmp2
		tmp13 := tmp1 - tmp2

		tmp0 = b[x] - b[56+x]
		tmp1 = b[8+x] - b[48+x]
		tmp2 = b[16+x] - b[40+x]
		tmp3 = b[24+x] - b[32+x]

		b[x] = (tmp10 + tmp11) >> pass1Bits
		b[32+x] = (tmp10 - tmp11) >> pass1Bits
		z1 := (tmp12+tmp13)*fix_0_541196100 + 1<<(constBits+pass1Bits-1)
		b[16+x] = (z1 + tmp12*fix_0_765366865) >> (constBits + pass1Bits)
		b[48+x] = (z1 - tmp13*fix_1_847759065) >> (constBits + pass1Bits)

		b[8+x], b[24+x], b[40+x], b[56+x] = odd(tmp0, tmp1, tmp2, tmp3, constBits+pass1Bits)
	}
}

// odd computes the odd-indexed outputs of one 1-D pass.
func odd(tmp0, tmp1, tmp2, tmp3 int32, shift uint) (o1, o3, o5, o7 int32) {
	tmp10 := tmp0 + tmp3
	tmp11 := tmp1 + tmp2
	tmp12 := tmp0 + tmp2
	tmp13 := tmp1 + tmp3
	z1 := (tmp12+tmp13)*fix_1_175875602 + 1<<(shift-1)

	tmp0 *= fix_1_501321110
	tmp1 *= fix_3_072711026
	tmp2 *= fix_2_053119869
	tmp3 *= fix_0_298631336
	tmp10 *= -fix_0_899976223
	tmp11 *= -fix_2_562915447
	tmp12 = tmp12*-fix_0_390180644 + z1
	tmp13 = tmp13*-fix_1_961570560 + z1

	return (tmp0 + tmp10 + tmp12) >> shift,
		(tmp1 + tmp11 + tmp13) >> shift,
		(tmp2 + tmp11 + tmp12) >> shift,
		(tmp3 + tmp10 + tmp13) >> shift
}
