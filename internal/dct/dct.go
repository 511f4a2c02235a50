// Package dct holds the JPEG transform stage: zig-zag ordering,
// (de)quantization, the 8x8 integer DCT pair and YCbCr conversion.
package dct

// BlockSize is the number of coefficients in an 8x8 block.
const BlockSize = 64

// Block holds 64 coefficients or samples in natural (row-major) order.
type Block [BlockSize]int32

// unzig maps a zig-zag position to its natural index.
var unzig = [BlockSize]uint8{
	0, 1, 8, 16, 9, 2, 3, 10,
	17, 24, 32, 25, 18, 11, 4, 5,
	12, 19, 26, 33, 40, 48, 41, 34,
	27, 20, 13, 6, 7, 14, 21, 28,
	35, 42, 49, 56, 57, 50, 43, 36,
	29, 22, 15, 23, 30, 37, 44, 51,
	58, 59, 52, 45, 38, 31, 39, 46,
	53, 60, 61, 54, 47, 55, 62, 63,
}

// Natural returns the natural index of zig-zag position k.
func Natural(k int) int { return int(unzig[k]) }

// Dequantize un-zig-zags coeffs and multiplies each by its table entry.
// Both coeffs and q are in zig-zag order, as stored in the stream.
func Dequantize(dst *Block, coeffs *Block, q *[BlockSize]uint16) {
	for k := 0; k < BlockSize; k++ {
		dst[unzig[k]] = coeffs[k] * int32(q[k])
	}
}

// Quantize divides the forward transform output b (scaled by 8) by q and
// stores the rounded result in zig-zag order.
func Quantize(dst *Block, b *Block, q *[BlockSize]uint16) {
	for k := 0; k < BlockSize; k++ {
		dst[k] = div(b[unzig[k]], 8*int32(q[k]))
	}
}

// div returns a/b rounded to the nearest integer.
func div(a, b int32) int32 {
	if a >= 0 {
		return (a + b>>1) / b
	}
	return -((-a + b>>1) / b)
}
