// Package utils holds small generic numeric helpers shared by the codecs.
package utils

import "golang.org/x/exp/constraints"

// Clamp limits x to the closed range [lo, hi].
func Clamp[T constraints.Ordered](x, lo, hi T) T {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampU8 clamps a signed integer to a byte. Types narrower than 16 bits
// cannot hold 255 and are excluded.
func ClampU8[T ~int | ~int16 | ~int32 | ~int64](x T) uint8 {
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return uint8(x)
}

// Abs returns the absolute value of x.
func Abs[T constraints.Signed | constraints.Float](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

// DivCeil returns ceil(a/b) for positive b.
func DivCeil[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
