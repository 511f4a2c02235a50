package dct

import "github.com/deepteams/imgcodec/internal/utils"

// 16.16 fixed-point colour conversion coefficients.
const (
	crToR = 91881  // 1.402
	cbToG = 22554  // 0.344136
	crToG = 46802  // 0.714136
	cbToB = 116130 // 1.772

	rToY, gToY, bToY    = 19595, 38470, 7471
	rToCb, gToCb, bToCb = -11056, -21712, 32768
	rToCr, gToCr, bToCr = 32768, -27440, -5328

	half = 1 << 15
)

// YCbCrToRGB converts one JFIF sample triple.
func YCbCrToRGB(y, cb, cr uint8) (r, g, b uint8) {
	yy := int32(y)<<16 + half
	cb1 := int32(cb) - 128
	cr1 := int32(cr) - 128
	r = utils.ClampU8((yy + crToR*cr1) >> 16)
	g = utils.ClampU8((yy - cbToG*cb1 - crToG*cr1) >> 16)
	b = utils.ClampU8((yy + cbToB*cb1) >> 16)
	return r, g, b
}

// RGBToYCbCr is the inverse of YCbCrToRGB.
func RGBToYCbCr(r, g, b uint8) (y, cb, cr uint8) {
	r1, g1, b1 := int32(r), int32(g), int32(b)
	y = utils.ClampU8((rToY*r1 + gToY*g1 + bToY*b1 + half) >> 16)
	cb = utils.ClampU8((rToCb*r1+gToCb*g1+bToCb*b1+half)>>16 + 128)
	cr = utils.ClampU8((rToCr*r1+gToCr*g1+bToCr*b1+half)>>16 + 128)
	return y, cb, cr
}
