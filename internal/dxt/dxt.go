// Package dxt decodes the S3TC block formats DXT1, DXT3 and DXT5 into
// non-premultiplied RGBA8.
package dxt

import (
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
)

// Block sizes in bytes.
const (
	DXT1BlockSize = 8
	DXT3BlockSize = 16
	DXT5BlockSize = 16
)

// Size returns the number of bytes of compressed data for a width x height
// image with the given block size.
func Size(width, height, blockSize int) int {
	return ((width + 3) / 4) * ((height + 3) / 4) * blockSize
}

type blockFunc func(dst *[16][4]uint8, src []byte)

// DecodeDXT1 decodes DXT1 blocks from src into dst (RGBA8, stride bytes
// per row).
func DecodeDXT1(dst []byte, stride, width, height int, src []byte) error {
	return decode(dst, stride, width, height, src, DXT1BlockSize, decodeDXT1Block)
}

// DecodeDXT3 decodes DXT3 blocks: explicit 4-bit alpha then a DXT1 colour
// block without the alpha mode.
func DecodeDXT3(dst []byte, stride, width, height int, src []byte) error {
	return decode(dst, stride, width, height, src, DXT3BlockSize, decodeDXT3Block)
}

// DecodeDXT5 decodes DXT5 blocks: an interpolated alpha ramp then a
// colour block.
func DecodeDXT5(dst []byte, stride, width, height int, src []byte) error {
	return decode(dst, stride, width, height, src, DXT5BlockSize, decodeDXT5Block)
}

func decode(dst []byte, stride, width, height int, src []byte, bs int, fn blockFunc) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("dxt: %w: %dx%d", codecerr.ErrInvalidDimensions, width, height)
	}
	if need := Size(width, height, bs); len(src) < need {
		return fmt.Errorf("dxt: %w: have %d bytes, need %d", codecerr.ErrTruncated, len(src), need)
	}
	if len(dst) < (height-1)*stride+width*4 {
		return fmt.Errorf("dxt: %w: destination too small", codecerr.ErrInvalidDimensions)
	}
	bw, bh := (width+3)/4, (height+3)/4
	var px [16][4]uint8
	off := 0
	for by := 0; by < bh; by++ {
		for bx := 0; bx < bw; bx++ {
			fn(&px, src[off:off+bs])
			off += bs
			for i := 0; i < 16; i++ {
				x, y := bx*4+i&3, by*4+i>>2
				if x >= width || y >= height {
					continue
				}
				copy(dst[y*stride+x*4:], px[i][:])
			}
		}
	}
	return nil
}

// rgb565 expands a packed colour with bit replication.
func rgb565(c uint16) [4]uint8 {
	r := uint8(c >> 11 & 0x1f)
	g := uint8(c >> 5 & 0x3f)
	b := uint8(c & 0x1f)
	return [4]uint8{r<<3 | r>>2, g<<2 | g>>4, b<<3 | b>>2, 0xff}
}

// mix returns (a*wa + b*wb) / (wa + wb) per colour channel.
func mix(a, b [4]uint8, wa, wb int) [4]uint8 {
	var out [4]uint8
	for i := 0; i < 3; i++ {
		out[i] = uint8((int(a[i])*wa + int(b[i])*wb) / (wa + wb))
	}
	out[3] = 0xff
	return out
}

// colorBlock decodes the 8-byte colour half. allowAlpha enables the DXT1
// three-colour mode selected by c0 <= c1.
func colorBlock(dst *[16][4]uint8, src []byte, allowAlpha bool) {
	c0 := binary.LittleEndian.Uint16(src)
	c1 := binary.LittleEndian.Uint16(src[2:])
	var pal [4][4]uint8
	pal[0], pal[1] = rgb565(c0), rgb565(c1)
	if c0 > c1 || !allowAlpha {
		pal[2] = mix(pal[0], pal[1], 2, 1)
		pal[3] = mix(pal[0], pal[1], 1, 2)
	} else {
		pal[2] = mix(pal[0], pal[1], 1, 1)
		pal[3] = [4]uint8{}
	}
	idx := binary.LittleEndian.Uint32(src[4:])
	for i := 0; i < 16; i++ {
		dst[i] = pal[idx>>(2*uint(i))&3]
	}
}

func decodeDXT1Block(dst *[16][4]uint8, src []byte) {
	colorBlock(dst, src, true)
}

func decodeDXT3Block(dst *[16][4]uint8, src []byte) {
	colorBlock(dst, src[8:], false)
	for i := 0; i < 16; i++ {
		a := src[i/2] >> (4 * uint(i&1)) & 0x0f
		dst[i][3] = a<<4 | a
	}
}

func decodeDXT5Block(dst *[16][4]uint8, src []byte) {
	colorBlock(dst, src[8:], false)
	a0, a1 := int(src[0]), int(src[1])
	var ramp [8]uint8
	ramp[0], ramp[1] = uint8(a0), uint8(a1)
	if a0 > a1 {
		for i := 1; i < 7; i++ {
			ramp[i+1] = uint8(((7-i)*a0 + i*a1) / 7)
		}
	} else {
		for i := 1; i < 5; i++ {
			ramp[i+1] = uint8(((5-i)*a0 + i*a1) / 5)
		}
		ramp[6], ramp[7] = 0, 0xff
	}
	var bits uint64
	for i := 7; i >= 2; i-- {
		bits = bits<<8 | uint64(src[i])
	}
	for i := 0; i < 16; i++ {
		dst[i][3] = ramp[bits>>(3*uint(i))&7]
	}
}
