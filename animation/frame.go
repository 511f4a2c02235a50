package animation

import (
	"bytes"
	"image"
)

// blendOver performs "src over dst" compositing of one non-premultiplied
// RGBA8 pixel, in place on dst:
//
//	dst_factor_a = (dst_a * (256 - src_a)) >> 8
//	blend_a = src_a + dst_factor_a
//	channel = (src_c * src_a + dst_c * dst_factor_a) * scale >> 24
//
// where scale = (1 << 24) / blend_a.
func blendOver(dst, src []byte) {
	srcA := uint32(src[3])
	if srcA == 0 {
		return
	}
	dstA := uint32(dst[3])
	if srcA == 255 || dstA == 0 {
		copy(dst[:4], src[:4])
		return
	}
	dstFactorA := (dstA * (256 - srcA)) >> 8
	blendA := srcA + dstFactorA
	scale := (1 << 24) / blendA
	for i := 0; i < 3; i++ {
		v := (uint32(src[i])*srcA + uint32(dst[i])*dstFactorA) * scale >> 24
		dst[i] = uint8(min(v, 255))
	}
	dst[3] = uint8(blendA)
}

// fillRect fills r (already clipped) of an RGBA8 canvas with c.
func fillRect(pix []byte, stride int, r image.Rectangle, c [4]uint8) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := pix[y*stride+r.Min.X*4 : y*stride+r.Max.X*4]
		for i := 0; i < len(row); i += 4 {
			copy(row[i:i+4], c[:])
		}
	}
}

// copyRect copies the rectangle r between two canvases of equal stride.
func copyRect(dst, src []byte, stride int, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := y*stride + r.Min.X*4
		n := r.Dx() * 4
		copy(dst[off:off+n], src[off:off+n])
	}
}

// extractRect returns the pixels of r as a tightly packed buffer.
func extractRect(src []byte, stride int, r image.Rectangle) []byte {
	w := r.Dx() * 4
	out := make([]byte, w*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := y*stride + r.Min.X*4
		copy(out[(y-r.Min.Y)*w:], src[off:off+w])
	}
	return out
}

// changedRect computes the bounding rectangle of pixels that differ
// between two canvases of the given size. It returns an empty rectangle
// when they are identical. Whole rows are compared first, then the X
// bounds are narrowed within the changed rows.
func changedRect(prev, curr []byte, width, height int) image.Rectangle {
	stride := width * 4
	minY := height
	for y := 0; y < height; y++ {
		off := y * stride
		if !bytes.Equal(prev[off:off+stride], curr[off:off+stride]) {
			minY = y
			break
		}
	}
	if minY == height {
		return image.Rectangle{}
	}
	maxY := minY + 1
	for y := height - 1; y > minY; y-- {
		off := y * stride
		if !bytes.Equal(prev[off:off+stride], curr[off:off+stride]) {
			maxY = y + 1
			break
		}
	}

	minX, maxX := width, 0
	for y := minY; y < maxY; y++ {
		row := y * stride
		for x := 0; x < minX; x++ {
			if !bytes.Equal(prev[row+x*4:row+x*4+4], curr[row+x*4:row+x*4+4]) {
				minX = x
				break
			}
		}
		for x := width - 1; x >= maxX; x-- {
			if !bytes.Equal(prev[row+x*4:row+x*4+4], curr[row+x*4:row+x*4+4]) {
				maxX = x + 1
				break
			}
		}
		if minX == 0 && maxX == width {
			break
		}
	}
	if maxX <= minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX, maxY)
}

// snapToEven moves odd offsets down by one and grows the rectangle to
// keep covering the same pixels. WebP frame offsets must be even.
func snapToEven(r image.Rectangle) image.Rectangle {
	w := r.Dx() + r.Min.X&1
	h := r.Dy() + r.Min.Y&1
	x, y := r.Min.X&^1, r.Min.Y&^1
	return image.Rect(x, y, x+w, y+h)
}
