package psd

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

// Encode writes a single-composite PSD without layers. Gray, RGB and
// indexed images keep their mode and depth; alpha is written as an extra
// channel. Channels are PackBits compressed unless CompressionNone is
// requested.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("psd: %w", err)
	}
	if img.Width > maxPSD || img.Height > maxPSD {
		return nil, fmt.Errorf("psd: %w: %dx%d exceeds %d", codecerr.ErrInvalidDimensions, img.Width, img.Height, maxPSD)
	}
	src := img
	mode := modeRGB
	switch img.Format {
	case raster.Gray8, raster.Gray16:
		mode = modeGray
	case raster.Indexed8:
		mode = modeIndexed
		if !img.Opaque() {
			var err error
			if src, err = img.Convert(raster.RGBA8); err != nil {
				return nil, fmt.Errorf("psd: %w", err)
			}
			mode = modeRGB
		}
	}
	spp := src.Format.Channels()
	depth := src.Format.Depth()

	out := make([]byte, headerSize, headerSize+len(src.Pix)+1024)
	copy(out, Magic)
	be.PutUint16(out[4:], 1)
	be.PutUint16(out[12:], uint16(spp))
	be.PutUint32(out[14:], uint32(img.Height))
	be.PutUint32(out[18:], uint32(img.Width))
	be.PutUint16(out[22:], uint16(depth))
	be.PutUint16(out[24:], uint16(mode))

	var colorData []byte
	if mode == modeIndexed {
		colorData = make([]byte, 768)
		for i, c := range src.Palette {
			colorData[i], colorData[256+i], colorData[512+i] = c.R, c.G, c.B
		}
	}
	out = be.AppendUint32(out, uint32(len(colorData)))
	out = append(out, colorData...)

	var res []byte
	if mode == modeIndexed {
		res = appendResource(res, resColorCount, be.AppendUint16(nil, uint16(len(src.Palette))))
	}
	if len(img.Meta.ICC) > 0 {
		res = appendResource(res, resICC, img.Meta.ICC)
	}
	if len(img.Meta.EXIF) > 0 {
		res = appendResource(res, resEXIF, img.Meta.EXIF)
	}
	if len(img.Meta.XMP) > 0 {
		res = appendResource(res, resXMP, img.Meta.XMP)
	}
	out = be.AppendUint32(out, uint32(len(res)))
	out = append(out, res...)
	out = be.AppendUint32(out, 0) // no layers

	planes := split(src)
	rowBytes := img.Width * depth / 8
	if opts.GetCompression() == raster.CompressionNone {
		out = be.AppendUint16(out, compressRaw)
		for _, p := range planes {
			out = append(out, p...)
		}
		return out, nil
	}
	out = be.AppendUint16(out, compressRLE)
	counts := len(out)
	out = append(out, make([]byte, 2*len(planes)*img.Height)...)
	k := 0
	for _, p := range planes {
		for y := 0; y < img.Height; y++ {
			n := len(out)
			out = rle.PackBits(out, p[y*rowBytes:(y+1)*rowBytes])
			be.PutUint16(out[counts+2*k:], uint16(len(out)-n))
			k++
		}
	}
	return out, nil
}

func appendResource(dst []byte, id int, body []byte) []byte {
	dst = append(dst, "8BIM"...)
	dst = be.AppendUint16(dst, uint16(id))
	dst = append(dst, 0, 0) // empty name, padded
	dst = be.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, body...)
	if len(body)%2 == 1 {
		dst = append(dst, 0)
	}
	return dst
}

// split returns the planar channels of img.
func split(img *raster.Image) [][]byte {
	spp := img.Format.Channels()
	bps := img.Format.Depth() / 8
	n := img.Width * img.Height
	planes := make([][]byte, spp)
	for c := range planes {
		p := make([]byte, n*bps)
		for i := 0; i < n; i++ {
			copy(p[i*bps:(i+1)*bps], img.Pix[(i*spp+c)*bps:])
		}
		planes[c] = p
	}
	return planes
}
