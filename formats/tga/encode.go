package tga

import (
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/rle"
	"github.com/deepteams/imgcodec/raster"
)

const footerSignature = "TRUEVISION-XFILE.\x00"

// Encode writes img as a top-down TGA with a version 2 footer. Pixel data
// is run-length encoded, one row at a time, when opts selects
// CompressionRLE. 16-bit images are reduced to 8 bits per sample.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("tga: %w", err)
	}
	if img.Width > 0xffff || img.Height > 0xffff {
		return nil, fmt.Errorf("tga: %w: %dx%d exceeds 65535", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}
	src := img
	var err error
	switch img.Format {
	case raster.Gray16:
		src, err = img.Convert(raster.Gray8)
	case raster.RGB16:
		src, err = img.Convert(raster.RGB8)
	case raster.RGBA16:
		src, err = img.Convert(raster.RGBA8)
	}
	if err != nil {
		return nil, fmt.Errorf("tga: %w", err)
	}

	hdr := make([]byte, headerSize)
	var cmap, pix []byte
	bpp := src.Format.BytesPerPixel()
	switch src.Format {
	case raster.Gray8:
		hdr[2], hdr[16] = typeGray, 8
		pix = src.Pix
	case raster.Indexed8:
		hdr[1], hdr[2], hdr[16] = 1, typeColorMapped, 8
		cmDepth := 24
		if !src.Opaque() {
			cmDepth = 32
		}
		binary.LittleEndian.PutUint16(hdr[5:], uint16(len(src.Palette)))
		hdr[7] = byte(cmDepth)
		for _, c := range src.Palette {
			cmap = append(cmap, c.B, c.G, c.R)
			if cmDepth == 32 {
				cmap = append(cmap, c.A)
			}
		}
		pix = src.Pix
	case raster.RGB8, raster.RGBA8:
		hdr[2], hdr[16] = typeTrueColor, byte(8*bpp)
		if bpp == 4 {
			hdr[17] = 8
		}
		pix = make([]byte, len(src.Pix))
		for i := 0; i < len(pix); i += bpp {
			pix[i], pix[i+1], pix[i+2] = src.Pix[i+2], src.Pix[i+1], src.Pix[i]
			if bpp == 4 {
				pix[i+3] = src.Pix[i+3]
			}
		}
	}
	binary.LittleEndian.PutUint16(hdr[12:], uint16(src.Width))
	binary.LittleEndian.PutUint16(hdr[14:], uint16(src.Height))
	hdr[17] |= descTopBottom

	id := img.Meta.Comment
	if len(id) > 0xff {
		id = id[:0xff]
	}
	hdr[0] = byte(len(id))

	out := make([]byte, 0, len(hdr)+len(id)+len(cmap)+len(pix)+26)
	out = append(out, hdr...)
	out = append(out, id...)
	out = append(out, cmap...)
	if opts.GetCompression() == raster.CompressionRLE {
		out[2] += 8
		stride := src.Width * bpp
		for y := 0; y < src.Height; y++ {
			out = rle.EncodeFlagged(out, pix[y*stride:(y+1)*stride], bpp)
		}
	} else {
		out = append(out, pix...)
	}
	out = append(out, make([]byte, 8)...) // no extension or developer area
	return append(out, footerSignature...), nil
}
