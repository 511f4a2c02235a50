package bmp

import (
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

const (
	lcsSRGB        = 0x73524742 // "sRGB"
	pixelsPerMetre = 2835       // 72 dpi
	maxRun         = 255
)

// Encode writes img as an uncompressed bottom-up bitmap: 8-bit indexed
// for palette and gray images, 24-bit when opaque, and 32-bit with an
// alpha mask otherwise. CompressionRLE selects BI_RLE8 for 8-bit output.
// An ICC profile is embedded through a version 5 header.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("bmp: %w", err)
	}
	if img.Width > 1<<30 || img.Height > 1<<30 {
		return nil, fmt.Errorf("bmp: %w: %dx%d", codecerr.ErrInvalidDimensions, img.Width, img.Height)
	}

	src := img
	var pal raster.Palette
	bpp := 24
	switch {
	case img.Format == raster.Indexed8 && img.Opaque():
		bpp, pal = 8, img.Palette
	case img.Format == raster.Gray8:
		bpp = 8
		pal = make(raster.Palette, 256)
		for i := range pal {
			pal[i].R, pal[i].G, pal[i].B, pal[i].A = uint8(i), uint8(i), uint8(i), 0xff
		}
	case img.Opaque():
		if img.Format != raster.RGB8 {
			var err error
			if src, err = img.Convert(raster.RGB8); err != nil {
				return nil, fmt.Errorf("bmp: %w", err)
			}
		}
	default:
		bpp = 32
		if img.Format != raster.RGBA8 {
			var err error
			if src, err = img.Convert(raster.RGBA8); err != nil {
				return nil, fmt.Errorf("bmp: %w", err)
			}
		}
	}

	compression := biRGB
	var pixels []byte
	switch {
	case bpp == 8 && opts.GetCompression() == raster.CompressionRLE:
		compression = biRLE8
		pixels = encodeRLE8(src)
	default:
		pixels = packRows(src, bpp)
		if bpp == 32 {
			compression = biBitfields
		}
	}

	hdrLen := infoHeaderLen
	switch {
	case len(img.Meta.ICC) > 0:
		hdrLen = v5HeaderLen
	case bpp == 32:
		hdrLen = v4HeaderLen
	}
	pixOff := fileHeaderLen + hdrLen + 4*len(pal)
	total := pixOff + len(pixels) + len(img.Meta.ICC)

	out := make([]byte, 0, total)
	out = append(out, 'B', 'M')
	out = binary.LittleEndian.AppendUint32(out, uint32(total))
	out = binary.LittleEndian.AppendUint32(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(pixOff))

	dib := make([]byte, hdrLen)
	le := binary.LittleEndian
	le.PutUint32(dib[0:], uint32(hdrLen))
	le.PutUint32(dib[4:], uint32(img.Width))
	le.PutUint32(dib[8:], uint32(img.Height))
	le.PutUint16(dib[12:], 1)
	le.PutUint16(dib[14:], uint16(bpp))
	le.PutUint32(dib[16:], uint32(compression))
	le.PutUint32(dib[20:], uint32(len(pixels)))
	le.PutUint32(dib[24:], pixelsPerMetre)
	le.PutUint32(dib[28:], pixelsPerMetre)
	le.PutUint32(dib[32:], uint32(len(pal)))
	if hdrLen > infoHeaderLen {
		if bpp == 32 {
			le.PutUint32(dib[40:], 0x00ff0000)
			le.PutUint32(dib[44:], 0x0000ff00)
			le.PutUint32(dib[48:], 0x000000ff)
			le.PutUint32(dib[52:], 0xff000000)
		}
		le.PutUint32(dib[56:], lcsSRGB)
	}
	if hdrLen == v5HeaderLen {
		le.PutUint32(dib[56:], lcsEmbedded)
		le.PutUint32(dib[108:], 4) // LCS_GM_IMAGES
		le.PutUint32(dib[112:], uint32(hdrLen+4*len(pal)+len(pixels)))
		le.PutUint32(dib[116:], uint32(len(img.Meta.ICC)))
	}
	out = append(out, dib...)
	for _, c := range pal {
		out = append(out, c.B, c.G, c.R, 0)
	}
	out = append(out, pixels...)
	out = append(out, img.Meta.ICC...)
	return out, nil
}

// packRows stores rows bottom-up, BGR(A) order, padded to 4 bytes.
func packRows(img *raster.Image, bpp int) []byte {
	stride := rowSize(img.Width, bpp)
	out := make([]byte, stride*img.Height)
	for y := 0; y < img.Height; y++ {
		row := img.Row(y)
		dst := out[(img.Height-1-y)*stride:]
		switch bpp {
		case 8:
			copy(dst, row)
		case 24:
			for x := 0; x < len(row); x += 3 {
				dst[x], dst[x+1], dst[x+2] = row[x+2], row[x+1], row[x]
			}
		case 32:
			for x := 0; x < len(row); x += 4 {
				dst[x], dst[x+1], dst[x+2], dst[x+3] = row[x+2], row[x+1], row[x], row[x+3]
			}
		}
	}
	return out
}

// encodeRLE8 writes encoded-mode runs only, one end-of-line per row.
func encodeRLE8(img *raster.Image) []byte {
	var out []byte
	for y := img.Height - 1; y >= 0; y-- {
		row := img.Row(y)
		for x := 0; x < len(row); {
			n := 1
			for x+n < len(row) && n < maxRun && row[x+n] == row[x] {
				n++
			}
			out = append(out, byte(n), row[x])
			x += n
		}
		out = append(out, 0, 0)
	}
	return append(out, 0, 1)
}
