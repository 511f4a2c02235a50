// Package webp reads WebP files (lossy, lossless, with alpha and animated)
// and writes them losslessly.
//
// The RIFF layout is handled by internal/container and mux; VP8 and VP8L
// frame payloads are decoded by golang.org/x/image.
package webp

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"golang.org/x/image/vp8"
	"golang.org/x/image/vp8l"

	"github.com/deepteams/imgcodec/animation"
	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/raster"
)

// ALPH header fields.
const (
	alphaRaw      = 0
	alphaLossless = 1

	filterNone       = 0
	filterHorizontal = 1
	filterVertical   = 2
	filterGradient   = 3
)

// Decode decodes a WebP file. An animation decodes to its first composited
// canvas with the stored frames in Frames.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	f, err := container.ParseWebP(data)
	if err != nil {
		return nil, err
	}
	ft := &f.Features
	if err := opts.CheckDimensions(ft.Width, ft.Height); err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	if len(f.Frames) == 0 {
		return nil, fmt.Errorf("webp: %w: no image data", codecerr.ErrInvalidFormat)
	}
	if err := opts.CheckFrames(len(f.Frames)); err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}

	var img *raster.Image
	if ft.HasAnim {
		img, err = decodeAnimation(f)
	} else {
		img, err = decodeStill(&f.Frames[0])
	}
	if err != nil {
		return nil, err
	}
	img.Meta.ICC = f.Chunk(container.TagICCP)
	img.Meta.EXIF = f.Chunk(container.TagEXIF)
	img.Meta.XMP = f.Chunk(container.TagXMP)
	img.Meta.SetExtra("bitstream", ft.Format.String())
	if f.Frames[0].IsLossless {
		img.Meta.SetExtra("compression", "lossless")
	} else {
		img.Meta.SetExtra("compression", "lossy")
	}
	return img, nil
}

// DecodeConfig returns the canvas size without decoding pixels.
func DecodeConfig(data []byte) (width, height int, err error) {
	f, err := container.ParseWebP(data)
	if err != nil {
		return 0, 0, err
	}
	return f.Features.Width, f.Features.Height, nil
}

func decodeStill(fi *container.FrameInfo) (*raster.Image, error) {
	pix, err := decodeFrame(fi)
	if err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	img := &raster.Image{Width: fi.Width, Height: fi.Height, Format: raster.RGBA8, Pix: pix}
	if fi.HasAlpha {
		return img, nil
	}
	rgb := make([]byte, 3*fi.Width*fi.Height)
	for i, j := 0, 0; i < len(pix); i, j = i+4, j+3 {
		copy(rgb[j:j+3], pix[i:i+3])
	}
	img.Format, img.Pix = raster.RGB8, rgb
	return img, nil
}

func decodeAnimation(f *container.WebPFile) (*raster.Image, error) {
	ft := &f.Features
	frames := make([]raster.Frame, len(f.Frames))
	for i := range f.Frames {
		fi := &f.Frames[i]
		pix, err := decodeFrame(fi)
		if err != nil {
			return nil, fmt.Errorf("webp: frame %d: %w", i, err)
		}
		frames[i] = raster.Frame{
			Width:   fi.Width,
			Height:  fi.Height,
			Pix:     pix,
			XOffset: fi.XOffset,
			YOffset: fi.YOffset,
			Delay:   time.Duration(fi.Duration) * time.Millisecond,
			Dispose: fi.Dispose,
			Blend:   fi.Blend,
		}
	}
	// The ANIM background is a hint; frames composite onto transparent black.
	c, err := animation.NewCompositor(ft.Width, ft.Height, color.NRGBA{})
	if err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	canvas, err := c.Next(&frames[0])
	if err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	img := &raster.Image{
		Width:      ft.Width,
		Height:     ft.Height,
		Format:     raster.RGBA8,
		Pix:        canvas.Pix,
		LoopCount:  ft.LoopCount,
		Background: color.NRGBA{R: ft.Background[2], G: ft.Background[1], B: ft.Background[0], A: ft.Background[3]},
	}
	if len(frames) > 1 {
		img.Frames = frames
	}
	return img, nil
}

// decodeFrame decodes one VP8 or VP8L payload into RGBA8 pixels.
func decodeFrame(fi *container.FrameInfo) ([]byte, error) {
	if fi.IsLossless {
		m, err := vp8l.Decode(bytes.NewReader(fi.Payload))
		if err != nil {
			return nil, classify("VP8L", err)
		}
		return nrgbaPix(m, fi.Width, fi.Height)
	}

	d := vp8.NewDecoder()
	d.Init(bytes.NewReader(fi.Payload), len(fi.Payload))
	fh, err := d.DecodeFrameHeader()
	if err != nil {
		return nil, classify("VP8", err)
	}
	if !fh.KeyFrame || fh.Width != fi.Width || fh.Height != fi.Height {
		return nil, fmt.Errorf("VP8: %w: frame header %dx%d, expected %dx%d key frame",
			codecerr.ErrInvalidFormat, fh.Width, fh.Height, fi.Width, fi.Height)
	}
	m, err := d.DecodeFrame()
	if err != nil {
		return nil, classify("VP8", err)
	}
	w, h := fi.Width, fi.Height
	pix := make([]byte, 4*w*h)
	b := m.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := m.YOffset(b.Min.X+x, b.Min.Y+y)
			ci := m.COffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
			o := 4 * (y*w + x)
			pix[o], pix[o+1], pix[o+2], pix[o+3] = r, g, bl, 0xff
		}
	}
	if fi.AlphaData != nil {
		alpha, err := decodeAlpha(fi.AlphaData, w, h)
		if err != nil {
			return nil, err
		}
		for i, a := range alpha {
			pix[4*i+3] = a
		}
	}
	return pix, nil
}

func nrgbaPix(m image.Image, w, h int) ([]byte, error) {
	n, ok := m.(*image.NRGBA)
	if !ok || n.Rect.Dx() != w || n.Rect.Dy() != h {
		return nil, fmt.Errorf("VP8L: %w: decoded %v, expected %dx%d", codecerr.ErrInvalidFormat, m.Bounds(), w, h)
	}
	pix := make([]byte, 4*w*h)
	for y := 0; y < h; y++ {
		o := n.PixOffset(n.Rect.Min.X, n.Rect.Min.Y+y)
		copy(pix[4*w*y:4*w*(y+1)], n.Pix[o:o+4*w])
	}
	return pix, nil
}

func classify(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", what, codecerr.ErrTruncated)
	}
	return fmt.Errorf("%s: %w: %v", what, codecerr.ErrDecompression, err)
}

// decodeAlpha decodes an ALPH payload into w*h alpha values.
func decodeAlpha(data []byte, w, h int) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("ALPH: %w", codecerr.ErrTruncated)
	}
	hdr := data[0]
	method, filter, pre := hdr&3, hdr>>2&3, hdr>>4&3
	if hdr>>6 != 0 || pre > 1 {
		return nil, fmt.Errorf("ALPH: %w: header 0x%02x", codecerr.ErrInvalidFormat, hdr)
	}
	var alpha []byte
	switch method {
	case alphaRaw:
		if len(data)-1 < w*h {
			return nil, fmt.Errorf("ALPH: %w", codecerr.ErrTruncated)
		}
		alpha = append([]byte(nil), data[1:1+w*h]...)
	case alphaLossless:
		// The payload is a headerless VP8L image stream; the alpha values
		// are its green channel.
		hd := make([]byte, container.VP8LFrameHeaderSize)
		v := uint64(container.VP8LMagicByte) | uint64(w-1)<<8 | uint64(h-1)<<22
		for i := range hd {
			hd[i] = byte(v >> (8 * i))
		}
		m, err := vp8l.Decode(io.MultiReader(bytes.NewReader(hd), bytes.NewReader(data[1:])))
		if err != nil {
			return nil, classify("ALPH", err)
		}
		pix, err := nrgbaPix(m, w, h)
		if err != nil {
			return nil, err
		}
		alpha = make([]byte, w*h)
		for i := range alpha {
			alpha[i] = pix[4*i+1]
		}
	default:
		return nil, fmt.Errorf("ALPH: %w: compression method %d", codecerr.ErrUnsupported, method)
	}
	unfilter(alpha, w, h, filter)
	return alpha, nil
}

// unfilter reverses an ALPH prediction filter in place. Whatever the
// filter, the first row predicts from the left and the first column from
// above.
func unfilter(p []byte, w, h int, filter byte) {
	if filter == filterNone {
		return
	}
	for y := 0; y < h; y++ {
		row := p[y*w : (y+1)*w]
		var up []byte
		if y > 0 {
			up = p[(y-1)*w : y*w]
		}
		for x := range row {
			var pred byte
			switch {
			case x == 0 && y == 0:
			case y == 0:
				pred = row[x-1]
			case x == 0:
				pred = up[0]
			case filter == filterHorizontal:
				pred = row[x-1]
			case filter == filterVertical:
				pred = up[x]
			default:
				pred = gradient(row[x-1], up[x], up[x-1])
			}
			row[x] += pred
		}
	}
}

func gradient(left, up, upLeft byte) byte {
	g := int(left) + int(up) - int(upLeft)
	return byte(min(max(g, 0), 0xff))
}
