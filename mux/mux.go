// Package mux assembles WebP RIFF files from encoded VP8 and VP8L
// bitstreams.
//
// A Muxer collects frames and metadata and lays them out in the chunk order
// decoders expect: VP8X, ICCP, ANIM, the image chunks (ANMF for
// animations), EXIF, XMP. A single frame with no metadata and no alpha
// side chunk is written as a simple file holding just the bitstream chunk.
package mux

import (
	"errors"
	"fmt"
	"image/color"
	"time"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/raster"
)

// Field limits of the ANIM, ANMF and VP8X chunks.
const (
	MaxDuration  = 1<<24 - 1 // milliseconds
	MaxLoopCount = 1<<16 - 1
	MaxCanvas    = 1 << 24
)

// ErrNoFrames is returned by Assemble when no frame was added.
var ErrNoFrames = errors.New("mux: no frames")

// FrameOptions places a frame on the animation canvas.
type FrameOptions struct {
	// XOffset and YOffset must be even: ANMF stores them halved.
	XOffset int
	YOffset int
	Delay   time.Duration
	Dispose raster.DisposeOp
	// NoBlend overwrites the canvas instead of alpha-blending onto it.
	NoBlend bool
}

type muxFrame struct {
	bitstream []byte
	alpha     []byte
	lossless  bool
	hasAlpha  bool
	width     int
	height    int
	opts      FrameOptions
}

// Muxer builds a WebP file. The zero value is not usable; call New.
type Muxer struct {
	frames       []muxFrame
	icc          []byte
	exif         []byte
	xmp          []byte
	background   color.NRGBA
	loopCount    int
	canvasWidth  int
	canvasHeight int
	animated     bool
}

// New returns an empty Muxer. The background defaults to transparent
// black and the loop count to infinite.
func New() *Muxer {
	return &Muxer{}
}

// SetICCProfile sets the ICCP chunk payload. nil removes it.
func (m *Muxer) SetICCProfile(b []byte) { m.icc = b }

// SetEXIF sets the EXIF chunk payload. nil removes it.
func (m *Muxer) SetEXIF(b []byte) { m.exif = b }

// SetXMP sets the XMP chunk payload. nil removes it.
func (m *Muxer) SetXMP(b []byte) { m.xmp = b }

// SetBackground sets the ANIM background colour.
func (m *Muxer) SetBackground(c color.NRGBA) { m.background = c }

// SetLoopCount sets the number of times the animation plays; 0 means
// forever. Values outside [0, MaxLoopCount] are clamped.
func (m *Muxer) SetLoopCount(n int) {
	m.loopCount = min(max(n, 0), MaxLoopCount)
}

// SetAnimated forces an animated file even for a single frame.
func (m *Muxer) SetAnimated(v bool) { m.animated = v }

// SetCanvasSize sets the VP8X canvas. When unset the canvas is the
// bounding box of all frames.
func (m *Muxer) SetCanvasSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxCanvas || height > MaxCanvas {
		return fmt.Errorf("mux: %w: canvas %dx%d", codecerr.ErrInvalidDimensions, width, height)
	}
	m.canvasWidth, m.canvasHeight = width, height
	return nil
}

// NumFrames returns the number of frames added so far.
func (m *Muxer) NumFrames() int { return len(m.frames) }

// AddFrame appends a frame. bitstream is a complete VP8 or VP8L payload;
// alpha is an optional ALPH payload and is only valid with VP8. A nil opts
// places the frame at the origin with no delay, blended over the canvas.
func (m *Muxer) AddFrame(bitstream, alpha []byte, opts *FrameOptions) error {
	f := muxFrame{bitstream: bitstream}
	if opts != nil {
		f.opts = *opts
	}
	if len(bitstream) > 0 && bitstream[0] == container.VP8LMagicByte {
		w, h, a, err := container.ParseVP8LHeader(bitstream)
		if err != nil {
			return fmt.Errorf("mux: frame %d: %w", len(m.frames), err)
		}
		if alpha != nil {
			return fmt.Errorf("mux: frame %d: %w: ALPH with a VP8L bitstream", len(m.frames), codecerr.ErrInvalidFormat)
		}
		f.width, f.height, f.hasAlpha, f.lossless = w, h, a, true
	} else {
		w, h, err := container.ParseVP8Header(bitstream)
		if err != nil {
			return fmt.Errorf("mux: frame %d: %w", len(m.frames), err)
		}
		f.width, f.height, f.alpha, f.hasAlpha = w, h, alpha, alpha != nil
	}
	o := f.opts
	if o.XOffset < 0 || o.YOffset < 0 || o.XOffset&1 != 0 || o.YOffset&1 != 0 {
		return fmt.Errorf("mux: frame %d: %w: offset (%d,%d) must be even and non-negative", len(m.frames), codecerr.ErrInvalidDimensions, o.XOffset, o.YOffset)
	}
	if o.Dispose == raster.DisposePrevious {
		return fmt.Errorf("mux: frame %d: %w: dispose to previous", len(m.frames), codecerr.ErrUnsupported)
	}
	m.frames = append(m.frames, f)
	return nil
}

// clampDuration converts a frame delay to ANMF milliseconds.
func clampDuration(d time.Duration) int {
	return min(max(int(d/time.Millisecond), 0), MaxDuration)
}

func (m *Muxer) isAnimated() bool {
	return m.animated || len(m.frames) > 1
}

// canvasSize returns the explicit canvas or the bounding box of all
// frames.
func (m *Muxer) canvasSize() (int, int) {
	if m.canvasWidth > 0 && m.canvasHeight > 0 {
		return m.canvasWidth, m.canvasHeight
	}
	w, h := 0, 0
	for _, f := range m.frames {
		w = max(w, f.opts.XOffset+f.width)
		h = max(h, f.opts.YOffset+f.height)
	}
	return w, h
}

func (m *Muxer) hasAlpha() bool {
	for _, f := range m.frames {
		if f.hasAlpha {
			return true
		}
	}
	return false
}

// Assemble validates the frames against the canvas and returns the
// complete RIFF file.
func (m *Muxer) Assemble() ([]byte, error) {
	if len(m.frames) == 0 {
		return nil, ErrNoFrames
	}
	cw, ch := m.canvasSize()
	if cw > MaxCanvas || ch > MaxCanvas {
		return nil, fmt.Errorf("mux: %w: canvas %dx%d", codecerr.ErrInvalidDimensions, cw, ch)
	}
	for i, f := range m.frames {
		if f.opts.XOffset+f.width > cw || f.opts.YOffset+f.height > ch {
			return nil, fmt.Errorf("mux: frame %d: %w: %dx%d at (%d,%d) outside %dx%d canvas",
				i, codecerr.ErrInvalidDimensions, f.width, f.height, f.opts.XOffset, f.opts.YOffset, cw, ch)
		}
	}
	first := m.frames[0]
	// A still frame smaller than the canvas can only be placed by ANMF.
	animated := m.isAnimated() || cw != first.width || ch != first.height
	simple := !animated && m.icc == nil && m.exif == nil && m.xmp == nil && first.alpha == nil

	body := append([]byte(nil), container.TagWEBP[:]...)
	if simple {
		body = appendImage(body, first)
		return container.AppendChunk(nil, container.TagRIFF, body), nil
	}

	var flags uint8
	if animated {
		flags |= container.AnimationFlag
	}
	if m.icc != nil {
		flags |= container.ICCPFlag
	}
	if m.exif != nil {
		flags |= container.EXIFFlag
	}
	if m.xmp != nil {
		flags |= container.XMPFlag
	}
	if m.hasAlpha() {
		flags |= container.AlphaFlag
	}
	vp8x := make([]byte, container.VP8XChunkSize)
	vp8x[0] = flags
	container.PutLE24(vp8x[4:], cw-1)
	container.PutLE24(vp8x[7:], ch-1)
	body = container.AppendChunk(body, container.TagVP8X, vp8x)

	if m.icc != nil {
		body = container.AppendChunk(body, container.TagICCP, m.icc)
	}
	if animated {
		anim := make([]byte, container.ANIMChunkSize)
		bg := m.background
		anim[0], anim[1], anim[2], anim[3] = bg.B, bg.G, bg.R, bg.A
		anim[4], anim[5] = byte(m.loopCount), byte(m.loopCount>>8)
		body = container.AppendChunk(body, container.TagANIM, anim)
		for _, f := range m.frames {
			body = appendANMF(body, f)
		}
	} else {
		body = appendImage(body, first)
	}
	if m.exif != nil {
		body = container.AppendChunk(body, container.TagEXIF, m.exif)
	}
	if m.xmp != nil {
		body = container.AppendChunk(body, container.TagXMP, m.xmp)
	}
	return container.AppendChunk(nil, container.TagRIFF, body), nil
}

// appendImage writes the optional ALPH chunk followed by the bitstream
// chunk.
func appendImage(dst []byte, f muxFrame) []byte {
	if f.lossless {
		return container.AppendChunk(dst, container.TagVP8L, f.bitstream)
	}
	if f.alpha != nil {
		dst = container.AppendChunk(dst, container.TagALPH, f.alpha)
	}
	return container.AppendChunk(dst, container.TagVP8, f.bitstream)
}

// appendANMF wraps a frame's image chunks in an ANMF chunk.
func appendANMF(dst []byte, f muxFrame) []byte {
	hdr := make([]byte, container.ANMFHeaderSize)
	container.PutLE24(hdr[0:], f.opts.XOffset/2)
	container.PutLE24(hdr[3:], f.opts.YOffset/2)
	container.PutLE24(hdr[6:], f.width-1)
	container.PutLE24(hdr[9:], f.height-1)
	container.PutLE24(hdr[12:], clampDuration(f.opts.Delay))
	if f.opts.Dispose == raster.DisposeBackground {
		hdr[15] |= 0x01
	}
	if f.opts.NoBlend {
		hdr[15] |= 0x02
	}
	return container.AppendChunk(dst, container.TagANMF, hdr, appendImage(nil, f))
}
