// Package exr reads and writes single-part scanline OpenEXR images.
//
// Decoding supports the NONE, RLE, ZIPS and ZIP compressions and HALF,
// FLOAT and UINT channels. Linear sample values are clamped to [0, 1] and
// stored as 16-bit samples. Other compressions (PIZ, PXR24, B44, DWA)
// fail with ErrUnsupported unless a placeholder is allowed.
package exr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/deepteams/imgcodec/codecerr"
)

// Magic is the first four bytes of every OpenEXR file (20000630 LE).
const Magic = "\x76\x2f\x31\x01"

const (
	version = 2

	flagTiled     = 0x200
	flagLongNames = 0x400
	flagDeep      = 0x800
	flagMultipart = 0x1000

	maxNameLen     = 31
	maxLongNameLen = 255
)

// Compression methods.
const (
	compressNone  = 0
	compressRLE   = 1
	compressZIPS  = 2
	compressZIP   = 3
	compressPIZ   = 4
	compressPXR24 = 5
	compressB44   = 6
	compressB44A  = 7
	compressDWAA  = 8
	compressDWAB  = 9
)

var compressionNames = [...]string{"none", "rle", "zips", "zip", "piz", "pxr24", "b44", "b44a", "dwaa", "dwab"}

// linesPerBlock is the number of scanlines in one chunk.
func linesPerBlock(c int) int {
	switch c {
	case compressZIP, compressPXR24:
		return 16
	case compressPIZ, compressB44, compressB44A, compressDWAA:
		return 32
	case compressDWAB:
		return 256
	}
	return 1
}

// Pixel types.
const (
	pixelUint  = 0
	pixelHalf  = 1
	pixelFloat = 2
)

func pixelSize(t int) int {
	if t == pixelHalf {
		return 2
	}
	return 4
}

var le = binary.LittleEndian

type channel struct {
	name      string
	pixelType int
	linear    bool
	xSampling int
	ySampling int
}

type box2i struct {
	xMin, yMin, xMax, yMax int32
}

func (b box2i) width() int  { return int(int64(b.xMax) - int64(b.xMin) + 1) }
func (b box2i) height() int { return int(int64(b.yMax) - int64(b.yMin) + 1) }

type header struct {
	channels      []channel
	compression   int
	dataWindow    box2i
	displayWindow box2i
	lineOrder     int
	comments      string
	size          int // bytes up to and including the terminating null
}

// bytesPerLine is the size of one uncompressed scanline.
func (h *header) bytesPerLine() int {
	n := 0
	for _, c := range h.channels {
		n += pixelSize(c.pixelType) * h.dataWindow.width()
	}
	return n
}

type cursor struct {
	p   []byte
	off int
	err error
}

func (c *cursor) fail(what string) {
	if c.err == nil {
		c.err = fmt.Errorf("exr: %s: %w", what, codecerr.ErrTruncated)
	}
}

func (c *cursor) take(n int, what string) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || len(c.p)-c.off < n {
		c.fail(what)
		return nil
	}
	b := c.p[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) cstring(what string) string {
	if c.err != nil {
		return ""
	}
	i := bytes.IndexByte(c.p[c.off:], 0)
	if i < 0 {
		c.fail(what)
		return ""
	}
	s := string(c.p[c.off : c.off+i])
	c.off += i + 1
	return s
}

func parseHeader(data []byte) (*header, error) {
	if len(data) < len(Magic) || string(data[:4]) != Magic {
		if len(data) < len(Magic) && string(data) == Magic[:len(data)] {
			return nil, fmt.Errorf("exr: magic: %w", codecerr.ErrTruncated)
		}
		return nil, fmt.Errorf("exr: %w: missing magic number", codecerr.ErrInvalidFormat)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("exr: version: %w", codecerr.ErrTruncated)
	}
	v := le.Uint32(data[4:])
	if v&0xff != version {
		return nil, fmt.Errorf("exr: %w: version %d", codecerr.ErrUnsupported, v&0xff)
	}
	switch {
	case v&flagTiled != 0:
		return nil, fmt.Errorf("exr: %w: tiled images", codecerr.ErrUnsupported)
	case v&(flagDeep|flagMultipart) != 0:
		return nil, fmt.Errorf("exr: %w: deep or multi-part files", codecerr.ErrUnsupported)
	}

	maxName := maxNameLen
	if v&flagLongNames != 0 {
		maxName = maxLongNameLen
	}
	h := &header{compression: -1}
	c := &cursor{p: data, off: 8}
	var haveWindow bool
	for {
		name := c.cstring("attribute name")
		if c.err != nil {
			return nil, c.err
		}
		if name == "" {
			break
		}
		typ := c.cstring("attribute type")
		size := c.take(4, "attribute size")
		if c.err != nil {
			return nil, c.err
		}
		if len(name) > maxName || len(typ) > maxName {
			return nil, fmt.Errorf("exr: %w: attribute name too long", codecerr.ErrInvalidFormat)
		}
		val := c.take(int(int32(le.Uint32(size))), "attribute "+name)
		if c.err != nil {
			return nil, c.err
		}
		var err error
		switch {
		case name == "channels" && typ == "chlist":
			h.channels, err = parseChannels(val)
		case name == "compression" && typ == "compression":
			if len(val) != 1 {
				return nil, fmt.Errorf("exr: %w: compression attribute", codecerr.ErrInvalidFormat)
			}
			h.compression = int(val[0])
		case name == "dataWindow" && typ == "box2i":
			h.dataWindow, err = parseBox(val)
			haveWindow = err == nil
		case name == "displayWindow" && typ == "box2i":
			h.displayWindow, err = parseBox(val)
		case name == "lineOrder" && typ == "lineOrder":
			if len(val) == 1 {
				h.lineOrder = int(val[0])
			}
		case name == "comments" && typ == "string":
			h.comments = string(val)
		}
		if err != nil {
			return nil, err
		}
	}
	h.size = c.off
	switch {
	case len(h.channels) == 0:
		return nil, fmt.Errorf("exr: %w: no channels", codecerr.ErrInvalidFormat)
	case h.compression < 0 || h.compression >= len(compressionNames):
		return nil, fmt.Errorf("exr: %w: compression %d", codecerr.ErrInvalidFormat, h.compression)
	case !haveWindow:
		return nil, fmt.Errorf("exr: %w: no data window", codecerr.ErrInvalidFormat)
	}
	if h.dataWindow.xMax < h.dataWindow.xMin || h.dataWindow.yMax < h.dataWindow.yMin {
		return nil, fmt.Errorf("exr: %w: data window %v", codecerr.ErrInvalidDimensions, h.dataWindow)
	}
	return h, nil
}

func parseBox(p []byte) (box2i, error) {
	if len(p) != 16 {
		return box2i{}, fmt.Errorf("exr: %w: box2i of %d bytes", codecerr.ErrInvalidFormat, len(p))
	}
	return box2i{
		xMin: int32(le.Uint32(p)),
		yMin: int32(le.Uint32(p[4:])),
		xMax: int32(le.Uint32(p[8:])),
		yMax: int32(le.Uint32(p[12:])),
	}, nil
}

func parseChannels(p []byte) ([]channel, error) {
	c := &cursor{p: p}
	var out []channel
	for {
		name := c.cstring("channel name")
		if c.err != nil {
			return nil, c.err
		}
		if name == "" {
			break
		}
		b := c.take(16, "channel "+name)
		if c.err != nil {
			return nil, c.err
		}
		ch := channel{
			name:      name,
			pixelType: int(le.Uint32(b)),
			linear:    b[4] != 0,
			xSampling: int(int32(le.Uint32(b[8:]))),
			ySampling: int(int32(le.Uint32(b[12:]))),
		}
		if ch.pixelType > pixelFloat || ch.pixelType < 0 {
			return nil, fmt.Errorf("exr: %w: channel %q pixel type %d", codecerr.ErrInvalidFormat, name, ch.pixelType)
		}
		if ch.xSampling != 1 || ch.ySampling != 1 {
			return nil, fmt.Errorf("exr: %w: subsampled channel %q", codecerr.ErrUnsupported, name)
		}
		out = append(out, ch)
	}
	return out, nil
}

// appendAttr appends one header attribute.
func appendAttr(out []byte, name, typ string, val []byte) []byte {
	out = append(out, name...)
	out = append(out, 0)
	out = append(out, typ...)
	out = append(out, 0)
	out = le.AppendUint32(out, uint32(len(val)))
	return append(out, val...)
}

func appendHeader(out []byte, h *header) []byte {
	out = append(out, Magic...)
	out = le.AppendUint32(out, version)

	chans := append([]channel(nil), h.channels...)
	sort.Slice(chans, func(i, j int) bool { return chans[i].name < chans[j].name })
	var cl []byte
	for _, ch := range chans {
		cl = append(cl, ch.name...)
		cl = append(cl, 0)
		cl = le.AppendUint32(cl, uint32(ch.pixelType))
		cl = append(cl, 0, 0, 0, 0)
		cl = le.AppendUint32(cl, 1)
		cl = le.AppendUint32(cl, 1)
	}
	cl = append(cl, 0)
	box := func(b box2i) []byte {
		v := le.AppendUint32(nil, uint32(b.xMin))
		v = le.AppendUint32(v, uint32(b.yMin))
		v = le.AppendUint32(v, uint32(b.xMax))
		return le.AppendUint32(v, uint32(b.yMax))
	}
	one := le.AppendUint32(nil, math.Float32bits(1))

	out = appendAttr(out, "channels", "chlist", cl)
	if h.comments != "" {
		out = appendAttr(out, "comments", "string", []byte(h.comments))
	}
	out = appendAttr(out, "compression", "compression", []byte{byte(h.compression)})
	out = appendAttr(out, "dataWindow", "box2i", box(h.dataWindow))
	out = appendAttr(out, "displayWindow", "box2i", box(h.displayWindow))
	out = appendAttr(out, "lineOrder", "lineOrder", []byte{byte(h.lineOrder)})
	out = appendAttr(out, "pixelAspectRatio", "float", one)
	out = appendAttr(out, "screenWindowCenter", "v2f", make([]byte, 8))
	out = appendAttr(out, "screenWindowWidth", "float", one)
	return append(out, 0)
}
