package container

import (
	"encoding/binary"
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// VP8X feature flags (from the first byte of VP8X chunk payload).
const (
	AnimationFlag uint8 = 0x02
	XMPFlag       uint8 = 0x04
	EXIFFlag      uint8 = 0x08
	AlphaFlag     uint8 = 0x10
	ICCPFlag      uint8 = 0x20
	AllValidFlags uint8 = 0x3e
)

// WebP chunk tags.
var (
	TagRIFF = Tag("RIFF")
	TagWEBP = Tag("WEBP")
	TagVP8  = Tag("VP8 ")
	TagVP8L = Tag("VP8L")
	TagVP8X = Tag("VP8X")
	TagALPH = Tag("ALPH")
	TagANIM = Tag("ANIM")
	TagANMF = Tag("ANMF")
	TagICCP = Tag("ICCP")
	TagEXIF = Tag("EXIF")
	TagXMP  = Tag("XMP ")
)

// WebP structure sizes.
const (
	RIFFHeaderSize      = 12
	VP8XChunkSize       = 10
	ANIMChunkSize       = 6
	ANMFHeaderSize      = 16
	VP8FrameHeaderSize  = 10
	VP8LFrameHeaderSize = 5
	VP8LMagicByte       = 0x2f
	vp8Signature        = 0x9d012a
)

// Bitstream identifies how a WebP file stores its image data.
type Bitstream int

const (
	BitstreamUndefined Bitstream = iota
	BitstreamVP8                 // lossy
	BitstreamVP8L                // lossless
	BitstreamVP8X                // extended
)

func (b Bitstream) String() string {
	switch b {
	case BitstreamVP8:
		return "VP8"
	case BitstreamVP8L:
		return "VP8L"
	case BitstreamVP8X:
		return "VP8X"
	}
	return "undefined"
}

// Features describes a WebP file as declared by its RIFF chunks.
type Features struct {
	Width, Height int // canvas size
	HasAlpha      bool
	HasAnim       bool
	HasICCP       bool
	HasEXIF       bool
	HasXMP        bool
	Format        Bitstream
	LoopCount     int
	Background    [4]byte // ANIM background, stored as B, G, R, A
}

// FrameInfo holds one image of a WebP file. Stills have exactly one, at
// the origin and covering the canvas.
type FrameInfo struct {
	XOffset, YOffset int
	Width, Height    int
	Duration         int // milliseconds
	Dispose          raster.DisposeOp
	Blend            raster.BlendOp
	HasAlpha         bool
	IsLossless       bool
	Payload          []byte // VP8 or VP8L bitstream
	AlphaData        []byte // ALPH payload, VP8 frames only
}

// Chunk is a metadata or unknown chunk carried for round-tripping.
type Chunk struct {
	Type    FourCC
	Payload []byte
}

// WebPFile is a parsed WebP container.
type WebPFile struct {
	Features Features
	Frames   []FrameInfo
	Chunks   []Chunk
}

// Chunk returns the payload of the first metadata chunk of type t.
func (f *WebPFile) Chunk(t FourCC) []byte {
	for _, c := range f.Chunks {
		if c.Type == t {
			return c.Payload
		}
	}
	return nil
}

// ParseWebP parses a complete WebP file.
func ParseWebP(data []byte) (*WebPFile, error) {
	if len(data) < RIFFHeaderSize {
		return nil, fmt.Errorf("webp: riff header: %w", codecerr.ErrTruncated)
	}
	if fourCCAt(data) != TagRIFF || fourCCAt(data[8:]) != TagWEBP {
		return nil, fmt.Errorf("webp: %w: missing RIFF/WEBP signature", codecerr.ErrInvalidFormat)
	}
	size := binary.LittleEndian.Uint32(data[4:8])
	if size < 4+headerSize {
		return nil, fmt.Errorf("webp: %w: riff size %d", codecerr.ErrInvalidFormat, size)
	}
	// The declared size may overrun the data by a missing pad byte.
	if uint64(size)+8 > uint64(len(data))+1 {
		return nil, fmt.Errorf("webp: riff size %d: %w", size, codecerr.ErrTruncated)
	}
	// Limit parsing to the declared RIFF size.
	end := len(data)
	if uint64(size)+8 < uint64(end) {
		end = int(size) + 8
	}
	body := Range{RIFFHeaderSize, end}

	first, err := RIFF.Parse(data, body.Start, body.End)
	if err != nil {
		return nil, fmt.Errorf("webp: first chunk: %w", err)
	}
	f := &WebPFile{}
	switch first.Type {
	case TagVP8X:
		err = f.parseExtended(data, first, Range{first.End, body.End})
	case TagVP8, TagVP8L:
		var fr FrameInfo
		fr, err = parseImageChunks(data, body)
		if err == nil {
			f.Features.Format = BitstreamVP8
			if fr.IsLossless {
				f.Features.Format = BitstreamVP8L
			}
			f.Features.Width, f.Features.Height = fr.Width, fr.Height
			f.Features.HasAlpha = fr.HasAlpha
			f.Frames = append(f.Frames, fr)
		}
	default:
		err = fmt.Errorf("%w: unexpected first chunk %q", codecerr.ErrInvalidFormat, first.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("webp: %w", err)
	}
	return f, nil
}

func (f *WebPFile) parseExtended(data []byte, vp8x Record, rest Range) error {
	p := vp8x.Payload(data)
	if len(p) < VP8XChunkSize {
		return fmt.Errorf("%w: VP8X chunk is %d bytes", codecerr.ErrInvalidFormat, len(p))
	}
	flags := p[0]
	if flags&^AllValidFlags != 0 {
		return fmt.Errorf("%w: VP8X flags 0x%02x", codecerr.ErrInvalidFormat, flags)
	}
	ft := &f.Features
	ft.Format = BitstreamVP8X
	ft.HasAnim = flags&AnimationFlag != 0
	ft.HasAlpha = flags&AlphaFlag != 0
	ft.HasICCP = flags&ICCPFlag != 0
	ft.HasEXIF = flags&EXIFFlag != 0
	ft.HasXMP = flags&XMPFlag != 0
	// Canvas dimensions: 24-bit LE, stored as value-1.
	ft.Width = 1 + readLE24(p[4:7])
	ft.Height = 1 + readLE24(p[7:10])
	ft.LoopCount = 0
	ft.Background = [4]byte{0xff, 0xff, 0xff, 0xff}

	sawANIM, sawImage := false, false
	return RIFF.Walk(data, rest, func(r Record) error {
		payload := r.Payload(data)
		switch r.Type {
		case TagVP8X:
			return fmt.Errorf("%w: duplicate VP8X", codecerr.ErrInvalidFormat)
		case TagANIM:
			if len(payload) < ANIMChunkSize {
				return fmt.Errorf("ANIM: %w", codecerr.ErrTruncated)
			}
			sawANIM = true
			copy(ft.Background[:], payload[0:4])
			ft.LoopCount = int(binary.LittleEndian.Uint16(payload[4:6]))
		case TagANMF:
			if !sawANIM {
				return fmt.Errorf("%w: ANMF before ANIM", codecerr.ErrInvalidFormat)
			}
			fr, err := parseANMF(data, r)
			if err != nil {
				return err
			}
			if fr.XOffset+fr.Width > ft.Width || fr.YOffset+fr.Height > ft.Height {
				return fmt.Errorf("%w: frame %dx%d at (%d,%d) exceeds canvas", codecerr.ErrInvalidDimensions, fr.Width, fr.Height, fr.XOffset, fr.YOffset)
			}
			f.Frames = append(f.Frames, fr)
		case TagALPH, TagVP8, TagVP8L:
			if ft.HasAnim {
				return fmt.Errorf("%w: image chunk outside ANMF in animation", codecerr.ErrInvalidFormat)
			}
			if sawImage {
				return nil
			}
			sawImage = true
			fr, err := parseImageChunks(data, Range{r.Start, rest.End})
			if err != nil {
				return err
			}
			if fr.Width != ft.Width || fr.Height != ft.Height {
				return fmt.Errorf("%w: image %dx%d on %dx%d canvas", codecerr.ErrInvalidDimensions, fr.Width, fr.Height, ft.Width, ft.Height)
			}
			ft.HasAlpha = ft.HasAlpha || fr.HasAlpha
			f.Frames = append(f.Frames, fr)
		default:
			f.Chunks = append(f.Chunks, Chunk{Type: r.Type, Payload: append([]byte(nil), payload...)})
		}
		return nil
	})
}

// parseANMF parses an ANMF chunk header and its image sub-chunks.
func parseANMF(data []byte, r Record) (FrameInfo, error) {
	p := r.Payload(data)
	if len(p) < ANMFHeaderSize {
		return FrameInfo{}, fmt.Errorf("ANMF header: %w", codecerr.ErrTruncated)
	}
	hdr := FrameInfo{
		XOffset:  2 * readLE24(p[0:3]),
		YOffset:  2 * readLE24(p[3:6]),
		Width:    1 + readLE24(p[6:9]),
		Height:   1 + readLE24(p[9:12]),
		Duration: readLE24(p[12:15]),
		Blend:    raster.BlendOver,
	}
	bits := p[15]
	if bits&1 != 0 {
		hdr.Dispose = raster.DisposeBackground
	}
	if bits&2 != 0 {
		hdr.Blend = raster.BlendSource
	}
	fr, err := parseImageChunks(data, Range{r.PayloadStart + ANMFHeaderSize, r.PayloadEnd})
	if err != nil {
		return FrameInfo{}, fmt.Errorf("ANMF: %w", err)
	}
	if fr.Width != hdr.Width || fr.Height != hdr.Height {
		return FrameInfo{}, fmt.Errorf("%w: ANMF declares %dx%d, bitstream %dx%d", codecerr.ErrInvalidDimensions, hdr.Width, hdr.Height, fr.Width, fr.Height)
	}
	hdr.HasAlpha = fr.HasAlpha
	hdr.IsLossless = fr.IsLossless
	hdr.Payload = fr.Payload
	hdr.AlphaData = fr.AlphaData
	return hdr, nil
}

// parseImageChunks reads an optional ALPH chunk followed by a VP8 or VP8L
// chunk, starting at rng.Start.
func parseImageChunks(data []byte, rng Range) (FrameInfo, error) {
	var fr FrameInfo
	var alph []byte
	done := false
	err := RIFF.Walk(data, rng, func(r Record) error {
		payload := r.Payload(data)
		switch r.Type {
		case TagALPH:
			if alph != nil {
				return fmt.Errorf("%w: duplicate ALPH", codecerr.ErrInvalidFormat)
			}
			alph = payload
			return nil
		case TagVP8L:
			if alph != nil {
				return fmt.Errorf("%w: ALPH before VP8L", codecerr.ErrInvalidFormat)
			}
			w, h, alpha, err := ParseVP8LHeader(payload)
			if err != nil {
				return err
			}
			fr = FrameInfo{Width: w, Height: h, HasAlpha: alpha, IsLossless: true, Payload: payload}
		case TagVP8:
			w, h, err := ParseVP8Header(payload)
			if err != nil {
				return err
			}
			fr = FrameInfo{Width: w, Height: h, HasAlpha: alph != nil, Payload: payload, AlphaData: alph}
		default:
			return fmt.Errorf("%w: unexpected %q chunk before image data", codecerr.ErrInvalidFormat, r.Type)
		}
		done = true
		return errStop
	})
	if err != nil && err != errStop {
		return FrameInfo{}, err
	}
	if !done {
		return FrameInfo{}, fmt.Errorf("image chunk: %w", codecerr.ErrTruncated)
	}
	return fr, nil
}

// ParseVP8Header extracts the frame size from a VP8 key frame header.
func ParseVP8Header(data []byte) (width, height int, err error) {
	if len(data) < VP8FrameHeaderSize {
		return 0, 0, fmt.Errorf("VP8 frame header: %w", codecerr.ErrTruncated)
	}
	if data[0]&1 != 0 {
		return 0, 0, fmt.Errorf("%w: VP8 interframe", codecerr.ErrUnsupported)
	}
	sig := uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5])
	if sig != vp8Signature {
		return 0, 0, fmt.Errorf("%w: VP8 signature 0x%06x", codecerr.ErrInvalidFormat, sig)
	}
	width = int(binary.LittleEndian.Uint16(data[6:8])) & 0x3fff
	height = int(binary.LittleEndian.Uint16(data[8:10])) & 0x3fff
	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("%w: VP8 frame %dx%d", codecerr.ErrInvalidDimensions, width, height)
	}
	return width, height, nil
}

// ParseVP8LHeader extracts the size and alpha hint from a VP8L header.
func ParseVP8LHeader(data []byte) (width, height int, hasAlpha bool, err error) {
	if len(data) < VP8LFrameHeaderSize {
		return 0, 0, false, fmt.Errorf("VP8L header: %w", codecerr.ErrTruncated)
	}
	if data[0] != VP8LMagicByte {
		return 0, 0, false, fmt.Errorf("%w: VP8L signature 0x%02x", codecerr.ErrInvalidFormat, data[0])
	}
	bits := binary.LittleEndian.Uint32(data[1:5])
	width = int(bits&0x3fff) + 1
	height = int((bits>>14)&0x3fff) + 1
	hasAlpha = (bits>>28)&1 != 0
	if v := bits >> 29; v != 0 {
		return 0, 0, false, fmt.Errorf("%w: VP8L version %d", codecerr.ErrUnsupported, v)
	}
	return width, height, hasAlpha, nil
}

// readLE24 reads a 24-bit little-endian integer from 3 bytes.
func readLE24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

// PutLE24 stores the low 24 bits of v little-endian in b[0:3].
func PutLE24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// AppendChunk appends a RIFF chunk with the given payload to dst, adding
// the pad byte when the payload length is odd.
func AppendChunk(dst []byte, typ FourCC, payload ...[]byte) []byte {
	n := 0
	for _, p := range payload {
		n += len(p)
	}
	dst = append(dst, typ[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(n))
	for _, p := range payload {
		dst = append(dst, p...)
	}
	if n&1 == 1 {
		dst = append(dst, 0)
	}
	return dst
}
