// Package avif reads the structure of AVIF files: the HEIF item model,
// the AV1 codec configuration (av1C) and the AV1 sequence header OBU.
//
// AV1 pixel data is not decoded. Decode fails with ErrUnsupported unless
// Options.Placeholder is set, in which case it returns a placeholder
// raster of the declared size carrying the file's metadata.
package avif

import (
	"fmt"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/internal/heif"
	"github.com/deepteams/imgcodec/raster"
)

var (
	brandAVIF = container.Tag("avif")
	brandAVIS = container.Tag("avis")
)

const obuSequenceHeader = 1

// Config is the AV1 configuration of the primary image, taken from av1C
// and checked against the sequence header.
type Config struct {
	Profile      int
	Level        int
	Tier         int
	BitDepth     int
	Monochrome   bool
	SubsamplingX bool
	SubsamplingY bool

	StillPicture  bool
	ReducedHeader bool
	MaxWidth      int
	MaxHeight     int
}

// Chroma returns the subsampling as a J:a:b string.
func (c *Config) Chroma() string {
	switch {
	case c.Monochrome:
		return "4:0:0"
	case c.SubsamplingX && c.SubsamplingY:
		return "4:2:0"
	case c.SubsamplingX:
		return "4:2:2"
	}
	return "4:4:4"
}

// Info describes an AVIF file.
type Info struct {
	Width, Height int
	Grid          bool
	HasAlpha      bool
	Config        Config
	Meta          raster.Metadata
}

// Inspect parses the container and the codec headers of the primary item.
func Inspect(data []byte) (*Info, error) {
	f, err := heif.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("avif: %w", err)
	}
	if !f.FileType.HasBrand(brandAVIF) && !f.FileType.HasBrand(brandAVIS) {
		return nil, fmt.Errorf("avif: %w: brand %q", codecerr.ErrInvalidFormat, f.FileType.Major)
	}
	it, err := f.PrimaryItem()
	if err != nil {
		return nil, fmt.Errorf("avif: %w", err)
	}
	w, h, err := f.Size(it)
	if err != nil {
		return nil, fmt.Errorf("avif: %w", err)
	}
	info := &Info{Width: w, Height: h}
	switch it.Type {
	case heif.ItemAV01:
		if err := info.readCodec(f, data, it); err != nil {
			return nil, fmt.Errorf("avif: %w", err)
		}
	case heif.ItemGrid:
		info.Grid = true
	default:
		return nil, fmt.Errorf("avif: %w: primary item type %q", codecerr.ErrUnsupported, it.Type)
	}
	_, info.HasAlpha = f.AlphaItem()

	m := &info.Meta
	m.ICC = f.ICC(it)
	m.EXIF = f.Exif(data)
	m.XMP = f.XMP(data)
	m.SetExtra("brand", string(f.FileType.Major[:]))
	m.SetExtra("codec", "av1")
	if !info.Grid {
		c := &info.Config
		m.SetExtra("profile", strconv.Itoa(c.Profile))
		m.SetExtra("bit_depth", strconv.Itoa(c.BitDepth))
		m.SetExtra("chroma", c.Chroma())
	} else {
		m.SetExtra("grid", "true")
	}
	if info.HasAlpha {
		m.SetExtra("alpha", "auxiliary")
	}
	return info, nil
}

func (info *Info) readCodec(f *heif.File, data []byte, it *heif.Item) error {
	p, ok := f.Property(it, heif.TagAv1C)
	if !ok {
		return fmt.Errorf("%w: item %d has no av1C", codecerr.ErrInvalidFormat, it.ID)
	}
	cfg, configOBUs, err := parseAV1C(p)
	if err != nil {
		return err
	}
	payload, err := f.ItemData(data, it)
	if err != nil {
		return err
	}
	seq, err := findOBU(payload, obuSequenceHeader)
	if err != nil {
		return err
	}
	if seq == nil {
		if seq, err = findOBU(configOBUs, obuSequenceHeader); err != nil {
			return err
		}
	}
	if seq == nil {
		return fmt.Errorf("%w: no AV1 sequence header", codecerr.ErrInvalidFormat)
	}
	s, err := parseSequenceHeader(seq)
	if err != nil {
		return err
	}
	if s.Profile != cfg.Profile || s.BitDepth != cfg.BitDepth || s.Monochrome != cfg.Monochrome {
		return fmt.Errorf("%w: av1C disagrees with the sequence header", codecerr.ErrInvalidFormat)
	}
	if s.MaxWidth < info.Width || s.MaxHeight < info.Height {
		return fmt.Errorf("%w: ispe %dx%d exceeds AV1 frame size %dx%d",
			codecerr.ErrInvalidDimensions, info.Width, info.Height, s.MaxWidth, s.MaxHeight)
	}
	cfg.StillPicture, cfg.ReducedHeader = s.StillPicture, s.ReducedHeader
	cfg.MaxWidth, cfg.MaxHeight = s.MaxWidth, s.MaxHeight
	info.Config = cfg
	return nil
}

// Decode returns a placeholder for the primary image when opts allows it.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	info, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(info.Width, info.Height); err != nil {
		return nil, fmt.Errorf("avif: %w", err)
	}
	if !opts.AllowPlaceholder() {
		return nil, fmt.Errorf("avif: %w: AV1 pixel decoding", codecerr.ErrUnsupported)
	}
	img, err := raster.Placeholder(info.Width, info.Height, opts)
	if err != nil {
		return nil, fmt.Errorf("avif: %w", err)
	}
	img.Meta = info.Meta
	img.Meta.Placeholder = true
	return img, nil
}

// DecodeConfig returns the primary image size.
func DecodeConfig(data []byte) (width, height int, err error) {
	info, err := Inspect(data)
	if err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}

// Encode is not supported: writing AVIF needs an AV1 encoder.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	return nil, fmt.Errorf("avif: %w: encoding", codecerr.ErrUnsupported)
}

// parseAV1C reads an AV1CodecConfigurationRecord and returns the
// configOBUs that follow its fixed part.
func parseAV1C(p []byte) (Config, []byte, error) {
	var c Config
	if len(p) < 4 {
		return c, nil, fmt.Errorf("av1C: %w", codecerr.ErrTruncated)
	}
	if p[0] != 0x81 {
		return c, nil, fmt.Errorf("%w: av1C marker/version 0x%02x", codecerr.ErrInvalidFormat, p[0])
	}
	c.Profile = int(p[1] >> 5)
	c.Level = int(p[1] & 0x1f)
	c.Tier = int(p[2] >> 7)
	c.BitDepth = bitDepth(c.Profile, p[2]&0x40 != 0, p[2]&0x20 != 0)
	c.Monochrome = p[2]&0x10 != 0
	c.SubsamplingX = p[2]&0x08 != 0
	c.SubsamplingY = p[2]&0x04 != 0
	return c, p[4:], nil
}

func bitDepth(profile int, high, twelve bool) int {
	switch {
	case !high:
		return 8
	case profile == 2 && twelve:
		return 12
	}
	return 10
}

// findOBU returns the payload of the first OBU of type typ in a low
// overhead bitstream, or nil when there is none.
func findOBU(p []byte, typ int) ([]byte, error) {
	for len(p) > 0 {
		t, payload, rest, err := nextOBU(p)
		if err != nil {
			return nil, err
		}
		if t == typ {
			return payload, nil
		}
		p = rest
	}
	return nil, nil
}

// nextOBU splits the first OBU off p. An OBU without a size field runs to
// the end of p.
func nextOBU(p []byte) (typ int, payload, rest []byte, err error) {
	h := p[0]
	if h&0x80 != 0 {
		return 0, nil, nil, fmt.Errorf("%w: OBU forbidden bit set", codecerr.ErrInvalidFormat)
	}
	typ = int(h >> 3 & 0x0f)
	n := 1
	if h&0x04 != 0 {
		n++ // extension header
	}
	if len(p) < n {
		return 0, nil, nil, fmt.Errorf("OBU header: %w", codecerr.ErrTruncated)
	}
	if h&0x02 == 0 {
		return typ, p[n:], nil, nil
	}
	size, k, err := leb128(p[n:])
	if err != nil {
		return 0, nil, nil, err
	}
	n += k
	if size > uint64(len(p)-n) {
		return 0, nil, nil, fmt.Errorf("OBU of %d bytes: %w", size, codecerr.ErrTruncated)
	}
	end := n + int(size)
	return typ, p[n:end], p[end:], nil
}

// leb128 reads an unsigned LEB128 value of at most 8 bytes.
func leb128(p []byte) (v uint64, n int, err error) {
	for i := 0; i < 8; i++ {
		if i >= len(p) {
			return 0, 0, fmt.Errorf("leb128: %w", codecerr.ErrTruncated)
		}
		v |= uint64(p[i]&0x7f) << (7 * i)
		if p[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: leb128 longer than 8 bytes", codecerr.ErrInvalidFormat)
}

// bits wraps an MSBReader and keeps the first error.
type bits struct {
	r   *bitio.MSBReader
	err error
}

func (b *bits) u(n int) int {
	if b.err != nil {
		return 0
	}
	v, err := b.r.ReadBits(n)
	if err != nil {
		b.err = err
	}
	return int(v)
}

func (b *bits) flag() bool { return b.u(1) == 1 }

func (b *bits) uvlc() {
	if b.err == nil {
		_, b.err = b.r.ReadUE()
	}
}

// sequenceHeader holds the fields of an AV1 sequence header OBU up to
// and including the colour configuration's depth and monochrome flag.
type sequenceHeader struct {
	Profile       int
	StillPicture  bool
	ReducedHeader bool
	MaxWidth      int
	MaxHeight     int
	BitDepth      int
	Monochrome    bool
}

func parseSequenceHeader(p []byte) (*sequenceHeader, error) {
	b := &bits{r: bitio.NewMSBReader(p)}
	s := &sequenceHeader{}
	s.Profile = b.u(3)
	s.StillPicture = b.flag()
	s.ReducedHeader = b.flag()
	if s.Profile > 2 && b.err == nil {
		return nil, fmt.Errorf("%w: AV1 profile %d", codecerr.ErrInvalidFormat, s.Profile)
	}
	if s.ReducedHeader {
		if !s.StillPicture {
			return nil, fmt.Errorf("%w: reduced sequence header on a non-still picture", codecerr.ErrInvalidFormat)
		}
		b.u(5) // seq_level_idx[0]
	} else {
		decoderModel := false
		bufferDelayLen := 0
		if b.flag() { // timing_info_present_flag
			b.u(32) // num_units_in_display_tick
			b.u(32) // time_scale
			if b.flag() {
				b.uvlc() // num_ticks_per_picture_minus_1
			}
			if decoderModel = b.flag(); decoderModel {
				bufferDelayLen = b.u(5) + 1
				b.u(32) // num_units_in_decoding_tick
				b.u(5)  // buffer_removal_time_length_minus_1
				b.u(5)  // frame_presentation_time_length_minus_1
			}
		}
		initialDelay := b.flag()
		ops := b.u(5) + 1
		for i := 0; i < ops && b.err == nil; i++ {
			b.u(12) // operating_point_idc
			if b.u(5) > 7 {
				b.u(1) // seq_tier
			}
			if decoderModel && b.flag() {
				b.u(bufferDelayLen) // decoder_buffer_delay
				b.u(bufferDelayLen) // encoder_buffer_delay
				b.u(1)              // low_delay_mode_flag
			}
			if initialDelay && b.flag() {
				b.u(4)
			}
		}
	}
	wBits := b.u(4) + 1
	hBits := b.u(4) + 1
	s.MaxWidth = b.u(wBits) + 1
	s.MaxHeight = b.u(hBits) + 1

	if !s.ReducedHeader && b.flag() { // frame_id_numbers_present_flag
		b.u(4 + 3)
	}
	b.u(3) // use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter
	if !s.ReducedHeader {
		b.u(4) // interintra, masked compound, warped motion, dual filter
		orderHint := b.flag()
		if orderHint {
			b.u(2) // jnt_comp, ref_frame_mvs
		}
		var screenContent int
		if b.flag() { // seq_choose_screen_content_tools
			screenContent = 2
		} else {
			screenContent = b.u(1)
		}
		if screenContent > 0 && !b.flag() { // seq_choose_integer_mv
			b.u(1) // seq_force_integer_mv
		}
		if orderHint {
			b.u(3) // order_hint_bits_minus_1
		}
	}
	b.u(3) // superres, cdef, restoration

	high := b.flag()
	twelve := false
	if s.Profile == 2 && high {
		twelve = b.flag()
	}
	s.BitDepth = bitDepth(s.Profile, high, twelve)
	if s.Profile != 1 {
		s.Monochrome = b.flag()
	}
	if b.err != nil {
		return nil, fmt.Errorf("sequence header: %w", b.err)
	}
	return s, nil
}
