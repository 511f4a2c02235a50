// Package heic reads the structure of HEIC files: the HEIF item model,
// the HEVC decoder configuration (hvcC) and the sequence parameter set it
// carries.
//
// HEVC pixel data is not decoded. Decode fails with ErrUnsupported unless
// Options.Placeholder is set.
package heic

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/internal/heif"
	"github.com/deepteams/imgcodec/raster"
)

// Brands accepted as HEIC.
var brands = []container.FourCC{
	container.Tag("heic"),
	container.Tag("heix"),
	container.Tag("heim"),
	container.Tag("heis"),
	container.Tag("hevc"),
	container.Tag("hevx"),
	container.Tag("mif1"),
}

const (
	nalSPS         = 33
	hvcCHeaderSize = 23
	maxSubLayers   = 7
)

// Config is the HEVC configuration of the primary image.
type Config struct {
	ProfileSpace   int
	Tier           int
	Profile        int
	Level          int // general_level_idc, 30 times the level number
	ChromaFormat   int // 0 monochrome, 1 4:2:0, 2 4:2:2, 3 4:4:4
	BitDepthLuma   int
	BitDepthChroma int
	LengthSize     int // NAL unit length prefix in bytes

	// Coded picture size from the SPS, after the conformance window.
	Width, Height int
}

// LevelString formats Level as major.minor.
func (c *Config) LevelString() string {
	return fmt.Sprintf("%d.%d", c.Level/30, c.Level%30/3)
}

// Chroma returns the chroma format as a J:a:b string.
func (c *Config) Chroma() string {
	switch c.ChromaFormat {
	case 0:
		return "4:0:0"
	case 1:
		return "4:2:0"
	case 2:
		return "4:2:2"
	}
	return "4:4:4"
}

// Info describes a HEIC file.
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
		return nil, fmt.Errorf("heic: %w", err)
	}
	if !hasBrand(f.FileType) {
		return nil, fmt.Errorf("heic: %w: brand %q", codecerr.ErrInvalidFormat, f.FileType.Major)
	}
	it, err := f.PrimaryItem()
	if err != nil {
		return nil, fmt.Errorf("heic: %w", err)
	}
	w, h, err := f.Size(it)
	if err != nil {
		return nil, fmt.Errorf("heic: %w", err)
	}
	info := &Info{Width: w, Height: h}
	switch it.Type {
	case heif.ItemHVC1:
		p, ok := f.Property(it, heif.TagHvcC)
		if !ok {
			return nil, fmt.Errorf("heic: %w: item %d has no hvcC", codecerr.ErrInvalidFormat, it.ID)
		}
		if info.Config, err = parseHvcC(p); err != nil {
			return nil, fmt.Errorf("heic: %w", err)
		}
		if c := &info.Config; c.Width < w || c.Height < h {
			return nil, fmt.Errorf("heic: %w: ispe %dx%d exceeds SPS picture %dx%d",
				codecerr.ErrInvalidDimensions, w, h, c.Width, c.Height)
		}
	case heif.ItemGrid:
		info.Grid = true
	default:
		return nil, fmt.Errorf("heic: %w: primary item type %q", codecerr.ErrUnsupported, it.Type)
	}
	_, info.HasAlpha = f.AlphaItem()

	m := &info.Meta
	m.ICC = f.ICC(it)
	m.EXIF = f.Exif(data)
	m.XMP = f.XMP(data)
	m.SetExtra("brand", string(f.FileType.Major[:]))
	m.SetExtra("codec", "hevc")
	if info.Grid {
		m.SetExtra("grid", "true")
	} else {
		c := &info.Config
		m.SetExtra("profile", strconv.Itoa(c.Profile))
		m.SetExtra("level", c.LevelString())
		m.SetExtra("bit_depth", strconv.Itoa(c.BitDepthLuma))
		m.SetExtra("chroma", c.Chroma())
	}
	if info.HasAlpha {
		m.SetExtra("alpha", "auxiliary")
	}
	return info, nil
}

func hasBrand(ft container.FileType) bool {
	for _, b := range brands {
		if ft.HasBrand(b) {
			return true
		}
	}
	return false
}

// Decode returns a placeholder for the primary image when opts allows it.
func Decode(data []byte, opts *raster.Options) (*raster.Image, error) {
	info, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	if err := opts.CheckDimensions(info.Width, info.Height); err != nil {
		return nil, fmt.Errorf("heic: %w", err)
	}
	if !opts.AllowPlaceholder() {
		return nil, fmt.Errorf("heic: %w: HEVC pixel decoding", codecerr.ErrUnsupported)
	}
	img, err := raster.Placeholder(info.Width, info.Height, opts)
	if err != nil {
		return nil, fmt.Errorf("heic: %w", err)
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

// Encode is not supported: writing HEIC needs an HEVC encoder.
func Encode(img *raster.Image, opts *raster.Options) ([]byte, error) {
	return nil, fmt.Errorf("heic: %w: encoding", codecerr.ErrUnsupported)
}

// parseHvcC reads an HEVCDecoderConfigurationRecord and the first SPS in
// its NAL unit arrays.
func parseHvcC(p []byte) (Config, error) {
	var c Config
	if len(p) < hvcCHeaderSize {
		return c, fmt.Errorf("hvcC: %w", codecerr.ErrTruncated)
	}
	if p[0] != 1 {
		return c, fmt.Errorf("%w: hvcC version %d", codecerr.ErrInvalidFormat, p[0])
	}
	c.ProfileSpace = int(p[1] >> 6)
	c.Tier = int(p[1] >> 5 & 1)
	c.Profile = int(p[1] & 0x1f)
	c.Level = int(p[12])
	c.ChromaFormat = int(p[16] & 3)
	c.BitDepthLuma = int(p[17]&7) + 8
	c.BitDepthChroma = int(p[18]&7) + 8
	c.LengthSize = int(p[21]&3) + 1

	var spsNAL []byte
	arrays, rest := int(p[22]), p[hvcCHeaderSize:]
	for i := 0; i < arrays; i++ {
		if len(rest) < 3 {
			return c, fmt.Errorf("hvcC array: %w", codecerr.ErrTruncated)
		}
		typ := rest[0] & 0x3f
		n := int(binary.BigEndian.Uint16(rest[1:]))
		rest = rest[3:]
		for j := 0; j < n; j++ {
			if len(rest) < 2 {
				return c, fmt.Errorf("hvcC NAL unit: %w", codecerr.ErrTruncated)
			}
			size := int(binary.BigEndian.Uint16(rest))
			if len(rest)-2 < size {
				return c, fmt.Errorf("hvcC NAL unit of %d bytes: %w", size, codecerr.ErrTruncated)
			}
			if typ == nalSPS && spsNAL == nil {
				spsNAL = rest[2 : 2+size]
			}
			rest = rest[2+size:]
		}
	}
	if spsNAL == nil {
		return c, fmt.Errorf("%w: hvcC has no SPS", codecerr.ErrInvalidFormat)
	}
	s, err := parseSPS(spsNAL)
	if err != nil {
		return c, err
	}
	if s.chromaFormat != c.ChromaFormat || s.bitDepthLuma != c.BitDepthLuma || s.bitDepthChroma != c.BitDepthChroma {
		return c, fmt.Errorf("%w: hvcC disagrees with the SPS", codecerr.ErrInvalidFormat)
	}
	c.Width, c.Height = s.width, s.height
	return c, nil
}

// spsReader wraps an MSBReader and keeps the first error.
type spsReader struct {
	r   *bitio.MSBReader
	err error
}

func (b *spsReader) u(n int) int {
	if b.err != nil {
		return 0
	}
	v, err := b.r.ReadBits(n)
	if err != nil {
		b.err = err
	}
	return int(v)
}

func (b *spsReader) flag() bool { return b.u(1) == 1 }

// ue reads an Exp-Golomb value bounded to 32 bits.
func (b *spsReader) ue() int {
	if b.err != nil {
		return 0
	}
	v, err := b.r.ReadUE()
	if err != nil {
		b.err = err
		return 0
	}
	if v > 1<<32-2 {
		b.err = fmt.Errorf("%w: exp-golomb value %d", codecerr.ErrInvalidFormat, v)
		return 0
	}
	return int(v)
}

type sps struct {
	chromaFormat   int
	width, height  int
	bitDepthLuma   int
	bitDepthChroma int
}

// parseSPS reads a sequence parameter set NAL unit up to the bit depths.
func parseSPS(nal []byte) (*sps, error) {
	if len(nal) < 2 {
		return nil, fmt.Errorf("SPS: %w", codecerr.ErrTruncated)
	}
	if typ := nal[0] >> 1 & 0x3f; typ != nalSPS {
		return nil, fmt.Errorf("%w: NAL unit type %d, want SPS", codecerr.ErrInvalidFormat, typ)
	}
	b := &spsReader{r: bitio.NewMSBReader(unescape(nal[2:]))}
	b.u(4) // sps_video_parameter_set_id
	subLayers := b.u(3)
	b.u(1) // sps_temporal_id_nesting_flag
	if subLayers >= maxSubLayers {
		return nil, fmt.Errorf("%w: %d sub-layers", codecerr.ErrInvalidFormat, subLayers+1)
	}
	skipProfileTierLevel(b, subLayers)
	b.ue() // sps_seq_parameter_set_id

	s := &sps{chromaFormat: b.ue()}
	if s.chromaFormat > 3 {
		return nil, fmt.Errorf("%w: chroma_format_idc %d", codecerr.ErrInvalidFormat, s.chromaFormat)
	}
	if s.chromaFormat == 3 {
		b.u(1) // separate_colour_plane_flag
	}
	s.width, s.height = b.ue(), b.ue()
	var left, right, top, bottom int
	if b.flag() { // conformance_window_flag
		left, right, top, bottom = b.ue(), b.ue(), b.ue(), b.ue()
	}
	s.bitDepthLuma = b.ue() + 8
	s.bitDepthChroma = b.ue() + 8
	if b.err != nil {
		return nil, fmt.Errorf("SPS: %w", b.err)
	}

	subW, subH := 1, 1
	switch s.chromaFormat {
	case 1:
		subW, subH = 2, 2
	case 2:
		subW = 2
	}
	s.width -= subW * (left + right)
	s.height -= subH * (top + bottom)
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("%w: SPS picture %dx%d", codecerr.ErrInvalidDimensions, s.width, s.height)
	}
	if s.bitDepthLuma > 16 || s.bitDepthChroma > 16 {
		return nil, fmt.Errorf("%w: bit depth %d/%d", codecerr.ErrInvalidFormat, s.bitDepthLuma, s.bitDepthChroma)
	}
	return s, nil
}

// skipProfileTierLevel skips profile_tier_level(1, subLayers).
func skipProfileTierLevel(b *spsReader, subLayers int) {
	b.u(8)  // profile space, tier, profile
	b.u(32) // compatibility flags
	b.u(32) // constraint flags
	b.u(16)
	b.u(8) // general_level_idc
	var profile, level [maxSubLayers]bool
	for i := 0; i < subLayers; i++ {
		profile[i] = b.flag()
		level[i] = b.flag()
	}
	if subLayers > 0 {
		for i := subLayers; i < 8; i++ {
			b.u(2) // reserved_zero_2bits
		}
	}
	for i := 0; i < subLayers; i++ {
		if profile[i] {
			b.u(32)
			b.u(32)
			b.u(24)
		}
		if level[i] {
			b.u(8)
		}
	}
}

// unescape removes emulation prevention bytes: 00 00 03 becomes 00 00.
func unescape(p []byte) []byte {
	out := make([]byte, 0, len(p))
	zeros := 0
	for _, c := range p {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
