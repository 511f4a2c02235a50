package imgcodec

import (
	"path/filepath"
	"strings"

	"github.com/deepteams/imgcodec/formats/avif"
	"github.com/deepteams/imgcodec/formats/bmp"
	"github.com/deepteams/imgcodec/formats/dds"
	"github.com/deepteams/imgcodec/formats/exr"
	"github.com/deepteams/imgcodec/formats/flif"
	"github.com/deepteams/imgcodec/formats/gif"
	"github.com/deepteams/imgcodec/formats/hdr"
	"github.com/deepteams/imgcodec/formats/heic"
	"github.com/deepteams/imgcodec/formats/ico"
	"github.com/deepteams/imgcodec/formats/jp2"
	"github.com/deepteams/imgcodec/formats/jpeg"
	"github.com/deepteams/imgcodec/formats/jxl"
	"github.com/deepteams/imgcodec/formats/png"
	"github.com/deepteams/imgcodec/formats/pnm"
	"github.com/deepteams/imgcodec/formats/psd"
	"github.com/deepteams/imgcodec/formats/qoi"
	"github.com/deepteams/imgcodec/formats/svg"
	"github.com/deepteams/imgcodec/formats/tga"
	"github.com/deepteams/imgcodec/formats/tiff"
	"github.com/deepteams/imgcodec/formats/webp"
	"github.com/deepteams/imgcodec/raster"
)

// Format identifies a file format.
type Format uint8

// Supported formats.
const (
	Unknown Format = iota
	PNG
	JPEG
	GIF
	BMP
	TIFF
	WebP
	AVIF
	HEIC
	DDS
	EXR
	PSD
	TGA
	QOI
	HDR
	JP2
	FLIF
	JXL
	ICO
	PNM
	SVG
	numFormats
)

// Codec is the capability set of one format adaptor.
type Codec struct {
	Format Format
	// Name is the lower-case name used by image.RegisterFormat and the CLI.
	Name string
	// Extensions lists file extensions with the leading dot, preferred
	// first.
	Extensions []string
	MIMEType   string

	Decode       func(data []byte, opts *raster.Options) (*raster.Image, error)
	DecodeConfig func(data []byte) (width, height int, err error)
	Encode       func(img *raster.Image, opts *raster.Options) ([]byte, error)

	// CanEncode is false where Encode always returns ErrUnsupported.
	CanEncode bool
	// Animated reports whether Decode may fill raster.Image.Frames.
	Animated bool
}

var codecs = [numFormats]Codec{
	PNG:  {PNG, "png", []string{".png", ".apng"}, "image/png", png.Decode, png.DecodeConfig, png.Encode, true, true},
	JPEG: {JPEG, "jpeg", []string{".jpg", ".jpeg", ".jpe", ".jfif"}, "image/jpeg", jpeg.Decode, jpeg.DecodeConfig, jpeg.Encode, true, false},
	GIF:  {GIF, "gif", []string{".gif"}, "image/gif", gif.Decode, gif.DecodeConfig, gif.Encode, true, true},
	BMP:  {BMP, "bmp", []string{".bmp", ".dib"}, "image/bmp", bmp.Decode, bmp.DecodeConfig, bmp.Encode, true, false},
	TIFF: {TIFF, "tiff", []string{".tif", ".tiff"}, "image/tiff", tiff.Decode, tiff.DecodeConfig, tiff.Encode, true, false},
	WebP: {WebP, "webp", []string{".webp"}, "image/webp", webp.Decode, webp.DecodeConfig, webp.Encode, true, true},
	AVIF: {AVIF, "avif", []string{".avif"}, "image/avif", avif.Decode, avif.DecodeConfig, avif.Encode, false, false},
	HEIC: {HEIC, "heic", []string{".heic", ".heif"}, "image/heic", heic.Decode, heic.DecodeConfig, heic.Encode, false, false},
	DDS:  {DDS, "dds", []string{".dds"}, "image/vnd-ms.dds", dds.Decode, dds.DecodeConfig, dds.Encode, true, false},
	EXR:  {EXR, "exr", []string{".exr"}, "image/x-exr", exr.Decode, exr.DecodeConfig, exr.Encode, true, false},
	PSD:  {PSD, "psd", []string{".psd"}, "image/vnd.adobe.photoshop", psd.Decode, psd.DecodeConfig, psd.Encode, true, false},
	TGA:  {TGA, "tga", []string{".tga", ".icb", ".vda", ".vst"}, "image/x-tga", tga.Decode, tga.DecodeConfig, tga.Encode, true, false},
	QOI:  {QOI, "qoi", []string{".qoi"}, "image/qoi", qoi.Decode, qoi.DecodeConfig, qoi.Encode, true, false},
	HDR:  {HDR, "hdr", []string{".hdr", ".pic", ".rgbe"}, "image/vnd.radiance", hdr.Decode, hdr.DecodeConfig, hdr.Encode, true, false},
	JP2:  {JP2, "jp2", []string{".jp2", ".j2k", ".j2c", ".jpf", ".jpx"}, "image/jp2", jp2.Decode, jp2.DecodeConfig, jp2.Encode, false, false},
	FLIF: {FLIF, "flif", []string{".flif"}, "image/flif", flif.Decode, flif.DecodeConfig, flif.Encode, false, false},
	JXL:  {JXL, "jxl", []string{".jxl"}, "image/jxl", jxl.Decode, jxl.DecodeConfig, jxl.Encode, false, false},
	ICO:  {ICO, "ico", []string{".ico", ".cur"}, "image/x-icon", ico.Decode, ico.DecodeConfig, ico.Encode, true, false},
	PNM:  {PNM, "pnm", []string{".ppm", ".pgm", ".pbm", ".pnm"}, "image/x-portable-anymap", pnm.Decode, pnm.DecodeConfig, pnm.Encode, true, false},
	SVG:  {SVG, "svg", []string{".svg"}, "image/svg+xml", svg.Decode, svg.DecodeConfig, svg.Encode, true, false},
}

// Formats returns every supported format in declaration order.
func Formats() []Format {
	out := make([]Format, 0, numFormats-1)
	for f := PNG; f < numFormats; f++ {
		out = append(out, f)
	}
	return out
}

// Codec returns the adaptor for f, or nil for Unknown and out of range
// values.
func (f Format) Codec() *Codec {
	if f == Unknown || f >= numFormats {
		return nil
	}
	return &codecs[f]
}

func (f Format) String() string {
	if c := f.Codec(); c != nil {
		return c.Name
	}
	return "unknown"
}

// Extension returns the preferred file extension, with the dot.
func (f Format) Extension() string {
	if c := f.Codec(); c != nil {
		return c.Extensions[0]
	}
	return ""
}

// FormatFromExt maps a file name or bare extension to a format. Matching
// ignores case; "x.JPG", ".jpg" and "jpg" all give JPEG.
func FormatFromExt(name string) Format {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = "." + strings.ToLower(name)
	}
	for i := range codecs {
		for _, e := range codecs[i].Extensions {
			if e == ext {
				return codecs[i].Format
			}
		}
	}
	return Unknown
}

// ParseFormat maps a format name such as "png" or "webp" to a format.
// Extensions are accepted too.
func ParseFormat(s string) Format {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := range codecs {
		if codecs[i].Name != "" && codecs[i].Name == s {
			return codecs[i].Format
		}
	}
	return FormatFromExt(s)
}
