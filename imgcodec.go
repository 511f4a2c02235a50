package imgcodec

import (
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// The standard library registers png, jpeg and gif itself when those
// packages are imported; everything else is registered here.
var registered = []struct {
	format Format
	magics []string
}{
	{BMP, []string{"BM"}},
	{TIFF, []string{"II*\x00", "MM\x00*"}},
	{WebP, []string{"RIFF????WEBP"}},
	{AVIF, []string{"????ftypavif", "????ftypavis"}},
	{HEIC, []string{"????ftypheic", "????ftypheix", "????ftypmif1"}},
	{DDS, []string{"DDS "}},
	{EXR, []string{"\x76\x2f\x31\x01"}},
	{PSD, []string{"8BPS"}},
	{QOI, []string{"qoif"}},
	{HDR, []string{"#?RADIANCE", "#?RGBE"}},
	{JP2, []string{"\x00\x00\x00\x0cjP  \r\n\x87\n", "\xff\x4f\xff\x51"}},
	{FLIF, []string{"FLIF"}},
	{JXL, []string{"\x00\x00\x00\x0cJXL \r\n\x87\n", "\xff\x0a"}},
	{ICO, []string{"\x00\x00\x01\x00"}},
	{PNM, []string{"P1", "P2", "P3", "P4", "P5", "P6"}},
	{SVG, []string{"<svg", "<?xml"}},
}

func init() {
	for _, r := range registered {
		c := r.format.Codec()
		for _, m := range r.magics {
			image.RegisterFormat(c.Name, m, stdDecoder(c), stdConfig(c))
		}
	}
}

// stdDecoder adapts a codec to image.Decode. Placeholders are enabled so
// header-only formats still produce an image of the right size.
func stdDecoder(c *Codec) func(io.Reader) (image.Image, error) {
	return func(r io.Reader) (image.Image, error) {
		data, err := readAll(r)
		if err != nil {
			return nil, fmt.Errorf("%s: reading data: %w", c.Name, err)
		}
		img, err := c.Decode(data, &raster.Options{Placeholder: true})
		if err != nil {
			return nil, err
		}
		return img, nil
	}
}

func stdConfig(c *Codec) func(io.Reader) (image.Config, error) {
	return func(r io.Reader) (image.Config, error) {
		data, err := readAll(r)
		if err != nil {
			return image.Config{}, fmt.Errorf("%s: reading data: %w", c.Name, err)
		}
		w, h, err := c.DecodeConfig(data)
		if err != nil {
			return image.Config{}, err
		}
		return image.Config{ColorModel: color.NRGBAModel, Width: w, Height: h}, nil
	}
}

// readAll reads all data from r. If r implements Len() int (e.g.
// *bytes.Reader), a single exact-sized allocation is used instead of
// the repeated doublings that io.ReadAll performs.
func readAll(r io.Reader) ([]byte, error) {
	if lr, ok := r.(interface{ Len() int }); ok {
		if n := lr.Len(); n > 0 {
			data := make([]byte, n)
			_, err := io.ReadFull(r, data)
			return data, err
		}
	}
	return io.ReadAll(r)
}

func unrecognised(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("imgcodec: empty input: %w", codecerr.ErrTruncated)
	}
	return fmt.Errorf("imgcodec: %w: unrecognised signature % x", codecerr.ErrInvalidFormat, data[:min(len(data), 8)])
}

// Decode sniffs the format of data and decodes it.
func Decode(data []byte, opts *raster.Options) (*raster.Image, Format, error) {
	f := Sniff(data)
	if f == Unknown {
		return nil, Unknown, unrecognised(data)
	}
	img, err := f.Codec().Decode(data, opts)
	if err != nil {
		return nil, f, err
	}
	return img, f, nil
}

// DecodeAs decodes data as format f without sniffing, for formats whose
// signature is weak or absent.
func DecodeAs(data []byte, f Format, opts *raster.Options) (*raster.Image, error) {
	c := f.Codec()
	if c == nil {
		return nil, fmt.Errorf("imgcodec: %w: format %d", codecerr.ErrUnsupported, f)
	}
	return c.Decode(data, opts)
}

// DecodeReader reads r to the end and decodes it.
func DecodeReader(r io.Reader, opts *raster.Options) (*raster.Image, Format, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, Unknown, fmt.Errorf("imgcodec: reading data: %w", err)
	}
	return Decode(data, opts)
}

// Config is the result of DecodeConfig.
type Config struct {
	Format        Format
	Width, Height int
}

// DecodeConfig sniffs data and reads only the image size.
func DecodeConfig(data []byte) (Config, error) {
	f := Sniff(data)
	if f == Unknown {
		return Config{}, unrecognised(data)
	}
	w, h, err := f.Codec().DecodeConfig(data)
	if err != nil {
		return Config{Format: f}, err
	}
	return Config{Format: f, Width: w, Height: h}, nil
}

// Encode writes img in format f.
func Encode(img *raster.Image, f Format, opts *raster.Options) ([]byte, error) {
	c := f.Codec()
	if c == nil {
		return nil, fmt.Errorf("imgcodec: %w: format %d", codecerr.ErrUnsupported, f)
	}
	if img == nil {
		return nil, fmt.Errorf("imgcodec: %w: nil image", codecerr.ErrInvalidDimensions)
	}
	return c.Encode(img, opts)
}

// EncodeImage converts any image.Image to a raster and encodes it.
func EncodeImage(m image.Image, f Format, opts *raster.Options) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("imgcodec: %w: nil image", codecerr.ErrInvalidDimensions)
	}
	img, ok := m.(*raster.Image)
	if !ok {
		img = raster.FromImage(m)
	}
	return Encode(img, f, opts)
}
