package imgcodec

import (
	"bytes"

	"github.com/deepteams/imgcodec/formats/svg"
	"github.com/deepteams/imgcodec/formats/tga"
	"github.com/deepteams/imgcodec/internal/container"
)

// magic is a signature at the start of a file. '?' in sig matches any
// byte.
type magic struct {
	sig    string
	format Format
}

var magics = []magic{
	{"\x89PNG\r\n\x1a\n", PNG},
	{"\xff\xd8\xff", JPEG},
	{"GIF87a", GIF},
	{"GIF89a", GIF},
	{"II*\x00", TIFF},
	{"MM\x00*", TIFF},
	{"RIFF????WEBP", WebP},
	{"DDS ", DDS},
	{"\x76\x2f\x31\x01", EXR},
	{"8BPS", PSD},
	{"qoif", QOI},
	{"#?RADIANCE", HDR},
	{"#?RGBE", HDR},
	{"\x00\x00\x00\x0cjP  \r\n\x87\n", JP2},
	{"\xff\x4f\xff\x51", JP2},
	{"FLIF", FLIF},
	{"\x00\x00\x00\x0cJXL \r\n\x87\n", JXL},
	{"\xff\x0a", JXL},
}

func match(data []byte, sig string) bool {
	if len(data) < len(sig) {
		return false
	}
	for i := 0; i < len(sig); i++ {
		if sig[i] != '?' && data[i] != sig[i] {
			return false
		}
	}
	return true
}

var (
	avifBrands = []string{"avif", "avis"}
	heicBrands = []string{"heic", "heix", "heim", "heis", "hevc", "hevx", "mif1", "msf1"}
	jp2Brands  = []string{"jp2 ", "jpx ", "jph "}
)

// sniffFileType classifies an ISOBMFF file by its ftyp brands. AVIF
// brands win over the generic HEIF ones, which AVIF files also list.
func sniffFileType(data []byte) Format {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return Unknown
	}
	ft, err := container.ParseFileType(data)
	if err != nil {
		return Unknown
	}
	has := func(brands []string) bool {
		for _, b := range brands {
			if ft.HasBrand(container.Tag(b)) {
				return true
			}
		}
		return false
	}
	switch {
	case has(avifBrands):
		return AVIF
	case has(jp2Brands):
		return JP2
	case has(heicBrands):
		return HEIC
	}
	return Unknown
}

// sniffPNM accepts "P1" to "P6" followed by whitespace.
func sniffPNM(data []byte) bool {
	return len(data) >= 3 && data[0] == 'P' && data[1] >= '1' && data[1] <= '6' &&
		bytes.IndexByte([]byte(" \t\r\n"), data[2]) >= 0
}

// sniffICO accepts an icon or cursor directory with at least one entry.
// The count rules out raw true-colour TGA files, whose first four bytes
// can equal a cursor directory.
func sniffICO(data []byte) bool {
	return len(data) >= 6 && data[0] == 0 && data[1] == 0 && (data[2] == 1 || data[2] == 2) &&
		data[3] == 0 && (data[4] != 0 || data[5] != 0)
}

// Sniff identifies the format of data from its leading bytes. An ftyp box
// is checked first. Formats without a signature are tried last: SVG by
// its root element, TGA by the plausibility of its header. BMP's two-byte
// signature is checked after the rest so that it cannot shadow longer
// ones.
func Sniff(data []byte) Format {
	if f := sniffFileType(data); f != Unknown {
		return f
	}
	for _, m := range magics {
		if match(data, m.sig) {
			return m.format
		}
	}
	switch {
	case match(data, "BM"):
		return BMP
	case sniffICO(data):
		return ICO
	case sniffPNM(data):
		return PNM
	case svg.Match(data):
		return SVG
	case tga.LooksLike(data):
		return TGA
	}
	return Unknown
}
