// Package imgcodec reads and writes raster images in about twenty file
// formats through one in-memory representation, raster.Image.
//
// Every format lives in its own package under formats/ and exposes the
// same pair of operations:
//
//	func Decode(data []byte, opts *raster.Options) (*raster.Image, error)
//	func Encode(img *raster.Image, opts *raster.Options) ([]byte, error)
//
// This package sniffs the format of a buffer and dispatches to the right
// adaptor:
//
//	img, format, err := imgcodec.Decode(data, nil)
//	out, err := imgcodec.Encode(img, imgcodec.PNG, nil)
//
// Formats the standard library does not know are registered with the
// image package, so importing imgcodec lets image.Decode read them.
//
// Errors wrap the kinds in package codecerr. AVIF, HEIC, JPEG 2000, JPEG XL
// and FLIF payloads are not decoded; their headers are parsed and, when
// raster.Options.Placeholder is set, a mid-gray placeholder of the right
// size is returned instead of ErrUnsupported.
package imgcodec
