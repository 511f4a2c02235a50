// Package codecerr defines the error taxonomy shared by every codec in the
// module.
//
// Primitives (bit readers, entropy coders, container parsers) and format
// adaptors wrap one of the sentinel kinds below with fmt.Errorf and %w, so a
// caller can classify any failure with errors.Is regardless of which format
// produced it.
package codecerr

import "errors"

// Error kinds.
var (
	// ErrTruncated reports a buffer shorter than a declared field or
	// structure requires.
	ErrTruncated = errors.New("truncated data")

	// ErrInvalidFormat reports well-formed input that violates an invariant:
	// wrong magic, bad box size, non-zero reserved field.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidDimensions reports a zero width or height, or one that
	// exceeds the configured limits.
	ErrInvalidDimensions = errors.New("invalid dimensions")

	// ErrUnsupported reports a structurally valid feature this module does
	// not decode or encode.
	ErrUnsupported = errors.New("unsupported feature")

	// ErrDecompression reports an entropy coder whose state became invalid.
	ErrDecompression = errors.New("decompression failed")
)

var kinds = []error{
	ErrTruncated,
	ErrInvalidFormat,
	ErrInvalidDimensions,
	ErrUnsupported,
	ErrDecompression,
}

// KindOf returns the taxonomy kind err wraps, or nil if err wraps none of
// them.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Structural reports whether err is a structural failure (truncated header,
// bad magic, invalid dimensions) that must never be replaced by a
// placeholder image.
func Structural(err error) bool {
	switch KindOf(err) {
	case ErrTruncated, ErrInvalidFormat, ErrInvalidDimensions:
		return true
	}
	return false
}
