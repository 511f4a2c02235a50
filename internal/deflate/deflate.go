// Package deflate wraps zlib streams for the formats that store
// zlib-compressed payloads: PNG IDAT and iCCP, TIFF Deflate strips, EXR
// ZIP blocks and PSD ZIP channels. Raw streams without the zlib wrapper
// serve FLIF metadata chunks.
package deflate

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/deepteams/imgcodec/codecerr"
)

// Compression levels accepted by Compress.
const (
	NoCompression      = zlib.NoCompression
	BestSpeed          = zlib.BestSpeed
	DefaultCompression = zlib.DefaultCompression
	BestCompression    = zlib.BestCompression
)

// Inflate decompresses a zlib stream that must produce exactly size
// bytes. Trailing output beyond size is ignored.
func Inflate(src []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, classify(err)
	}
	defer zr.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// InflateLimit decompresses a zlib stream of unknown length, failing when
// it would produce more than limit bytes.
func InflateLimit(src []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, classify(err)
	}
	defer zr.Close()
	return readLimit(zr, limit)
}

// InflateRawLimit is InflateLimit for a raw deflate stream.
func InflateRawLimit(src []byte, limit int) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(src))
	defer fr.Close()
	return readLimit(fr, limit)
}

func readLimit(r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, classify(err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("deflate: %w: output exceeds %d bytes", codecerr.ErrDecompression, limit)
	}
	return out, nil
}

// Compress returns src as a zlib stream.
func Compress(src []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(src)/2 + 64)
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if _, err := zw.Write(src); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// CompressRaw returns src as a raw deflate stream.
func CompressRaw(src []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if _, err := fw.Write(src); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

func classify(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("deflate: %w", codecerr.ErrTruncated)
	}
	return fmt.Errorf("deflate: %w: %v", codecerr.ErrDecompression, err)
}
