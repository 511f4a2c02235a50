package imgcodec

import (
	"testing"
)

func benchmarkEncode(b *testing.B, f Format) {
	img := gradient(640, 480)
	var n int
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := Encode(img, f, nil)
		if err != nil {
			b.Fatal(err)
		}
		n = len(data)
	}
	b.SetBytes(int64(n))
}

func benchmarkDecode(b *testing.B, f Format) {
	data, err := Encode(gradient(640, 480), f, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := Decode(data, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodePNG(b *testing.B)  { benchmarkEncode(b, PNG) }
func BenchmarkEncodeJPEG(b *testing.B) { benchmarkEncode(b, JPEG) }
func BenchmarkEncodeGIF(b *testing.B)  { benchmarkEncode(b, GIF) }
func BenchmarkEncodeWebP(b *testing.B) { benchmarkEncode(b, WebP) }
func BenchmarkEncodeQOI(b *testing.B)  { benchmarkEncode(b, QOI) }
func BenchmarkEncodeTIFF(b *testing.B) { benchmarkEncode(b, TIFF) }

func BenchmarkDecodePNG(b *testing.B)  { benchmarkDecode(b, PNG) }
func BenchmarkDecodeJPEG(b *testing.B) { benchmarkDecode(b, JPEG) }
func BenchmarkDecodeGIF(b *testing.B)  { benchmarkDecode(b, GIF) }
func BenchmarkDecodeWebP(b *testing.B) { benchmarkDecode(b, WebP) }
func BenchmarkDecodeQOI(b *testing.B)  { benchmarkDecode(b, QOI) }
func BenchmarkDecodeTIFF(b *testing.B) { benchmarkDecode(b, TIFF) }
func BenchmarkDecodeEXR(b *testing.B)  { benchmarkDecode(b, EXR) }
