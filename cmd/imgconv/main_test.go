package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepteams/imgcodec"
	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// runImgconv executes the command in-process with the given arguments and
// optional stdin data.
func runImgconv(t *testing.T, stdin []byte, args ...string) (stdout, stderr []byte, err error) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	err = run(args, bytes.NewReader(stdin), &outBuf, &errBuf)
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// createTestImage writes a small 8x8 gradient in format f to dir and
// returns the file path.
func createTestImage(t *testing.T, dir string, f imgcodec.Format) string {
	t.Helper()
	img := raster.New(8, 8, raster.RGBA8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			i := img.PixOffset(x, y)
			copy(img.Pix[i:], []byte{uint8(x * 32), uint8(y * 32), 128, 255})
		}
	}
	data, err := imgcodec.Encode(img, f, nil)
	if err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	path := filepath.Join(dir, "input"+f.Extension())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing test image: %v", err)
	}
	return path
}

// decodeFile decodes path and checks its format.
func decodeFile(t *testing.T, path string, want imgcodec.Format) *raster.Image {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	img, f, err := imgcodec.Decode(data, nil)
	if err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	if f != want {
		t.Errorf("%s: format %v, want %v", path, f, want)
	}
	return img
}

// --- convert tests ---

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		args []string
		out  string
		want imgcodec.Format
	}{
		{"by extension", []string{"-o", "out.qoi"}, "out.qoi", imgcodec.QOI},
		{"by flag", []string{"-f", "tga", "-o", "out.bin"}, "out.bin", imgcodec.TGA},
		{"default name", []string{"-f", "bmp"}, "input.bmp", imgcodec.BMP},
		{"default format", nil, "input.png", imgcodec.PNG},
		{"compression", []string{"-compression", "lzw", "-o", "out.tif"}, "out.tif", imgcodec.TIFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			wd, err := os.Getwd()
			if err != nil {
				t.Fatal(err)
			}
			if err := os.Chdir(dir); err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { os.Chdir(wd) })
			in := createTestImage(t, dir, imgcodec.PNM)
			args := append([]string{"convert"}, tt.args...)
			if _, stderr, err := runImgconv(t, nil, append(args, in)...); err != nil {
				t.Fatalf("convert failed: %v\n%s", err, stderr)
			}
			img := decodeFile(t, filepath.Join(dir, tt.out), tt.want)
			if img.Width != 8 || img.Height != 8 {
				t.Errorf("size %dx%d", img.Width, img.Height)
			}
		})
	}
}

func TestConvertStdinStdout(t *testing.T) {
	dir := t.TempDir()
	data, err := os.ReadFile(createTestImage(t, dir, imgcodec.PNG))
	if err != nil {
		t.Fatal(err)
	}
	stdout, stderr, err := runImgconv(t, data, "convert", "-f", "webp", "-o", "-", "-")
	if err != nil {
		t.Fatalf("convert failed: %v\n%s", err, stderr)
	}
	if imgcodec.Sniff(stdout) != imgcodec.WebP {
		t.Fatalf("stdout is not WebP: % x", stdout[:min(len(stdout), 12)])
	}
}

func TestConvertResize(t *testing.T) {
	dir := t.TempDir()
	in := createTestImage(t, dir, imgcodec.PNG)
	out := filepath.Join(dir, "small.png")
	if _, stderr, err := runImgconv(t, nil, "convert", "-resize", "4x0", "-o", out, in); err != nil {
		t.Fatalf("convert failed: %v\n%s", err, stderr)
	}
	img := decodeFile(t, out, imgcodec.PNG)
	if img.Width != 4 || img.Height != 4 {
		t.Errorf("size %dx%d, want 4x4", img.Width, img.Height)
	}
}

func TestConvertExtensionFallback(t *testing.T) {
	// TGA has no signature; a .tga name is enough to decode it.
	dir := t.TempDir()
	in := createTestImage(t, dir, imgcodec.TGA)
	out := filepath.Join(dir, "out.png")
	if _, stderr, err := runImgconv(t, nil, "convert", "-o", out, in); err != nil {
		t.Fatalf("convert failed: %v\n%s", err, stderr)
	}
	decodeFile(t, out, imgcodec.PNG)
}

func TestConvertConfigFile(t *testing.T) {
	dir := t.TempDir()
	in := createTestImage(t, dir, imgcodec.PNG)
	cfgPath := filepath.Join(dir, "cfg.json")
	cfg := fmt.Sprintf(`{"output_dir": %q, "log_level": "debug", "max_pixels": 10}`, filepath.Join(dir, "converted"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	// The configured limit rejects the 64-pixel input.
	_, _, err := runImgconv(t, nil, "convert", "-config", cfgPath, "-o", "a.qoi", in)
	if !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Fatalf("err = %v, want invalid dimensions", err)
	}

	// An explicit flag overrides it, and the output lands in output_dir.
	_, stderr, err := runImgconv(t, nil, "convert", "-config", cfgPath, "-max-pixels", "0", "-o", "a.qoi", in)
	if err != nil {
		t.Fatalf("convert failed: %v\n%s", err, stderr)
	}
	decodeFile(t, filepath.Join(dir, "converted", "a.qoi"), imgcodec.QOI)
	if !strings.Contains(string(stderr), "level=DEBUG") {
		t.Errorf("debug logging from the config file not applied:\n%s", stderr)
	}
}

func TestConvertErrors(t *testing.T) {
	dir := t.TempDir()
	in := createTestImage(t, dir, imgcodec.PNG)
	bad := filepath.Join(dir, "bad.png")
	if err := os.WriteFile(bad, []byte("\x89PNG\r\n\x1a\n\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		args []string
		kind error
		code int
	}{
		{"missing input", []string{"convert"}, nil, 1},
		{"unknown format", []string{"convert", "-f", "xyz", in}, nil, 1},
		{"unknown extension", []string{"convert", "-o", "out.xyz", in}, nil, 1},
		{"read only format", []string{"convert", "-f", "avif", in}, codecerr.ErrUnsupported, 4},
		{"bad resize", []string{"convert", "-resize", "0x0", "-o", filepath.Join(dir, "r.png"), in}, nil, 1},
		{"truncated", []string{"convert", "-o", filepath.Join(dir, "t.png"), bad}, codecerr.ErrTruncated, 2},
		{"no file", []string{"convert", filepath.Join(dir, "missing.png")}, nil, 1},
		{"unknown command", []string{"shrink"}, nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runImgconv(t, nil, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.kind != nil && !errors.Is(err, tt.kind) {
				t.Errorf("err = %v, want %v", err, tt.kind)
			}
			if got := exitCode(err); got != tt.code {
				t.Errorf("exit code %d, want %d", got, tt.code)
			}
		})
	}
}

// --- frames tests ---

func TestFrames(t *testing.T) {
	dir := t.TempDir()
	img := raster.New(4, 4, raster.RGBA8)
	colors := [][4]byte{{255, 0, 0, 255}, {0, 0, 255, 255}}
	for _, c := range colors {
		f := raster.NewFrame(4, 4)
		for i := 0; i < len(f.Pix); i += 4 {
			copy(f.Pix[i:], c[:])
		}
		f.Delay = 100 * time.Millisecond
		img.Frames = append(img.Frames, f)
	}
	copy(img.Pix, img.Frames[0].Pix)
	data, err := imgcodec.Encode(img, imgcodec.GIF, nil)
	if err != nil {
		t.Fatal(err)
	}
	in := filepath.Join(dir, "anim.gif")
	if err := os.WriteFile(in, data, 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(dir, "frames")
	if _, stderr, err := runImgconv(t, nil, "frames", "-d", outDir, "-f", "qoi", "-thumb", "2", in); err != nil {
		t.Fatalf("frames failed: %v\n%s", err, stderr)
	}
	for i, c := range colors {
		frame := decodeFile(t, filepath.Join(outDir, fmt.Sprintf("anim_%03d.qoi", i)), imgcodec.QOI)
		if frame.Width != 2 || frame.Height != 2 {
			t.Errorf("frame %d: size %dx%d", i, frame.Width, frame.Height)
		}
		if got := frame.NRGBAAt(1, 1); got.R != c[0] || got.B != c[2] {
			t.Errorf("frame %d: pixel %v, want %v", i, got, c)
		}
	}
	if _, err := os.Stat(filepath.Join(outDir, "anim_002.qoi")); err == nil {
		t.Error("unexpected third frame")
	}
}

func TestFramesStill(t *testing.T) {
	dir := t.TempDir()
	in := createTestImage(t, dir, imgcodec.PNG)
	if _, stderr, err := runImgconv(t, nil, "frames", "-d", dir, in); err != nil {
		t.Fatalf("frames failed: %v\n%s", err, stderr)
	}
	decodeFile(t, filepath.Join(dir, "input_000.png"), imgcodec.PNG)
}

// --- info tests ---

func TestInfo(t *testing.T) {
	dir := t.TempDir()
	in := createTestImage(t, dir, imgcodec.PNG)
	stdout, stderr, err := runImgconv(t, nil, "info", in)
	if err != nil {
		t.Fatalf("info failed: %v\n%s", err, stderr)
	}
	for _, want := range []string{"Format:     png", "Dimensions: 8 x 8", "Alpha:      false", "Animation:  false"} {
		if !strings.Contains(string(stdout), want) {
			t.Errorf("missing %q in:\n%s", want, stdout)
		}
	}
}

func TestInfoHeaderOnly(t *testing.T) {
	// An 8x4 RGB FLIF header from stdin.
	stdout, stderr, err := runImgconv(t, []byte("FLIF\x331\x07\x03\x00"), "info", "-")
	if err != nil {
		t.Fatalf("info failed: %v\n%s", err, stderr)
	}
	for _, want := range []string{"File:       <stdin>", "Format:     flif", "Dimensions: 8 x 4", "Pixels:     not decoded", "codec:      flif"} {
		if !strings.Contains(string(stdout), want) {
			t.Errorf("missing %q in:\n%s", want, stdout)
		}
	}
}

// --- helpers ---

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		w, h int
		ok   bool
	}{
		{"10x20", 10, 20, true},
		{"10X0", 10, 0, true},
		{"0x5", 0, 5, true},
		{"0x0", 0, 0, false},
		{"-1x5", 0, 0, false},
		{"10", 0, 0, false},
		{"ax5", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, err := parseSize(tt.in)
		if (err == nil) != tt.ok || w != tt.w || h != tt.h {
			t.Errorf("parseSize(%q) = %d, %d, %v", tt.in, w, h, err)
		}
	}
}

func TestOutputFormat(t *testing.T) {
	tests := []struct {
		name, out string
		want      imgcodec.Format
		ok        bool
	}{
		{"", "", imgcodec.PNG, true},
		{"", "-", imgcodec.PNG, true},
		{"", "a.JPG", imgcodec.JPEG, true},
		{"qoi", "a.png", imgcodec.QOI, true},
		{"", "a.unknown", imgcodec.Unknown, false},
		{"nope", "", imgcodec.Unknown, false},
	}
	for _, tt := range tests {
		got, err := outputFormat(tt.name, tt.out)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("outputFormat(%q, %q) = %v, %v", tt.name, tt.out, got, err)
		}
	}
}

func TestHelp(t *testing.T) {
	stdout, _, err := runImgconv(t, nil, "help")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(stdout), "Writable formats: png, jpeg") {
		t.Errorf("usage missing format list:\n%s", stdout)
	}
}
