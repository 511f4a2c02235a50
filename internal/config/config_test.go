package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deepteams/imgcodec/raster"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imgconv.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{"log_level": "debug", "quality": 90, "compression": "LZW",
		"placeholder": true, "max_pixels": 1000, "max_frames": 4, "output_dir": "out"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Quality != 90 || !cfg.Placeholder || cfg.OutputDir != "out" {
		t.Errorf("unexpected config %+v", cfg)
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Compression != raster.CompressionLZW || opts.Limits.MaxPixels != 1000 || opts.Limits.MaxFrames != 4 {
		t.Errorf("unexpected options %+v", opts)
	}
	if l := opts.GetLimits(); l.MaxDimension != raster.DefaultMaxDimension {
		t.Errorf("zero max_dimension should take the default, got %d", l.MaxDimension)
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(originalDir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("expected the zero config for a missing default file, got %+v", cfg)
	}
	if _, err := Load("missing.json"); err == nil {
		t.Error("an explicitly named missing file should fail")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `{"quality": }`},
		{"quality", `{"quality": 101}`},
		{"limits", `{"max_frames": -1}`},
		{"compression", `{"compression": "zstd"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in   string
		want raster.Compression
	}{
		{"", raster.CompressionDefault},
		{"none", raster.CompressionNone},
		{" RLE ", raster.CompressionRLE},
		{"deflate", raster.CompressionDeflate},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseCompression(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestResolveOutputPath(t *testing.T) {
	cfg := &Config{OutputDir: "converted"}
	tests := []struct {
		in   string
		cfg  *Config
		want string
	}{
		{"a.png", cfg, filepath.Join("converted", "a.png")},
		{"a.png", nil, "a.png"},
		{"-", cfg, "-"},
		{filepath.Join("dir", "a.png"), cfg, filepath.Join("dir", "a.png")},
	}
	for _, tt := range tests {
		if got := ResolveOutputPath(tt.in, tt.cfg); got != tt.want {
			t.Errorf("ResolveOutputPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
