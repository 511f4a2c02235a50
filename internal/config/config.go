// Package config loads the optional JSON configuration file of imgconv.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepteams/imgcodec/raster"
)

// DefaultPath is the file Load reads when no path is given.
const DefaultPath = "imgconv.json"

// Config represents the configuration file structure. Zero values select
// the library defaults; command-line flags override every field.
type Config struct {
	LogLevel     string `json:"log_level"`
	Quality      int    `json:"quality"`
	Compression  string `json:"compression"`
	Placeholder  bool   `json:"placeholder"`
	MaxPixels    int64  `json:"max_pixels"`
	MaxDimension int    `json:"max_dimension"`
	MaxFrames    int    `json:"max_frames"`
	OutputDir    string `json:"output_dir"`
}

// Load reads the configuration at path. An empty path means DefaultPath,
// whose absence yields the default configuration; an explicitly named file
// must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Quality < 0 || c.Quality > 100 {
		return fmt.Errorf("quality %d out of range 0-100", c.Quality)
	}
	if c.MaxPixels < 0 || c.MaxDimension < 0 || c.MaxFrames < 0 {
		return errors.New("limits must not be negative")
	}
	if _, err := ParseCompression(c.Compression); err != nil {
		return err
	}
	return nil
}

// ParseCompression maps a compression name to its raster value. The empty
// string is the default.
func ParseCompression(s string) (raster.Compression, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return raster.CompressionDefault, nil
	}
	for c := raster.CompressionDefault; c <= raster.CompressionDeflate; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q (use none, rle, lzw or deflate)", s)
}

// Options converts the configuration to codec options.
func (c *Config) Options() (*raster.Options, error) {
	comp, err := ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	return &raster.Options{
		Limits: raster.Limits{
			MaxPixels:    c.MaxPixels,
			MaxDimension: c.MaxDimension,
			MaxFrames:    c.MaxFrames,
		},
		Placeholder: c.Placeholder,
		Quality:     c.Quality,
		Compression: comp,
	}, nil
}

// ResolveOutputPath places a bare output file name in OutputDir when one
// is configured. Paths with a directory part and "-" are used as-is.
func ResolveOutputPath(outputPath string, cfg *Config) string {
	if outputPath == "-" || filepath.IsAbs(outputPath) || strings.ContainsRune(outputPath, filepath.Separator) {
		return outputPath
	}
	if cfg != nil && cfg.OutputDir != "" {
		return filepath.Join(cfg.OutputDir, outputPath)
	}
	return outputPath
}
