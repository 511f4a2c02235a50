// Command imgconv converts images between the formats of imgcodec.
//
// Usage:
//
//	imgconv convert [options] <input>   Convert to the format of -o or -f
//	imgconv info [options] <input>      Display format, size and metadata
//	imgconv frames [options] <input>    Write every composited animation frame
//
// Use "-" as input to read from stdin and "-o -" to write to stdout.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/term"

	"github.com/deepteams/imgcodec"
	"github.com/deepteams/imgcodec/animation"
	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/config"
	"github.com/deepteams/imgcodec/internal/logging"
	"github.com/deepteams/imgcodec/raster"
)

// pipeName is the file name that indicates stdin/stdout is being used.
const pipeName = "-"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "imgconv: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error kind to a distinct status so scripts can tell
// bad input from unsupported features.
func exitCode(err error) int {
	switch codecerr.KindOf(err) {
	case codecerr.ErrTruncated, codecerr.ErrInvalidFormat, codecerr.ErrDecompression:
		return 2
	case codecerr.ErrInvalidDimensions:
		return 3
	case codecerr.ErrUnsupported:
		return 4
	}
	return 1
}

// env carries the process streams so commands can run in tests.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	logging.SetOutput(stderr)
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) < 1 {
		printUsage(stderr)
		return errors.New("missing command")
	}
	switch args[0] {
	case "convert":
		return e.runConvert(args[1:])
	case "info":
		return e.runInfo(args[1:])
	case "frames":
		return e.runFrames(args[1:])
	case "-h", "-help", "--help", "help":
		printUsage(stdout)
		return nil
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(imgcodec.Formats()))
	for _, f := range imgcodec.Formats() {
		if f.Codec().CanEncode {
			names = append(names, f.String())
		}
	}
	fmt.Fprintf(w, `Usage:
  imgconv convert [options] <input>   Convert to the format of -o or -f
  imgconv info [options] <input>      Display format, size and metadata
  imgconv frames [options] <input>    Write every composited animation frame

Writable formats: %s

Use "-" as input to read from stdin, "-o -" to write to stdout.

Run "imgconv <command> -h" for command-specific options.
`, strings.Join(names, ", "))
}

// common holds the options shared by every command. Values from the
// configuration file apply unless the flag is given explicitly.
type common struct {
	configPath  string
	logLevel    string
	quality     int
	compression string
	placeholder bool
	maxPixels   int64
	maxFrames   int
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "JSON configuration file (default "+config.DefaultPath+" if present)")
	fs.StringVar(&c.logLevel, "log", "", "log level: debug/info/warn/error")
	fs.IntVar(&c.quality, "q", 0, "lossy quality 1-100 (0=default)")
	fs.StringVar(&c.compression, "compression", "", "compression: none/rle/lzw/deflate")
	fs.BoolVar(&c.placeholder, "placeholder", false, "substitute a gray image for undecodable payloads")
	fs.Int64Var(&c.maxPixels, "max-pixels", 0, "largest image to decode in pixels (0=default)")
	fs.IntVar(&c.maxFrames, "max-frames", 0, "most animation frames to decode (0=default)")
}

// resolve merges the configuration file with the explicitly set flags.
func (c *common) resolve(fs *flag.FlagSet) (*config.Config, *raster.Options, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log":
			cfg.LogLevel = c.logLevel
		case "q":
			cfg.Quality = c.quality
		case "compression":
			cfg.Compression = c.compression
		case "placeholder":
			cfg.Placeholder = c.placeholder
		case "max-pixels":
			cfg.MaxPixels = c.maxPixels
		case "max-frames":
			cfg.MaxFrames = c.maxFrames
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	return cfg, opts, nil
}

// readInput reads a whole file, or stdin for "-".
func (e *env) readInput(path string) ([]byte, error) {
	if path == pipeName {
		if isTerminal(e.stdin) {
			return nil, errors.New("`-` should be used with a pipe for stdin")
		}
		return io.ReadAll(e.stdin)
	}
	return os.ReadFile(path)
}

// writeOutput writes data to a file, or to stdout for "-". A partial file
// is removed on failure.
func (e *env) writeOutput(path string, data []byte) error {
	if path == pipeName {
		if isTerminal(e.stdout) {
			return errors.New("`-` should be used with a pipe for stdout")
		}
		_, err := e.stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// baseName returns the input file name without extension, or "output"
// for stdin.
func baseName(inputPath string) string {
	if inputPath == pipeName {
		return "output"
	}
	return strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
}

// outputFormat picks the format from -f, then from the output extension,
// then falls back to PNG.
func outputFormat(name, outputPath string) (imgcodec.Format, error) {
	if name != "" {
		f := imgcodec.ParseFormat(name)
		if f == imgcodec.Unknown {
			return f, fmt.Errorf("unknown format %q", name)
		}
		return f, nil
	}
	if outputPath != "" && outputPath != pipeName {
		if f := imgcodec.FormatFromExt(outputPath); f != imgcodec.Unknown {
			return f, nil
		}
		return imgcodec.Unknown, fmt.Errorf("cannot tell the format of %q; use -f", outputPath)
	}
	return imgcodec.PNG, nil
}

// parseSize reads "WxH"; either side may be 0 to keep the aspect ratio.
func parseSize(s string) (w, h int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q: want WxH", s)
	}
	if w, err = strconv.Atoi(ws); err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	if h, err = strconv.Atoi(hs); err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	if w < 0 || h < 0 || w == 0 && h == 0 {
		return 0, 0, fmt.Errorf("size %q: need a positive width or height", s)
	}
	return w, h, nil
}

// resize scales img with a Lanczos filter. Animation frames and palettes
// do not survive.
func resize(img *raster.Image, w, h int) *raster.Image {
	out := raster.FromImage(imaging.Resize(img, w, h, imaging.Lanczos))
	out.Meta = img.Meta
	return out
}

// decodeInput decodes data, honouring an explicit input format for files
// without a signature such as TGA.
func decodeInput(data []byte, inputPath, inFormat string, opts *raster.Options) (*raster.Image, imgcodec.Format, error) {
	if inFormat != "" {
		f := imgcodec.ParseFormat(inFormat)
		if f == imgcodec.Unknown {
			return nil, f, fmt.Errorf("unknown input format %q", inFormat)
		}
		img, err := imgcodec.DecodeAs(data, f, opts)
		return img, f, err
	}
	img, f, err := imgcodec.Decode(data, opts)
	if f == imgcodec.Unknown && inputPath != pipeName {
		// Fall back to the extension for formats without a signature.
		if ext := imgcodec.FormatFromExt(inputPath); ext != imgcodec.Unknown {
			logging.Debug("no signature, trying extension", "format", ext)
			img, err = imgcodec.DecodeAs(data, ext, opts)
			return img, ext, err
		}
	}
	return img, f, err
}

// --- convert ---

func (e *env) runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var c common
	c.register(fs)
	output := fs.String("o", "", `output path (default: <input>.<format>, "-" for stdout)`)
	format := fs.String("f", "", "output format (default: from -o extension, else png)")
	inFormat := fs.String("i", "", "input format, for files without a signature")
	size := fs.String("resize", "", "scale to WxH; 0 for one side keeps the aspect ratio")
	still := fs.Bool("still", false, "drop animation frames")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("convert: missing input file\nUsage: imgconv convert [options] <input>")
	}
	inputPath := fs.Arg(0)
	cfg, opts, err := c.resolve(fs)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	outFmt, err := outputFormat(*format, *output)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	if !outFmt.Codec().CanEncode {
		return fmt.Errorf("convert: %w: writing %s", codecerr.ErrUnsupported, outFmt)
	}

	data, err := e.readInput(inputPath)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	img, inFmt, err := decodeInput(data, inputPath, *inFormat, opts)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	logging.Debug("decoded", "file", inputPath, "format", inFmt, "width", img.Width, "height", img.Height,
		"pixel_format", img.Format, "frames", len(img.Frames))
	if img.Meta.Placeholder {
		logging.Warn("pixel data replaced by a placeholder", "file", inputPath, "format", inFmt)
	}

	if *still && len(img.Frames) > 0 {
		img.Frames = nil
	}
	if *size != "" {
		w, h, err := parseSize(*size)
		if err != nil {
			return fmt.Errorf("convert: %w", err)
		}
		if len(img.Frames) > 0 {
			logging.Warn("resizing keeps only the first frame", "frames", len(img.Frames))
		}
		img = resize(img, w, h)
	}
	if len(img.Frames) > 0 && !outFmt.Codec().Animated {
		logging.Warn("format is not animated, writing the first frame", "format", outFmt)
	}

	out, err := imgcodec.Encode(img, outFmt, opts)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	outputPath := *output
	if outputPath == "" {
		outputPath = baseName(inputPath) + outFmt.Extension()
	}
	outputPath = config.ResolveOutputPath(outputPath, cfg)
	if err := e.writeOutput(outputPath, out); err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	logging.Info("converted", "input", inputPath, "output", outputPath, "from", inFmt, "to", outFmt, "bytes", len(out))
	return nil
}

// --- frames ---

func (e *env) runFrames(args []string) error {
	fs := flag.NewFlagSet("frames", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var c common
	c.register(fs)
	dir := fs.String("d", "", "output directory (default: output_dir from config, else current)")
	format := fs.String("f", "png", "frame format")
	thumb := fs.Int("thumb", 0, "fit frames into an NxN box (0=full size)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("frames: missing input file\nUsage: imgconv frames [options] <input>")
	}
	inputPath := fs.Arg(0)
	cfg, opts, err := c.resolve(fs)
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	outFmt := imgcodec.ParseFormat(*format)
	if outFmt == imgcodec.Unknown || !outFmt.Codec().CanEncode {
		return fmt.Errorf("frames: cannot write format %q", *format)
	}
	if *thumb < 0 {
		return fmt.Errorf("frames: negative -thumb %d", *thumb)
	}
	if *dir != "" {
		cfg.OutputDir = *dir
	}

	data, err := e.readInput(inputPath)
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	img, _, err := decodeInput(data, inputPath, "", opts)
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}

	var canvases []raster.Frame
	if len(img.Frames) > 0 {
		if canvases, err = animation.Composite(img, img.Background); err != nil {
			return fmt.Errorf("frames: %w", err)
		}
	} else {
		still, err := raster.FrameFromImage(img)
		if err != nil {
			return fmt.Errorf("frames: %w", err)
		}
		canvases = []raster.Frame{still}
	}

	base := baseName(inputPath)
	for i := range canvases {
		frame := canvases[i].Image()
		if *thumb > 0 {
			frame = raster.FromImage(imaging.Fit(frame, *thumb, *thumb, imaging.Lanczos))
		}
		out, err := imgcodec.Encode(frame, outFmt, opts)
		if err != nil {
			return fmt.Errorf("frames: frame %d: %w", i, err)
		}
		name := fmt.Sprintf("%s_%03d%s", base, i, outFmt.Extension())
		path := config.ResolveOutputPath(name, cfg)
		if err := e.writeOutput(path, out); err != nil {
			return fmt.Errorf("frames: %w", err)
		}
		logging.Debug("frame written", "index", i, "delay_ms", canvases[i].DelayMS(), "output", path)
	}
	logging.Info("frames written", "input", inputPath, "count", len(canvases))
	return nil
}

// --- info ---

func (e *env) runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var c common
	c.register(fs)
	inFormat := fs.String("i", "", "input format, for files without a signature")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("info: missing input file\nUsage: imgconv info <input>")
	}
	inputPath := fs.Arg(0)
	_, opts, err := c.resolve(fs)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	// Header-only formats still report their size and metadata.
	opts.Placeholder = true

	data, err := e.readInput(inputPath)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	img, f, err := decodeInput(data, inputPath, *inFormat, opts)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	printInfo(e.stdout, inputPath, f, len(data), img)
	return nil
}

func printInfo(w io.Writer, inputPath string, f imgcodec.Format, size int, img *raster.Image) {
	name := inputPath
	if inputPath == pipeName {
		name = "<stdin>"
	}
	fmt.Fprintf(w, "File:       %s\n", name)
	fmt.Fprintf(w, "Format:     %s\n", f)
	fmt.Fprintf(w, "Dimensions: %d x %d\n", img.Width, img.Height)
	if img.Meta.Placeholder {
		fmt.Fprintf(w, "Pixels:     not decoded\n")
	} else {
		fmt.Fprintf(w, "Pixels:     %s\n", img.Format)
		fmt.Fprintf(w, "Alpha:      %v\n", !img.Opaque())
	}
	fmt.Fprintf(w, "Animation:  %v\n", len(img.Frames) > 0)
	if len(img.Frames) > 0 {
		fmt.Fprintf(w, "Frames:     %d\n", len(img.Frames))
		loop := "infinite"
		if img.LoopCount > 0 {
			loop = strconv.Itoa(img.LoopCount)
		}
		fmt.Fprintf(w, "Loop count: %s\n", loop)
	}
	m := img.Meta
	if len(m.ICC) > 0 {
		fmt.Fprintf(w, "ICC:        %d bytes\n", len(m.ICC))
	}
	if len(m.EXIF) > 0 {
		fmt.Fprintf(w, "EXIF:       %d bytes\n", len(m.EXIF))
	}
	if len(m.XMP) > 0 {
		fmt.Fprintf(w, "XMP:        %d bytes\n", len(m.XMP))
	}
	if m.Comment != "" {
		fmt.Fprintf(w, "Comment:    %q\n", m.Comment)
	}
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-11s %s\n", k+":", m.Extra[k])
	}
	fmt.Fprintf(w, "File size:  %d bytes\n", size)
}
