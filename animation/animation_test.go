package animation

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/raster"
)

// --- Alpha blending tests ---

func TestBlendOver_FullyOpaqueSrc(t *testing.T) {
	dst := []byte{0, 255, 0, 255}
	blendOver(dst, []byte{255, 0, 0, 255})
	if dst[0] != 255 || dst[1] != 0 || dst[3] != 255 {
		t.Errorf("opaque src over dst = %v", dst)
	}
}

func TestBlendOver_TransparentSrc(t *testing.T) {
	dst := []byte{0, 255, 0, 128}
	blendOver(dst, []byte{255, 0, 0, 0})
	if dst[0] != 0 || dst[1] != 255 || dst[3] != 128 {
		t.Errorf("transparent src changed dst to %v", dst)
	}
}

func TestBlendOver_TransparentDst(t *testing.T) {
	dst := []byte{9, 9, 9, 0}
	blendOver(dst, []byte{10, 20, 30, 40})
	if dst[0] != 10 || dst[1] != 20 || dst[2] != 30 || dst[3] != 40 {
		t.Errorf("src over transparent = %v", dst)
	}
}

func TestBlendOver_HalfAlpha(t *testing.T) {
	dst := []byte{0, 0, 255, 255}
	blendOver(dst, []byte{255, 0, 0, 128})
	if dst[3] != 255 {
		t.Errorf("alpha = %d, want 255", dst[3])
	}
	if dst[0] < 120 || dst[0] > 135 {
		t.Errorf("R = %d, expected ~128", dst[0])
	}
	if dst[2] < 120 || dst[2] > 135 {
		t.Errorf("B = %d, expected ~127", dst[2])
	}
}

// --- Compositor tests ---

func solidFrame(w, h int, c color.NRGBA) raster.Frame {
	f := raster.NewFrame(w, h)
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return f
}

func pixelAt(pix []byte, width, x, y int) color.NRGBA {
	o := (y*width + x) * 4
	return color.NRGBA{R: pix[o], G: pix[o+1], B: pix[o+2], A: pix[o+3]}
}

// The three-frame sequence: a full opaque frame, a 10x10 patch blended
// over at (5,5) that disposes to background, then a source-blended frame.
func TestCompositorScenario(t *testing.T) {
	bg := color.NRGBA{R: 1, G: 2, B: 3, A: 0}
	red := color.NRGBA{R: 255, A: 255}
	green := color.NRGBA{G: 255, A: 128}
	blue := color.NRGBA{B: 255, A: 255}

	c, err := NewCompositor(20, 20, bg)
	if err != nil {
		t.Fatal(err)
	}
	f0 := solidFrame(20, 20, red)
	f1 := solidFrame(10, 10, green)
	f1.XOffset, f1.YOffset = 5, 5
	f1.Blend = raster.BlendOver
	f1.Dispose = raster.DisposeBackground
	f2 := solidFrame(2, 2, blue)
	f2.Blend = raster.BlendSource

	if _, err := c.Next(&f0); err != nil {
		t.Fatal(err)
	}
	out1, err := c.Next(&f1)
	if err != nil {
		t.Fatal(err)
	}
	if got := pixelAt(out1.Pix, 20, 7, 7); got.A != 255 || got.G == 0 || got.R == 0 {
		t.Errorf("blended pixel = %v", got)
	}

	c.Dispose()
	canvas := c.Canvas()
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			want := red
			if image.Pt(x, y).In(image.Rect(5, 5, 15, 15)) {
				want = bg
			}
			if got := pixelAt(canvas, 20, x, y); got != want {
				t.Fatalf("after dispose (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}

	out2, err := c.Next(&f2)
	if err != nil {
		t.Fatal(err)
	}
	if got := pixelAt(out2.Pix, 20, 1, 1); got != blue {
		t.Errorf("frame 2 pixel = %v", got)
	}
	if got := pixelAt(out2.Pix, 20, 6, 6); got != bg {
		t.Errorf("disposed twice or not at all: %v", got)
	}
	// The emitted frame for frame 1 is a copy and is not affected.
	if got := pixelAt(out1.Pix, 20, 7, 7); got == bg {
		t.Error("emitted frame shares the canvas")
	}
}

func TestCompositorDisposePrevious(t *testing.T) {
	c, _ := NewCompositor(4, 4, color.NRGBA{})
	base := solidFrame(4, 4, color.NRGBA{R: 50, A: 255})
	patch := solidFrame(2, 2, color.NRGBA{G: 200, A: 255})
	patch.XOffset, patch.YOffset = 1, 1
	patch.Dispose = raster.DisposePrevious
	patch.Blend = raster.BlendSource
	next := solidFrame(1, 1, color.NRGBA{A: 0})
	next.Blend = raster.BlendOver

	for _, f := range []*raster.Frame{&base, &patch} {
		if _, err := c.Next(f); err != nil {
			t.Fatal(err)
		}
	}
	if got := pixelAt(c.Canvas(), 4, 1, 1); got.G != 200 {
		t.Fatalf("patch not rendered: %v", got)
	}
	out, err := c.Next(&next)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if got := pixelAt(out.Pix, 4, x, y); got.R != 50 || got.G != 0 {
				t.Fatalf("(%d,%d) = %v, want restored base", x, y, got)
			}
		}
	}
}

func TestCompositorClipsToCanvas(t *testing.T) {
	c, _ := NewCompositor(4, 4, color.NRGBA{})
	f := solidFrame(4, 4, color.NRGBA{R: 9, A: 255})
	f.XOffset, f.YOffset = 2, 3
	out, err := c.Next(&f)
	if err != nil {
		t.Fatal(err)
	}
	if got := pixelAt(out.Pix, 4, 3, 3); got.R != 9 {
		t.Errorf("clipped pixel = %v", got)
	}
	if got := pixelAt(out.Pix, 4, 1, 3); got.R != 0 {
		t.Errorf("pixel outside frame = %v", got)
	}
}

func TestCompositorReset(t *testing.T) {
	bg := color.NRGBA{R: 7, A: 255}
	c, _ := NewCompositor(2, 2, bg)
	f := solidFrame(2, 2, color.NRGBA{G: 9, A: 255})
	c.Next(&f)
	c.Reset()
	if got := pixelAt(c.Canvas(), 2, 1, 1); got != bg {
		t.Errorf("after reset = %v, want %v", got, bg)
	}
	c.Dispose() // nothing pending
}

func TestCompositorErrors(t *testing.T) {
	if _, err := NewCompositor(0, 5, color.NRGBA{}); !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Errorf("zero canvas: err = %v", err)
	}
	c, _ := NewCompositor(2, 2, color.NRGBA{})
	bad := raster.Frame{Width: 2, Height: 2, Pix: make([]byte, 3)}
	if _, err := c.Next(&bad); err == nil {
		t.Error("short frame accepted")
	}
	if _, err := Composite(&raster.Image{Width: 2, Height: 2}, color.NRGBA{}); !errors.Is(err, ErrNoFrames) {
		t.Errorf("Composite without frames: err = %v", err)
	}
}

func TestComposite(t *testing.T) {
	img := raster.New(3, 3, raster.RGBA8)
	a := solidFrame(3, 3, color.NRGBA{R: 1, A: 255})
	a.Delay = 40 * time.Millisecond
	b := solidFrame(1, 1, color.NRGBA{B: 2, A: 255})
	b.XOffset, b.YOffset = 2, 2
	img.Frames = []raster.Frame{a, b}
	out, err := Composite(img, color.NRGBA{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].DelayMS() != 40 {
		t.Fatalf("got %d frames, first delay %v", len(out), out[0].Delay)
	}
	if got := pixelAt(out[1].Pix, 3, 2, 2); got.B != 2 {
		t.Errorf("second canvas corner = %v", got)
	}
	if got := pixelAt(out[1].Pix, 3, 0, 0); got.R != 1 {
		t.Errorf("second canvas origin = %v", got)
	}
}

// --- Optimize tests ---

func TestOptimizeReplays(t *testing.T) {
	const w, h = 8, 6
	canvases := []raster.Frame{
		solidFrame(w, h, color.NRGBA{R: 10, A: 255}),
		solidFrame(w, h, color.NRGBA{R: 10, A: 255}),
		solidFrame(w, h, color.NRGBA{R: 10, A: 255}),
		solidFrame(w, h, color.NRGBA{R: 10, A: 128}),
	}
	for i := range canvases {
		canvases[i].Delay = 100 * time.Millisecond
	}
	// Frame 2 changes a 3x2 block at (3,1).
	for y := 1; y < 3; y++ {
		for x := 3; x < 6; x++ {
			canvases[2].Pix[(y*w+x)*4+1] = 99
		}
	}
	// Frame 3 also keeps the block so replay is exact.
	copy(canvases[3].Pix, canvases[2].Pix)
	canvases[3].Pix[3] = 128

	for _, even := range []bool{false, true} {
		out, err := Optimize(canvases, w, h, &OptimizeOptions{EvenOffsets: even})
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 3 {
			t.Fatalf("even=%v: %d frames, want 3", even, len(out))
		}
		if out[0].DelayMS() != 200 {
			t.Errorf("merged delay = %v", out[0].Delay)
		}
		if !even && out[1].Bounds() != image.Rect(3, 1, 6, 3) {
			t.Errorf("changed rect = %v", out[1].Bounds())
		}
		if even && (out[1].XOffset%2 != 0 || out[1].YOffset%2 != 0) {
			t.Errorf("odd offsets %d,%d", out[1].XOffset, out[1].YOffset)
		}
		if out[2].Blend != raster.BlendSource {
			t.Errorf("translucent change blended")
		}

		c, _ := NewCompositor(w, h, color.NRGBA{})
		want := [][]byte{canvases[1].Pix, canvases[2].Pix, canvases[3].Pix}
		for i := range out {
			got, err := c.Next(&out[i])
			if err != nil {
				t.Fatal(err)
			}
			if string(got.Pix) != string(want[i]) {
				t.Fatalf("even=%v: replay of frame %d differs", even, i)
			}
		}
	}
}

func TestOptimizeDelayCap(t *testing.T) {
	f := solidFrame(2, 2, color.NRGBA{A: 255})
	f.Delay = 300 * time.Millisecond
	out, err := Optimize([]raster.Frame{f, f, f}, 2, 2, &OptimizeOptions{MaxDelay: 400 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var total time.Duration
	for _, fr := range out {
		if fr.Delay > 400*time.Millisecond {
			t.Errorf("delay %v exceeds cap", fr.Delay)
		}
		total += fr.Delay
	}
	if total != 900*time.Millisecond {
		t.Errorf("total delay %v, want 900ms", total)
	}
	if _, err := Optimize([]raster.Frame{f}, 3, 3, nil); !errors.Is(err, codecerr.ErrInvalidDimensions) {
		t.Errorf("size mismatch: err = %v", err)
	}
}
