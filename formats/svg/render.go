package svg

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/vector"
)

const maxCurveSteps = 64

var identity = f64.Aff3{1, 0, 0, 0, 1, 0}

// mul returns the transform applying n, then m.
func mul(m, n f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		m[0]*n[0] + m[1]*n[3], m[0]*n[1] + m[1]*n[4], m[0]*n[2] + m[1]*n[5] + m[2],
		m[3]*n[0] + m[4]*n[3], m[3]*n[1] + m[4]*n[4], m[3]*n[2] + m[4]*n[5] + m[5],
	}
}

func apply(m f64.Aff3, p Point) Point {
	return Point{m[0]*p.X + m[1]*p.Y + m[2], m[3]*p.X + m[4]*p.Y + m[5]}
}

// subpath is a flattened contour in device space.
type subpath struct {
	pts    []Point
	closed bool
}

// flattener turns outlines into device-space polylines, subdividing
// curves by their control polygon length.
type flattener struct {
	m     f64.Aff3
	paths []subpath
	start Point // user space
	cur   Point // user space
	open  bool
}

func (f *flattener) emit(p Point) {
	last := &f.paths[len(f.paths)-1]
	last.pts = append(last.pts, apply(f.m, p))
}

func (f *flattener) moveTo(p Point) {
	f.paths = append(f.paths, subpath{})
	f.emit(p)
	f.start, f.cur, f.open = p, p, true
}

// ensure starts an implicit subpath at the current point after a close.
func (f *flattener) ensure() {
	if !f.open {
		f.moveTo(f.cur)
	}
}

func (f *flattener) lineTo(p Point) {
	f.ensure()
	f.emit(p)
	f.cur = p
}

func (f *flattener) steps(pts ...Point) int {
	n := 0.0
	prev := apply(f.m, f.cur)
	for _, p := range pts {
		d := apply(f.m, p)
		n += math.Hypot(d.X-prev.X, d.Y-prev.Y)
		prev = d
	}
	return max(1, min(maxCurveSteps, int(n/2)+1))
}

func (f *flattener) quadTo(c, p Point) {
	f.ensure()
	p0 := f.cur
	n := f.steps(c, p)
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		u := 1 - t
		f.emit(Point{u*u*p0.X + 2*u*t*c.X + t*t*p.X, u*u*p0.Y + 2*u*t*c.Y + t*t*p.Y})
	}
	f.cur = p
}

func (f *flattener) cubeTo(c1, c2, p Point) {
	f.ensure()
	p0 := f.cur
	n := f.steps(c1, c2, p)
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		u := 1 - t
		a, b, c, d := u*u*u, 3*u*u*t, 3*u*t*t, t*t*t
		f.emit(Point{a*p0.X + b*c1.X + c*c2.X + d*p.X, a*p0.Y + b*c1.Y + c*c2.Y + d*p.Y})
	}
	f.cur = p
}

func (f *flattener) close() {
	if !f.open {
		return
	}
	f.paths[len(f.paths)-1].closed = true
	f.cur, f.open = f.start, false
}

// render paints the elements in document order onto a transparent canvas.
func render(doc *Document) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, doc.Width, doc.Height))
	z := vector.NewRasterizer(doc.Width, doc.Height)
	for _, e := range doc.Elements {
		if im, ok := e.Shape.(Image); ok {
			drawImage(dst, im, e.Transform)
			continue
		}
		f := &flattener{m: e.Transform}
		e.Shape.outline(f)
		if _, isLine := e.Shape.(Line); !isLine && e.Style.Fill.A > 0 {
			z.Reset(doc.Width, doc.Height)
			for _, sp := range f.paths {
				fill(z, sp.pts)
			}
			z.Draw(dst, dst.Bounds(), image.NewUniform(e.Style.Fill), image.Point{})
		}
		if e.Style.Stroke.A > 0 && e.Style.StrokeWidth > 0 {
			m := e.Transform
			hw := e.Style.StrokeWidth * math.Sqrt(math.Abs(m[0]*m[4]-m[1]*m[3])) / 2
			z.Reset(doc.Width, doc.Height)
			for _, sp := range f.paths {
				stroke(z, sp, hw)
			}
			z.Draw(dst, dst.Bounds(), image.NewUniform(e.Style.Stroke), image.Point{})
		}
	}
	return dst
}

func fill(z *vector.Rasterizer, pts []Point) {
	if len(pts) < 3 {
		return
	}
	z.MoveTo(float32(pts[0].X), float32(pts[0].Y))
	for _, p := range pts[1:] {
		z.LineTo(float32(p.X), float32(p.Y))
	}
	z.ClosePath()
}

// stroke covers each segment with a quad of half-width hw. Segments are
// extended by hw at interior joints, giving square joins.
func stroke(z *vector.Rasterizer, sp subpath, hw float64) {
	pts := sp.pts
	if sp.closed && len(pts) > 1 {
		pts = append(pts[:len(pts):len(pts)], pts[0])
	}
	for i := 0; i+1 < len(pts); i++ {
		a, b := pts[i], pts[i+1]
		dx, dy := b.X-a.X, b.Y-a.Y
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		ux, uy := dx/l*hw, dy/l*hw
		if i > 0 || sp.closed {
			a.X, a.Y = a.X-ux, a.Y-uy
		}
		if i+2 < len(pts) || sp.closed {
			b.X, b.Y = b.X+ux, b.Y+uy
		}
		quad := [4]Point{{a.X - uy, a.Y + ux}, {b.X - uy, b.Y + ux}, {b.X + uy, b.Y - ux}, {a.X + uy, a.Y - ux}}
		fill(z, quad[:])
	}
}

// drawImage composites an embedded raster scaled into its placement
// rectangle.
func drawImage(dst *image.RGBA, im Image, m f64.Aff3) {
	if im.Data == nil || im.Width <= 0 || im.Height <= 0 {
		return
	}
	sw, sh := float64(im.Data.Width), float64(im.Data.Height)
	place := f64.Aff3{im.Width / sw, 0, im.X, 0, im.Height / sh, im.Y}
	xdraw.BiLinear.Transform(dst, mul(m, place), im.Data, im.Data.Bounds(), xdraw.Over, nil)
}

// withOpacity scales the alpha of c.
func withOpacity(c color.NRGBA, o float64) color.NRGBA {
	c.A = uint8(math.Round(float64(c.A) * math.Max(0, math.Min(1, o))))
	return c
}
