package svg

import (
	"image/color"

	"golang.org/x/image/math/f64"

	"github.com/deepteams/imgcodec/raster"
)

// Point is a position in user or device space.
type Point struct{ X, Y float64 }

// Shape is one of Rect, Circle, Ellipse, Line, Polyline, Path or Image.
// Each case carries only its own geometry.
type Shape interface {
	outline(f *flattener)
}

// Rect is a rectangle with optional rounded corners.
type Rect struct {
	X, Y, Width, Height float64
	RX, RY              float64
}

// Circle is a circle.
type Circle struct{ CX, CY, R float64 }

// Ellipse is an axis-aligned ellipse.
type Ellipse struct{ CX, CY, RX, RY float64 }

// Line is a single segment. It has no interior and is only stroked.
type Line struct{ X1, Y1, X2, Y2 float64 }

// Polyline is an open polyline, or a polygon when Closed.
type Polyline struct {
	Points []Point
	Closed bool
}

// Path is a parsed path. Relative, shorthand and arc commands are resolved
// to the absolute operations of Segment.
type Path struct {
	Segments []Segment
}

// Image is an embedded raster placed in the rectangle X, Y, Width, Height.
type Image struct {
	X, Y, Width, Height float64
	Data                *raster.Image
}

// SegmentOp is a path operation.
type SegmentOp uint8

// Path operations. Pts holds one point for MoveTo and LineTo, two for
// QuadTo and three for CubeTo.
const (
	MoveTo SegmentOp = iota
	LineTo
	QuadTo
	CubeTo
	Close
)

// Segment is one path operation in absolute user coordinates.
type Segment struct {
	Op  SegmentOp
	Pts [3]Point
}

// Style is the resolved paint of an element. A zero alpha disables fill or
// stroke.
type Style struct {
	Fill        color.NRGBA
	Stroke      color.NRGBA
	StrokeWidth float64
}

// Element is a shape with its paint and the transform from its user space
// to device pixels.
type Element struct {
	Shape     Shape
	Style     Style
	Transform f64.Aff3
}

// Document is a parsed SVG file.
type Document struct {
	Width, Height int
	Elements      []Element
	Title         string
	Description   string
}

// kappa places cubic control points to approximate a quarter circle.
const kappa = 0.5522847498307936

func (r Rect) outline(f *flattener) {
	x0, y0, x1, y1 := r.X, r.Y, r.X+r.Width, r.Y+r.Height
	rx, ry := min(r.RX, r.Width/2), min(r.RY, r.Height/2)
	if rx <= 0 || ry <= 0 {
		f.moveTo(Point{x0, y0})
		f.lineTo(Point{x1, y0})
		f.lineTo(Point{x1, y1})
		f.lineTo(Point{x0, y1})
		f.close()
		return
	}
	kx, ky := rx*kappa, ry*kappa
	f.moveTo(Point{x0 + rx, y0})
	f.lineTo(Point{x1 - rx, y0})
	f.cubeTo(Point{x1 - rx + kx, y0}, Point{x1, y0 + ry - ky}, Point{x1, y0 + ry})
	f.lineTo(Point{x1, y1 - ry})
	f.cubeTo(Point{x1, y1 - ry + ky}, Point{x1 - rx + kx, y1}, Point{x1 - rx, y1})
	f.lineTo(Point{x0 + rx, y1})
	f.cubeTo(Point{x0 + rx - kx, y1}, Point{x0, y1 - ry + ky}, Point{x0, y1 - ry})
	f.lineTo(Point{x0, y0 + ry})
	f.cubeTo(Point{x0, y0 + ry - ky}, Point{x0 + rx - kx, y0}, Point{x0 + rx, y0})
	f.close()
}

func (c Circle) outline(f *flattener) {
	Ellipse{c.CX, c.CY, c.R, c.R}.outline(f)
}

func (e Ellipse) outline(f *flattener) {
	cx, cy, rx, ry := e.CX, e.CY, e.RX, e.RY
	kx, ky := rx*kappa, ry*kappa
	f.moveTo(Point{cx + rx, cy})
	f.cubeTo(Point{cx + rx, cy + ky}, Point{cx + kx, cy + ry}, Point{cx, cy + ry})
	f.cubeTo(Point{cx - kx, cy + ry}, Point{cx - rx, cy + ky}, Point{cx - rx, cy})
	f.cubeTo(Point{cx - rx, cy - ky}, Point{cx - kx, cy - ry}, Point{cx, cy - ry})
	f.cubeTo(Point{cx + kx, cy - ry}, Point{cx + rx, cy - ky}, Point{cx + rx, cy})
	f.close()
}

func (l Line) outline(f *flattener) {
	f.moveTo(Point{l.X1, l.Y1})
	f.lineTo(Point{l.X2, l.Y2})
}

func (p Polyline) outline(f *flattener) {
	for i, pt := range p.Points {
		if i == 0 {
			f.moveTo(pt)
		} else {
			f.lineTo(pt)
		}
	}
	if p.Closed {
		f.close()
	}
}

func (p Path) outline(f *flattener) {
	for _, s := range p.Segments {
		switch s.Op {
		case MoveTo:
			f.moveTo(s.Pts[0])
		case LineTo:
			f.lineTo(s.Pts[0])
		case QuadTo:
			f.quadTo(s.Pts[0], s.Pts[1])
		case CubeTo:
			f.cubeTo(s.Pts[0], s.Pts[1], s.Pts[2])
		case Close:
			f.close()
		}
	}
}

// Images are composited separately and have no outline.
func (Image) outline(*flattener) {}
