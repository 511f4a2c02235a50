package svg

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
	"golang.org/x/image/math/f64"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/formats/jpeg"
	"github.com/deepteams/imgcodec/formats/png"
	"github.com/deepteams/imgcodec/raster"
)

// paint is an inheritable fill or stroke value.
type paint struct {
	c    color.NRGBA
	none bool
}

// state is the inherited presentation state of an element.
type state struct {
	fill, stroke  paint
	fillOpacity   float64
	strokeOpacity float64
	strokeWidth   float64
	opacity       float64 // product of ancestor opacities
	current       color.NRGBA
	m             f64.Aff3
	undisplayed   bool // display:none on an ancestor
	invisible     bool
}

var defaultState = state{
	fill:          paint{c: color.NRGBA{A: 255}},
	stroke:        paint{none: true},
	fillOpacity:   1,
	strokeOpacity: 1,
	strokeWidth:   1,
	opacity:       1,
	current:       color.NRGBA{A: 255},
	m:             identity,
}

func (s *state) style() Style {
	st := Style{StrokeWidth: s.strokeWidth}
	if !s.fill.none {
		st.Fill = withOpacity(s.fill.c, s.fillOpacity*s.opacity)
	}
	if !s.stroke.none {
		st.Stroke = withOpacity(s.stroke.c, s.strokeOpacity*s.opacity)
	}
	return st
}

// Subtrees that define resources or text are not rendered.
var skipped = map[string]bool{
	"defs": true, "symbol": true, "clipPath": true, "mask": true, "pattern": true,
	"marker": true, "linearGradient": true, "radialGradient": true, "filter": true,
	"style": true, "script": true, "metadata": true, "foreignObject": true,
	"text": true, "use": true,
}

type parser struct {
	opts    *raster.Options
	doc     *Document
	vw, vh  float64 // viewport in user units, for percentages
	stack   []state
	skip    int // depth inside a skipped subtree
	textFor *string
}

func newDecoder(data []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		e, err := htmlindex.Get(label)
		if err != nil {
			return nil, fmt.Errorf("svg: %w: charset %q", codecerr.ErrUnsupported, label)
		}
		return e.NewDecoder().Reader(input), nil
	}
	return dec
}

func xmlErr(err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) && strings.Contains(se.Msg, "unexpected EOF") {
		return fmt.Errorf("svg: %w: %v", codecerr.ErrTruncated, err)
	}
	if errors.Is(err, codecerr.ErrUnsupported) {
		return err
	}
	return fmt.Errorf("svg: %w: %v", codecerr.ErrInvalidFormat, err)
}

// Parse reads an SVG document. Only the canvas size is resolved when
// sizeOnly is set.
func Parse(data []byte, opts *raster.Options) (*Document, error) {
	return parse(data, opts, false)
}

func parse(data []byte, opts *raster.Options, sizeOnly bool) (*Document, error) {
	dec := newDecoder(data)
	p := &parser{opts: opts}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if p.doc == nil {
				return nil, fmt.Errorf("svg: no root element: %w", codecerr.ErrTruncated)
			}
			return p.doc, nil
		}
		if err != nil {
			return nil, xmlErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if p.doc == nil {
				if t.Name.Local != "svg" {
					return nil, fmt.Errorf("svg: %w: root element <%s>", codecerr.ErrInvalidFormat, t.Name.Local)
				}
				if err := p.root(t); err != nil {
					return nil, err
				}
				if sizeOnly {
					return p.doc, nil
				}
				continue
			}
			if err := p.start(t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			p.end()
		case xml.CharData:
			if p.textFor != nil {
				*p.textFor += string(t)
			}
		}
	}
}

func attrs(t xml.StartElement) map[string]string {
	m := make(map[string]string, len(t.Attr))
	for _, a := range t.Attr {
		m[a.Name.Local] = a.Value
	}
	// Declarations in a style attribute override presentation attributes.
	for _, decl := range strings.Split(m["style"], ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m
}

// root sets up the canvas and the viewBox transform.
func (p *parser) root(t xml.StartElement) error {
	a := attrs(t)
	var vb [4]float64
	hasVB := false
	if s, ok := a["viewBox"]; ok {
		sc := &scanner{s: s}
		if err := sc.numbers(vb[:]); err != nil {
			return err
		}
		if vb[2] <= 0 || vb[3] <= 0 {
			return fmt.Errorf("svg: %w: viewBox %q", codecerr.ErrInvalidDimensions, s)
		}
		hasVB = true
	}
	w, wok := absLength(a["width"])
	h, hok := absLength(a["height"])
	switch {
	case hasVB && !wok && !hok:
		w, h = vb[2], vb[3]
	case hasVB && !wok:
		w = h * vb[2] / vb[3]
	case hasVB && !hok:
		h = w * vb[3] / vb[2]
	case !wok || !hok:
		return fmt.Errorf("svg: %w: no width, height or viewBox", codecerr.ErrInvalidDimensions)
	}
	doc := &Document{Width: int(math.Ceil(w)), Height: int(math.Ceil(h))}
	if err := p.opts.CheckDimensions(doc.Width, doc.Height); err != nil {
		return fmt.Errorf("svg: %w", err)
	}
	st := defaultState
	p.vw, p.vh = w, h
	if hasVB {
		st.m = viewBoxTransform(vb, w, h, a["preserveAspectRatio"])
		p.vw, p.vh = vb[2], vb[3]
	}
	p.doc = doc
	p.push(st, a)
	return nil
}

// viewBoxTransform maps the viewBox onto a w x h viewport.
func viewBoxTransform(vb [4]float64, w, h float64, par string) f64.Aff3 {
	sx, sy := w/vb[2], h/vb[3]
	fields := strings.Fields(par)
	align, slice := "xMidYMid", false
	if len(fields) > 0 {
		align = fields[0]
	}
	if len(fields) > 1 {
		slice = fields[1] == "slice"
	}
	if align == "none" {
		return f64.Aff3{sx, 0, -vb[0] * sx, 0, sy, -vb[1] * sy}
	}
	s := min(sx, sy)
	if slice {
		s = max(sx, sy)
	}
	pos := func(key string, free float64) float64 {
		switch {
		case strings.Contains(align, key+"Min"):
			return 0
		case strings.Contains(align, key+"Max"):
			return free
		}
		return free / 2
	}
	tx := pos("x", w-vb[2]*s) - vb[0]*s
	ty := pos("Y", h-vb[3]*s) - vb[1]*s
	return f64.Aff3{s, 0, tx, 0, s, ty}
}

func (p *parser) push(parent state, a map[string]string) {
	st := parent
	if v, ok := a["color"]; ok {
		if c, ok := parseColor(v, st.current); ok {
			st.current = c
		}
	}
	if v, ok := a["fill"]; ok {
		st.fill = parsePaint(v, st.fill, st.current)
	}
	if v, ok := a["stroke"]; ok {
		st.stroke = parsePaint(v, st.stroke, st.current)
	}
	st.fillOpacity = opacityAttr(a, "fill-opacity", st.fillOpacity)
	st.strokeOpacity = opacityAttr(a, "stroke-opacity", st.strokeOpacity)
	st.opacity *= opacityAttr(a, "opacity", 1)
	if v, ok := a["stroke-width"]; ok {
		if w, ok := p.length(v, 0); ok && w >= 0 {
			st.strokeWidth = w
		}
	}
	if v, ok := a["transform"]; ok {
		if m, err := parseTransform(v); err == nil {
			st.m = mul(st.m, m)
		}
	}
	p.stack = append(p.stack, st)
}

func (p *parser) start(t xml.StartElement) error {
	name := t.Name.Local
	if p.skip > 0 || skipped[name] {
		p.skip++
		return nil
	}
	a := attrs(t)
	p.push(p.stack[len(p.stack)-1], a)
	st := &p.stack[len(p.stack)-1]
	if a["display"] == "none" {
		st.undisplayed = true
	}
	switch a["visibility"] {
	case "hidden", "collapse":
		st.invisible = true
	case "visible":
		st.invisible = false
	}
	p.textFor = nil
	var shape Shape
	switch name {
	case "title":
		if len(p.stack) == 2 {
			p.textFor = &p.doc.Title
		}
	case "desc":
		if len(p.stack) == 2 {
			p.textFor = &p.doc.Description
		}
	case "rect":
		r := Rect{X: p.num(a, "x", 'x'), Y: p.num(a, "y", 'y'), Width: p.num(a, "width", 'x'), Height: p.num(a, "height", 'y')}
		r.RX, r.RY = p.num(a, "rx", 'x'), p.num(a, "ry", 'y')
		if _, ok := a["ry"]; !ok {
			r.RY = r.RX
		}
		if _, ok := a["rx"]; !ok {
			r.RX = r.RY
		}
		if r.Width > 0 && r.Height > 0 {
			shape = r
		}
	case "circle":
		c := Circle{CX: p.num(a, "cx", 'x'), CY: p.num(a, "cy", 'y'), R: p.num(a, "r", 'r')}
		if c.R > 0 {
			shape = c
		}
	case "ellipse":
		e := Ellipse{CX: p.num(a, "cx", 'x'), CY: p.num(a, "cy", 'y'), RX: p.num(a, "rx", 'x'), RY: p.num(a, "ry", 'y')}
		if e.RX > 0 && e.RY > 0 {
			shape = e
		}
	case "line":
		shape = Line{p.num(a, "x1", 'x'), p.num(a, "y1", 'y'), p.num(a, "x2", 'x'), p.num(a, "y2", 'y')}
	case "polyline", "polygon":
		pts := parsePoints(a["points"])
		if len(pts) >= 2 {
			shape = Polyline{Points: pts, Closed: name == "polygon"}
		}
	case "path":
		// Path data renders up to the first error.
		segs, _ := parsePath(a["d"])
		if len(segs) > 0 {
			shape = Path{Segments: segs}
		}
	case "image":
		im, err := p.image(a)
		if err != nil {
			return err
		}
		if im.Data != nil {
			shape = im
		}
	}
	if shape != nil && !st.undisplayed && !st.invisible {
		p.doc.Elements = append(p.doc.Elements, Element{Shape: shape, Style: st.style(), Transform: st.m})
	}
	return nil
}

func (p *parser) end() {
	p.textFor = nil
	if p.skip > 0 {
		p.skip--
		return
	}
	if len(p.stack) > 0 {
		p.stack = p.stack[:len(p.stack)-1]
	}
}

// image decodes a PNG or JPEG data URI. Other references are ignored.
func (p *parser) image(a map[string]string) (Image, error) {
	im := Image{X: p.num(a, "x", 'x'), Y: p.num(a, "y", 'y'), Width: p.num(a, "width", 'x'), Height: p.num(a, "height", 'y')}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(a["href"], "data:"), ",")
	if !ok || !strings.HasPrefix(a["href"], "data:") || !strings.HasSuffix(meta, ";base64") {
		return im, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(payload), ""))
	if err != nil {
		return im, fmt.Errorf("svg: %w: image data: %v", codecerr.ErrInvalidFormat, err)
	}
	var data *raster.Image
	switch strings.TrimSuffix(meta, ";base64") {
	case "image/png":
		data, err = png.Decode(raw, p.opts)
	case "image/jpeg", "image/jpg":
		data, err = jpeg.Decode(raw, p.opts)
	default:
		return im, nil
	}
	if err != nil {
		return im, fmt.Errorf("svg: embedded image: %w", err)
	}
	// A missing size takes the raster's own.
	if _, ok := a["width"]; !ok {
		im.Width = float64(data.Width)
	}
	if _, ok := a["height"]; !ok {
		im.Height = float64(data.Height)
	}
	im.Data = data
	return im, nil
}

// num reads a coordinate or length attribute, 0 when absent or invalid.
func (p *parser) num(a map[string]string, key string, axis byte) float64 {
	v, _ := p.length(a[key], axis)
	return v
}

// length parses a length in user units. Percentages resolve against the
// viewport along axis: 'x', 'y', or the normalised diagonal otherwise.
func (p *parser) length(s string, axis byte) (float64, bool) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, false
		}
		ref := math.Hypot(p.vw, p.vh) / math.Sqrt2
		switch axis {
		case 'x':
			ref = p.vw
		case 'y':
			ref = p.vh
		}
		return v * ref / 100, true
	}
	return absLength(s)
}

var units = map[string]float64{
	"px": 1, "pt": 96.0 / 72, "pc": 16, "in": 96, "cm": 96 / 2.54, "mm": 96 / 25.4, "em": 16, "ex": 8,
}

// absLength parses a length that does not depend on the viewport.
func absLength(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasSuffix(s, "%") {
		return 0, false
	}
	scale := 1.0
	if len(s) > 2 {
		if u, ok := units[s[len(s)-2:]]; ok {
			scale, s = u, s[:len(s)-2]
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v * scale, true
}

func opacityAttr(a map[string]string, key string, def float64) float64 {
	s, ok := a[key]
	if !ok {
		return def
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return def
	}
	if pct {
		v /= 100
	}
	return math.Max(0, math.Min(1, v))
}

func parsePoints(s string) []Point {
	sc := &scanner{s: s}
	var pts []Point
	for sc.atNumber() {
		x, err := sc.number()
		if err != nil {
			break
		}
		y, err := sc.number()
		if err != nil {
			break
		}
		pts = append(pts, Point{x, y})
	}
	return pts
}

// parsePaint resolves a fill or stroke value, keeping the inherited one
// when the value is not understood.
func parsePaint(s string, inherited paint, current color.NRGBA) paint {
	s = strings.TrimSpace(s)
	switch {
	case s == "none":
		return paint{none: true}
	case s == "inherit":
		return inherited
	case strings.HasPrefix(s, "url("):
		// Paint servers are not supported; use the fallback colour if any.
		_, fallback, _ := strings.Cut(s, ")")
		if c, ok := parseColor(fallback, current); ok {
			return paint{c: c}
		}
		return paint{none: true}
	}
	if c, ok := parseColor(s, current); ok {
		return paint{c: c}
	}
	return inherited
}

func parseColor(s string, current color.NRGBA) (color.NRGBA, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "currentcolor":
		return current, true
	case s == "transparent":
		return color.NRGBA{}, true
	case strings.HasPrefix(s, "#"):
		return parseHex(s[1:])
	case strings.HasPrefix(s, "rgb(") || strings.HasPrefix(s, "rgba("):
		return parseRGB(s)
	}
	if c, ok := colornames.Map[s]; ok {
		return color.NRGBA{c.R, c.G, c.B, c.A}, true
	}
	return color.NRGBA{}, false
}

func parseHex(h string) (color.NRGBA, bool) {
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, false
	}
	switch len(h) {
	case 3:
		return color.NRGBA{uint8(v>>8) * 0x11, uint8(v>>4&15) * 0x11, uint8(v&15) * 0x11, 255}, true
	case 4:
		return color.NRGBA{uint8(v>>12) * 0x11, uint8(v>>8&15) * 0x11, uint8(v>>4&15) * 0x11, uint8(v&15) * 0x11}, true
	case 6:
		return color.NRGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}, true
	case 8:
		return color.NRGBA{uint8(v >> 24), uint8(v >> 16), uint8(v >> 8), uint8(v)}, true
	}
	return color.NRGBA{}, false
}

// parseRGB parses rgb() and rgba() with integer or percentage channels.
func parseRGB(s string) (color.NRGBA, bool) {
	_, body, _ := strings.Cut(s, "(")
	body, ok := strings.CutSuffix(strings.TrimSpace(body), ")")
	if !ok {
		return color.NRGBA{}, false
	}
	parts := strings.FieldsFunc(body, func(r rune) bool { return r == ',' || r == ' ' || r == '/' })
	if len(parts) != 3 && len(parts) != 4 {
		return color.NRGBA{}, false
	}
	var ch [4]float64
	ch[3] = 1
	for i, part := range parts {
		pct := strings.HasSuffix(part, "%")
		v, err := strconv.ParseFloat(strings.TrimSuffix(part, "%"), 64)
		if err != nil {
			return color.NRGBA{}, false
		}
		switch {
		case pct:
			v /= 100
		case i < 3:
			v /= 255
		}
		ch[i] = math.Max(0, math.Min(1, v))
	}
	c := func(v float64) uint8 { return uint8(math.Round(v * 255)) }
	return color.NRGBA{c(ch[0]), c(ch[1]), c(ch[2]), c(ch[3])}, true
}

// parseTransform parses a transform list into one matrix.
func parseTransform(s string) (f64.Aff3, error) {
	m := identity
	rest := strings.TrimSpace(s)
	for rest != "" {
		name, after, ok := strings.Cut(rest, "(")
		if !ok {
			return identity, fmt.Errorf("svg: %w: transform %q", codecerr.ErrInvalidFormat, clip(s))
		}
		body, tail, ok := strings.Cut(after, ")")
		if !ok {
			return identity, fmt.Errorf("svg: %w: transform %q", codecerr.ErrInvalidFormat, clip(s))
		}
		var args []float64
		sc := &scanner{s: body}
		for sc.atNumber() {
			v, err := sc.number()
			if err != nil {
				return identity, err
			}
			args = append(args, v)
		}
		t, err := transformOf(strings.Trim(name, " \t\r\n,"), args)
		if err != nil {
			return identity, err
		}
		m = mul(m, t)
		rest = strings.TrimLeft(tail, " \t\r\n,")
	}
	return m, nil
}

func transformOf(name string, a []float64) (f64.Aff3, error) {
	arg := func(i int, def float64) float64 {
		if i < len(a) {
			return a[i]
		}
		return def
	}
	switch {
	case name == "matrix" && len(a) == 6:
		return f64.Aff3{a[0], a[2], a[4], a[1], a[3], a[5]}, nil
	case name == "translate" && len(a) >= 1 && len(a) <= 2:
		return f64.Aff3{1, 0, a[0], 0, 1, arg(1, 0)}, nil
	case name == "scale" && len(a) >= 1 && len(a) <= 2:
		return f64.Aff3{a[0], 0, 0, 0, arg(1, a[0]), 0}, nil
	case name == "rotate" && (len(a) == 1 || len(a) == 3):
		sin, cos := math.Sincos(a[0] * math.Pi / 180)
		cx, cy := arg(1, 0), arg(2, 0)
		r := f64.Aff3{cos, -sin, 0, sin, cos, 0}
		return mul(f64.Aff3{1, 0, cx, 0, 1, cy}, mul(r, f64.Aff3{1, 0, -cx, 0, 1, -cy})), nil
	case name == "skewX" && len(a) == 1:
		return f64.Aff3{1, math.Tan(a[0] * math.Pi / 180), 0, 0, 1, 0}, nil
	case name == "skewY" && len(a) == 1:
		return f64.Aff3{1, 0, 0, math.Tan(a[0] * math.Pi / 180), 1, 0}, nil
	}
	return identity, fmt.Errorf("svg: %w: %s with %d arguments", codecerr.ErrInvalidFormat, name, len(a))
}
