package svg

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/deepteams/imgcodec/codecerr"
)

// scanner tokenises the number lists of path data, points and
// transforms.
type scanner struct {
	s string
	i int
}

func (sc *scanner) skipSep() {
	for sc.i < len(sc.s) {
		switch sc.s[sc.i] {
		case ' ', '\t', '\n', '\r', '\f', ',':
			sc.i++
		default:
			return
		}
	}
}

// atNumber reports whether a number starts at the next token.
func (sc *scanner) atNumber() bool {
	sc.skipSep()
	if sc.i >= len(sc.s) {
		return false
	}
	c := sc.s[sc.i]
	return c >= '0' && c <= '9' || c == '.' || c == '-' || c == '+'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// number reads one number. "1.5.5" is two numbers and "1-2" is two
// numbers, as in path data.
func (sc *scanner) number() (float64, error) {
	sc.skipSep()
	start := sc.i
	s := sc.s
	if sc.i < len(s) && (s[sc.i] == '-' || s[sc.i] == '+') {
		sc.i++
	}
	digits := 0
	for sc.i < len(s) && isDigit(s[sc.i]) {
		sc.i++
		digits++
	}
	if sc.i < len(s) && s[sc.i] == '.' {
		sc.i++
		for sc.i < len(s) && isDigit(s[sc.i]) {
			sc.i++
			digits++
		}
	}
	if digits == 0 {
		sc.i = start
		return 0, fmt.Errorf("svg: %w: expected number at %q", codecerr.ErrInvalidFormat, clip(s[start:]))
	}
	if sc.i < len(s) && (s[sc.i] == 'e' || s[sc.i] == 'E') {
		j := sc.i + 1
		if j < len(s) && (s[j] == '-' || s[j] == '+') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			sc.i = j
		}
	}
	v, err := strconv.ParseFloat(s[start:sc.i], 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, fmt.Errorf("svg: %w: number %q", codecerr.ErrInvalidFormat, s[start:sc.i])
	}
	return v, nil
}

// flag reads a single arc flag digit, which needs no separator.
func (sc *scanner) flag() (bool, error) {
	sc.skipSep()
	if sc.i < len(sc.s) && (sc.s[sc.i] == '0' || sc.s[sc.i] == '1') {
		sc.i++
		return sc.s[sc.i-1] == '1', nil
	}
	return false, fmt.Errorf("svg: %w: expected arc flag at %q", codecerr.ErrInvalidFormat, clip(sc.s[sc.i:]))
}

func (sc *scanner) numbers(dst []float64) error {
	for i := range dst {
		v, err := sc.number()
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func clip(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}

// parsePath parses path data. On a syntax error it returns the segments
// before the error along with the error, which callers may render.
func parsePath(d string) ([]Segment, error) {
	sc := &scanner{s: d}
	var (
		segs       []Segment
		cur, start Point
		ctrl       Point // reflected control point for S and T
		lastCmd    byte
		cmd        byte
		args       [7]float64
	)
	for {
		sc.skipSep()
		if sc.i >= len(d) {
			return segs, nil
		}
		if c := d[sc.i]; strings.IndexByte("MmLlHhVvCcSsQqTtAaZz", c) >= 0 {
			cmd = c
			sc.i++
		} else if cmd == 0 || cmd == 'Z' || cmd == 'z' || !sc.atNumber() {
			return segs, fmt.Errorf("svg: %w: path data at %q", codecerr.ErrInvalidFormat, clip(d[sc.i:]))
		}
		if len(segs) == 0 && cmd != 'M' && cmd != 'm' {
			return segs, fmt.Errorf("svg: %w: path data must start with a moveto", codecerr.ErrInvalidFormat)
		}
		rel := cmd >= 'a'
		base := Point{}
		if rel {
			base = cur
		}
		abs := func(x, y float64) Point { return Point{base.X + x, base.Y + y} }
		var err error
		switch cmd {
		case 'M', 'm':
			if err = sc.numbers(args[:2]); err == nil {
				cur = abs(args[0], args[1])
				start = cur
				segs = append(segs, Segment{Op: MoveTo, Pts: [3]Point{cur}})
				// Further coordinate pairs are implicit linetos.
				if cmd == 'M' {
					cmd = 'L'
				} else {
					cmd = 'l'
				}
			}
		case 'L', 'l':
			if err = sc.numbers(args[:2]); err == nil {
				cur = abs(args[0], args[1])
				segs = append(segs, Segment{Op: LineTo, Pts: [3]Point{cur}})
			}
		case 'H', 'h':
			if err = sc.numbers(args[:1]); err == nil {
				cur.X = base.X + args[0]
				segs = append(segs, Segment{Op: LineTo, Pts: [3]Point{cur}})
			}
		case 'V', 'v':
			if err = sc.numbers(args[:1]); err == nil {
				cur.Y = base.Y + args[0]
				segs = append(segs, Segment{Op: LineTo, Pts: [3]Point{cur}})
			}
		case 'C', 'c':
			if err = sc.numbers(args[:6]); err == nil {
				c1, c2, p := abs(args[0], args[1]), abs(args[2], args[3]), abs(args[4], args[5])
				segs = append(segs, Segment{Op: CubeTo, Pts: [3]Point{c1, c2, p}})
				ctrl, cur = c2, p
			}
		case 'S', 's':
			if err = sc.numbers(args[:4]); err == nil {
				c1 := cur
				if strings.IndexByte("CcSs", lastCmd) >= 0 {
					c1 = Point{2*cur.X - ctrl.X, 2*cur.Y - ctrl.Y}
				}
				c2, p := abs(args[0], args[1]), abs(args[2], args[3])
				segs = append(segs, Segment{Op: CubeTo, Pts: [3]Point{c1, c2, p}})
				ctrl, cur = c2, p
			}
		case 'Q', 'q':
			if err = sc.numbers(args[:4]); err == nil {
				c, p := abs(args[0], args[1]), abs(args[2], args[3])
				segs = append(segs, Segment{Op: QuadTo, Pts: [3]Point{c, p}})
				ctrl, cur = c, p
			}
		case 'T', 't':
			if err = sc.numbers(args[:2]); err == nil {
				c := cur
				if strings.IndexByte("QqTt", lastCmd) >= 0 {
					c = Point{2*cur.X - ctrl.X, 2*cur.Y - ctrl.Y}
				}
				p := abs(args[0], args[1])
				segs = append(segs, Segment{Op: QuadTo, Pts: [3]Point{c, p}})
				ctrl, cur = c, p
			}
		case 'A', 'a':
			var large, sweep bool
			if err = sc.numbers(args[:3]); err == nil {
				if large, err = sc.flag(); err == nil {
					if sweep, err = sc.flag(); err == nil {
						err = sc.numbers(args[3:5])
					}
				}
			}
			if err == nil {
				p := abs(args[3], args[4])
				segs = appendArc(segs, cur, p, args[0], args[1], args[2], large, sweep)
				cur = p
			}
		case 'Z', 'z':
			segs = append(segs, Segment{Op: Close})
			cur = start
		}
		if err != nil {
			return segs, err
		}
		lastCmd = cmd
	}
}

// appendArc converts an elliptical arc from p0 to p into cubic segments
// of at most a quarter turn each.
func appendArc(segs []Segment, p0, p Point, rx, ry, phiDeg float64, large, sweep bool) []Segment {
	rx, ry = math.Abs(rx), math.Abs(ry)
	if p0 == p {
		return segs
	}
	if rx == 0 || ry == 0 {
		return append(segs, Segment{Op: LineTo, Pts: [3]Point{p}})
	}
	sin, cos := math.Sincos(phiDeg * math.Pi / 180)
	dx, dy := (p0.X-p.X)/2, (p0.Y-p.Y)/2
	x1 := cos*dx + sin*dy
	y1 := -sin*dx + cos*dy

	// Scale up radii that cannot reach the end point.
	if l := x1*x1/(rx*rx) + y1*y1/(ry*ry); l > 1 {
		s := math.Sqrt(l)
		rx, ry = rx*s, ry*s
	}
	num := rx*rx*ry*ry - rx*rx*y1*y1 - ry*ry*x1*x1
	den := rx*rx*y1*y1 + ry*ry*x1*x1
	k := math.Sqrt(math.Max(0, num/den))
	if large == sweep {
		k = -k
	}
	cx1, cy1 := k*rx*y1/ry, -k*ry*x1/rx
	cx := cos*cx1 - sin*cy1 + (p0.X+p.X)/2
	cy := sin*cx1 + cos*cy1 + (p0.Y+p.Y)/2

	angle := func(ux, uy, vx, vy float64) float64 {
		return math.Atan2(ux*vy-uy*vx, ux*vx+uy*vy)
	}
	theta := angle(1, 0, (x1-cx1)/rx, (y1-cy1)/ry)
	delta := angle((x1-cx1)/rx, (y1-cy1)/ry, (-x1-cx1)/rx, (-y1-cy1)/ry)
	if !sweep && delta > 0 {
		delta -= 2 * math.Pi
	} else if sweep && delta < 0 {
		delta += 2 * math.Pi
	}

	n := max(1, int(math.Ceil(math.Abs(delta)/(math.Pi/2))))
	step := delta / float64(n)
	t := 4.0 / 3 * math.Tan(step/4)
	at := func(a float64) (pt, d Point) {
		sa, ca := math.Sincos(a)
		x, y := rx*ca, ry*sa
		tx, ty := -rx*sa, ry*ca
		return Point{cos*x - sin*y + cx, sin*x + cos*y + cy}, Point{cos*tx - sin*ty, sin*tx + cos*ty}
	}
	a := theta
	from, d0 := at(a)
	for i := 0; i < n; i++ {
		to, d1 := at(a + step)
		if i == n-1 {
			to = p
		}
		segs = append(segs, Segment{Op: CubeTo, Pts: [3]Point{
			{from.X + t*d0.X, from.Y + t*d0.Y},
			{to.X - t*d1.X, to.Y - t*d1.Y},
			to,
		}})
		a += step
		from, d0 = to, d1
	}
	return segs
}
