package png

import (
	"fmt"

	"github.com/deepteams/imgcodec/codecerr"
	"github.com/deepteams/imgcodec/internal/utils"
)

// Filter types.
const (
	ftNone = iota
	ftSub
	ftUp
	ftAverage
	ftPaeth
	nFilters
)

func paeth(a, b, c uint8) uint8 {
	p := int(a) + int(b) - int(c)
	pa := utils.Abs(p - int(a))
	pb := utils.Abs(p - int(b))
	pc := utils.Abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

// unfilter reverses filter ft on cur in place. prev is the previous
// unfiltered row of the same pass, all zero for the first row.
func unfilter(ft byte, cur, prev []byte, unit int) error {
	switch ft {
	case ftNone:
	case ftSub:
		for i := unit; i < len(cur); i++ {
			cur[i] += cur[i-unit]
		}
	case ftUp:
		for i := range cur {
			cur[i] += prev[i]
		}
	case ftAverage:
		for i := 0; i < unit && i < len(cur); i++ {
			cur[i] += prev[i] / 2
		}
		for i := unit; i < len(cur); i++ {
			cur[i] += uint8((int(cur[i-unit]) + int(prev[i])) / 2)
		}
	case ftPaeth:
		for i := 0; i < unit && i < len(cur); i++ {
			cur[i] += prev[i]
		}
		for i := unit; i < len(cur); i++ {
			cur[i] += paeth(cur[i-unit], prev[i], prev[i-unit])
		}
	default:
		return fmt.Errorf("png: %w: filter type %d", codecerr.ErrInvalidFormat, ft)
	}
	return nil
}

// filterRow applies filter ft to cur into dst.
func filterRow(dst []byte, ft int, cur, prev []byte, unit int) {
	for i := range cur {
		var a, b, c uint8
		if i >= unit {
			a = cur[i-unit]
			c = prev[i-unit]
		}
		b = prev[i]
		switch ft {
		case ftNone:
			dst[i] = cur[i]
		case ftSub:
			dst[i] = cur[i] - a
		case ftUp:
			dst[i] = cur[i] - b
		case ftAverage:
			dst[i] = cur[i] - uint8((int(a)+int(b))/2)
		case ftPaeth:
			dst[i] = cur[i] - paeth(a, b, c)
		}
	}
}

// chooseFilter filters cur with every filter type and keeps the one with
// the smallest sum of absolute signed residuals. dst holds the filter
// byte followed by the residuals; scratch must hold len(cur) bytes.
func chooseFilter(dst []byte, cur, prev, scratch []byte, unit int) {
	best := -1
	for ft := 0; ft < nFilters; ft++ {
		filterRow(scratch, ft, cur, prev, unit)
		sum := 0
		for _, v := range scratch {
			sum += utils.Abs(int(int8(v)))
			if best >= 0 && sum >= best {
				break
			}
		}
		if best < 0 || sum < best {
			best = sum
			dst[0] = byte(ft)
			copy(dst[1:], scratch)
		}
	}
}
