package huffman

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/deepteams/imgcodec/codecerr"
)

// Code is a codeword, Len bits stored in the low bits of Bits.
type Code struct {
	Bits uint32
	Len  uint8
}

// EncodeTable assigns the canonical codes of a JPEG-style table, indexed
// by symbol. Symbols absent from values have a zero Code.
func EncodeTable(counts [MaxCodeLength]uint8, values []uint8) ([MaxSymbols]Code, error) {
	var out [MaxSymbols]Code
	var t Table
	if err := t.Build(counts, values); err != nil {
		return out, err
	}
	code, k := uint32(0), 0
	for l := 1; l <= MaxCodeLength; l++ {
		for i := 0; i < int(counts[l-1]); i++ {
			out[values[k]] = Code{Bits: code, Len: uint8(l)}
			code++
			k++
		}
		code <<= 1
	}
	return out, nil
}

// CanonicalCodes assigns codes from per-symbol lengths in the deflate
// convention: shorter codes first, ties broken by symbol order. Zero
// lengths get no code.
func CanonicalCodes(lengths []uint8) ([]Code, error) {
	maxLen := 0
	for _, l := range lengths {
		maxLen = max(maxLen, int(l))
	}
	count := make([]uint32, maxLen+1)
	for _, l := range lengths {
		if l > 0 {
			count[l]++
		}
	}
	next := make([]uint32, maxLen+2)
	code := uint32(0)
	for l := 1; l <= maxLen; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
		if uint64(code)+uint64(count[l]) > 1<<uint(l) {
			return nil, fmt.Errorf("huffman: %w: over-subscribed code lengths", codecerr.ErrInvalidFormat)
		}
	}
	out := make([]Code, len(lengths))
	for s, l := range lengths {
		if l > 0 {
			out[s] = Code{Bits: next[l], Len: l}
			next[l]++
		}
	}
	return out, nil
}

// Reverse returns c with its bits reversed, for LSB-first writers.
func (c Code) Reverse() uint32 {
	var r uint32
	for i := uint8(0); i < c.Len; i++ {
		r = r<<1 | (c.Bits>>i)&1
	}
	return r
}

// CountsFromLengths converts per-symbol lengths into JPEG table form:
// code counts per length and symbols ordered by length, then value.
func CountsFromLengths(lengths []uint8) (counts [MaxCodeLength]uint8, values []uint8, err error) {
	if len(lengths) > MaxSymbols {
		return counts, nil, fmt.Errorf("huffman: %w: %d symbols", codecerr.ErrInvalidFormat, len(lengths))
	}
	for l := 1; l <= MaxCodeLength; l++ {
		for s, sl := range lengths {
			if int(sl) == l {
				counts[l-1]++
				values = append(values, uint8(s))
			}
		}
	}
	for _, sl := range lengths {
		if int(sl) > MaxCodeLength {
			return counts, nil, fmt.Errorf("huffman: %w: code length %d", codecerr.ErrInvalidFormat, sl)
		}
	}
	return counts, values, nil
}

type node struct {
	freq  int
	order int // tie breaker
	sym   int // -1 for internal nodes
	left  *node
	right *node
}

type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].order < h[j].order
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)   { *h = append(*h, x.(*node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// LengthsFromFreqs returns Huffman code lengths for the given symbol
// frequencies, no longer than maxLen. Symbols with zero frequency get
// length 0. A single used symbol gets length 1. It fails when more symbols
// are used than maxLen bits can address.
func LengthsFromFreqs(freqs []int, maxLen int) ([]uint8, error) {
	lengths := make([]uint8, len(freqs))
	h := &nodeHeap{}
	for s, f := range freqs {
		if f > 0 {
			*h = append(*h, &node{freq: f, order: s, sym: s})
		}
	}
	switch h.Len() {
	case 0:
		return lengths, nil
	case 1:
		lengths[(*h)[0].sym] = 1
		return lengths, nil
	}
	if maxLen < 1 || 1<<uint(maxLen) < h.Len() {
		return nil, fmt.Errorf("huffman: %w: %d symbols cannot fit in %d-bit codes",
			codecerr.ErrUnsupported, h.Len(), maxLen)
	}
	heap.Init(h)
	order := len(freqs)
	for h.Len() > 1 {
		a := heap.Pop(h).(*node)
		b := heap.Pop(h).(*node)
		heap.Push(h, &node{freq: a.freq + b.freq, order: order, sym: -1, left: a, right: b})
		order++
	}

	// bits[l] counts leaves at depth l.
	bits := make([]int, len(freqs)+1)
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		if n.sym >= 0 {
			bits[depth]++
			return
		}
		walk(n.left, depth+1)
		walk(n.right, depth+1)
	}
	walk((*h)[0], 0)

	// Move leaves deeper than maxLen up, keeping the code complete.
	for i := len(bits) - 1; i > maxLen; i-- {
		for bits[i] > 0 {
			j := i - 2
			for bits[j] == 0 {
				j--
			}
			bits[i] -= 2
			bits[i-1]++
			bits[j+1] += 2
			bits[j]--
		}
	}

	// Most frequent symbols take the shortest codes.
	syms := make([]int, 0, len(freqs))
	for s, f := range freqs {
		if f > 0 {
			syms = append(syms, s)
		}
	}
	sort.SliceStable(syms, func(a, b int) bool {
		return freqs[syms[a]] > freqs[syms[b]]
	})
	k := 0
	for l := 1; l <= maxLen; l++ {
		for n := 0; n < bits[l]; n++ {
			lengths[syms[k]] = uint8(l)
			k++
		}
	}
	return lengths, nil
}
