package webp

import (
	"github.com/deepteams/imgcodec/internal/bitio"
	"github.com/deepteams/imgcodec/internal/container"
	"github.com/deepteams/imgcodec/internal/huffman"
)

// VP8L bitstream constants.
const (
	vp8lSizeBits    = 14
	vp8lVersion     = 0
	vp8lMaxSize     = 1 << vp8lSizeBits
	subtractGreen   = 2 // transform type
	numLiteral      = 256
	numLength       = 24
	numDistance     = 40
	maxCodeLength   = 15
	maxCLCodeLength = 7
	numCLCodes      = 19
)

// codeLengthOrder is the order code length code lengths are stored in.
var codeLengthOrder = [numCLCodes]int{17, 18, 0, 1, 2, 3, 4, 5, 16, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

// prefixCode maps a symbol to its codeword. A code with a single used
// symbol is implicit and writes no bits.
type prefixCode []huffman.Code

func (c prefixCode) write(bw *bitio.LSBWriter, sym int) {
	if k := c[sym]; k.Len > 0 {
		bw.WriteBits(k.Reverse(), int(k.Len))
	}
}

// encodeVP8L writes w*h RGBA8 pixels as a VP8L bitstream: the header,
// a subtract-green transform and one literal per pixel under a single
// group of prefix codes.
func encodeVP8L(pix []byte, w, h int, alpha bool) ([]byte, error) {
	bw := bitio.NewLSBWriter(len(pix)/2 + 64)
	bw.WriteBits(container.VP8LMagicByte, 8)
	bw.WriteBits(uint32(w-1), vp8lSizeBits)
	bw.WriteBits(uint32(h-1), vp8lSizeBits)
	bw.WriteBool(alpha)
	bw.WriteBits(vp8lVersion, 3)
	if err := writeImageStream(bw, pix); err != nil {
		return nil, err
	}
	return bw.Finish(), nil
}

// writeImageStream writes the headerless part of a VP8L stream, the form
// ALPH chunks embed.
func writeImageStream(bw *bitio.LSBWriter, pix []byte) error {
	bw.WriteBool(true)
	bw.WriteBits(subtractGreen, 2)
	bw.WriteBool(false) // no more transforms
	bw.WriteBool(false) // no colour cache
	bw.WriteBool(false) // no meta prefix codes

	n := len(pix) / 4
	res := make([]byte, len(pix))
	for i := 0; i < n; i++ {
		r, g, b, a := pix[4*i], pix[4*i+1], pix[4*i+2], pix[4*i+3]
		// Stream order is green, red, blue, alpha.
		res[4*i], res[4*i+1], res[4*i+2], res[4*i+3] = g, r-g, b-g, a
	}
	freqs := [5][]int{
		make([]int, numLiteral+numLength),
		make([]int, numLiteral),
		make([]int, numLiteral),
		make([]int, numLiteral),
		make([]int, numDistance),
	}
	for i := 0; i < len(res); i += 4 {
		for c := 0; c < 4; c++ {
			freqs[c][res[i+c]]++
		}
	}
	var codes [4]prefixCode
	for c := range codes {
		code, err := storeCode(bw, freqs[c])
		if err != nil {
			return err
		}
		codes[c] = code
	}
	if _, err := storeCode(bw, freqs[4]); err != nil {
		return err
	}
	for i := 0; i < len(res); i += 4 {
		for c := 0; c < 4; c++ {
			codes[c].write(bw, int(res[i+c]))
		}
	}
	return nil
}

// storeCode writes the prefix code for freqs and returns it. One or two
// used symbols below 256 take the simple form; anything else is written
// as code lengths.
func storeCode(bw *bitio.LSBWriter, freqs []int) (prefixCode, error) {
	var used []int
	for s, f := range freqs {
		if f > 0 {
			used = append(used, s)
		}
	}
	codes := make(prefixCode, len(freqs))
	if len(used) <= 2 && (len(used) == 0 || used[len(used)-1] < numLiteral) {
		bw.WriteBool(true)
		switch len(used) {
		case 0:
			// An unused alphabet still needs a code: symbol 0 alone.
			bw.WriteBits(0, 3)
		case 1:
			bw.WriteBool(false)
			writeSimpleSymbol(bw, used[0])
		case 2:
			bw.WriteBool(true)
			writeSimpleSymbol(bw, used[0])
			bw.WriteBits(uint32(used[1]), 8)
			codes[used[0]] = huffman.Code{Bits: 0, Len: 1}
			codes[used[1]] = huffman.Code{Bits: 1, Len: 1}
		}
		return codes, nil
	}
	lengths, err := huffman.LengthsFromFreqs(freqs, maxCodeLength)
	if err != nil {
		return nil, err
	}
	if err := writeCodeLengths(bw, lengths); err != nil {
		return nil, err
	}
	return canonical(lengths)
}

func writeSimpleSymbol(bw *bitio.LSBWriter, s int) {
	if s < 2 {
		bw.WriteBool(false)
		bw.WriteBits(uint32(s), 1)
		return
	}
	bw.WriteBool(true)
	bw.WriteBits(uint32(s), 8)
}

// canonical assigns codes to lengths, dropping the codeword of a code with
// a single symbol.
func canonical(lengths []uint8) (prefixCode, error) {
	codes, err := huffman.CanonicalCodes(lengths)
	if err != nil {
		return nil, err
	}
	used := 0
	for _, l := range lengths {
		if l > 0 {
			used++
		}
	}
	if used == 1 {
		for i := range codes {
			codes[i] = huffman.Code{}
		}
	}
	return codes, nil
}

// writeCodeLengths writes a normal prefix code: the code length code,
// then every symbol's length coded with it. Repeat codes are not used.
func writeCodeLengths(bw *bitio.LSBWriter, lengths []uint8) error {
	bw.WriteBool(false)
	freqs := make([]int, numCLCodes)
	for _, l := range lengths {
		freqs[l]++
	}
	clLengths, err := huffman.LengthsFromFreqs(freqs, maxCLCodeLength)
	if err != nil {
		return err
	}
	n := numCLCodes
	for n > 4 && clLengths[codeLengthOrder[n-1]] == 0 {
		n--
	}
	bw.WriteBits(uint32(n-4), 4)
	for _, s := range codeLengthOrder[:n] {
		bw.WriteBits(uint32(clLengths[s]), 3)
	}
	bw.WriteBool(false) // every symbol has a length
	cl, err := canonical(clLengths)
	if err != nil {
		return err
	}
	for _, l := range lengths {
		cl.write(bw, int(l))
	}
	return nil
}
