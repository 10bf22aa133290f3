package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// RLE token kinds. A run token collapses >=minRun identical symbols into a
// (symbol, count) pair; shorter stretches accumulate into literal blocks so
// non-repetitive content does not balloon.
const (
	rleTokLiteral = 0x00 // [0x00][count u16][count UTF-8 symbols]
	rleTokRun     = 0x01 // [0x01][count u16][symLen u8][symbol bytes]

	minRun      = 3
	maxRunCount = 0xFFFF
)

// rleStrategy is run-length encoding over grid symbols. Best on near-static
// low-detail content; 2-5x typical on such grids.
type rleStrategy struct{}

func (rleStrategy) Type() grid.Compression { return grid.CompressionRunLength }

func (rleStrategy) EncodeFrame(cur, _ []rune) ([]byte, error) {
	var out []byte
	var lit []rune

	flushLiteral := func() {
		for len(lit) > 0 {
			n := len(lit)
			if n > maxRunCount {
				n = maxRunCount
			}
			out = append(out, rleTokLiteral)
			out = binary.BigEndian.AppendUint16(out, uint16(n))
			for _, r := range lit[:n] {
				out = utf8.AppendRune(out, r)
			}
			lit = lit[n:]
		}
	}

	i := 0
	for i < len(cur) {
		sym := cur[i]
		runLen := 1
		for i+runLen < len(cur) && cur[i+runLen] == sym && runLen < maxRunCount {
			runLen++
		}
		if runLen >= minRun {
			flushLiteral()
			out = append(out, rleTokRun)
			out = binary.BigEndian.AppendUint16(out, uint16(runLen))
			var sb [utf8.UTFMax]byte
			n := utf8.EncodeRune(sb[:], sym)
			out = append(out, byte(n))
			out = append(out, sb[:n]...)
		} else {
			for k := 0; k < runLen; k++ {
				lit = append(lit, sym)
			}
		}
		i += runLen
	}
	flushLiteral()
	return out, nil
}

func (rleStrategy) DecodeFrame(data []byte, _ []rune, cells int) ([]rune, error) {
	out := make([]rune, 0, cells)
	i := 0
	for i < len(data) {
		if i+3 > len(data) {
			return nil, fmt.Errorf("rle token truncated at %d: %w", i, ErrCorruptPayload)
		}
		kind := data[i]
		count := int(binary.BigEndian.Uint16(data[i+1 : i+3]))
		i += 3

		switch kind {
		case rleTokRun:
			if i >= len(data) {
				return nil, fmt.Errorf("rle run symbol truncated: %w", ErrCorruptPayload)
			}
			symLen := int(data[i])
			i++
			if symLen == 0 || i+symLen > len(data) {
				return nil, fmt.Errorf("rle run symbol bytes truncated: %w", ErrCorruptPayload)
			}
			sym, n := utf8.DecodeRune(data[i : i+symLen])
			if sym == utf8.RuneError && n <= 1 {
				return nil, fmt.Errorf("rle run symbol invalid UTF-8: %w", ErrCorruptPayload)
			}
			i += symLen
			for k := 0; k < count; k++ {
				out = append(out, sym)
			}

		case rleTokLiteral:
			for k := 0; k < count; k++ {
				if i >= len(data) {
					return nil, fmt.Errorf("rle literal block truncated: %w", ErrCorruptPayload)
				}
				sym, n := utf8.DecodeRune(data[i:])
				if sym == utf8.RuneError && n <= 1 {
					return nil, fmt.Errorf("rle literal invalid UTF-8: %w", ErrCorruptPayload)
				}
				i += n
				out = append(out, sym)
			}

		default:
			return nil, fmt.Errorf("rle token kind 0x%02x: %w", kind, ErrCorruptPayload)
		}

		if len(out) > cells {
			return nil, fmt.Errorf("rle output exceeds %d cells: %w", cells, ErrSizeMismatch)
		}
	}
	if len(out) != cells {
		return nil, fmt.Errorf("rle output has %d cells, want %d: %w", len(out), cells, ErrSizeMismatch)
	}
	return out, nil
}
