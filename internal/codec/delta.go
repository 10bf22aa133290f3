package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// deltaStrategy emits only the cells that changed relative to the reference
// frame, as (position, symbol) pairs. The reference is the previous frame in
// the batch, or the cached cross-batch reference for the first frame.
//
// Payload: [changeCount u32][changes...], each change
// [position u32][symLen u8][symbol bytes].
type deltaStrategy struct{}

func (deltaStrategy) Type() grid.Compression { return grid.CompressionDelta }

func (deltaStrategy) EncodeFrame(cur, prev []rune) ([]byte, error) {
	if prev == nil {
		return nil, ErrMissingReference
	}
	if len(cur) != len(prev) {
		return nil, fmt.Errorf("delta geometry changed mid-stream (%d vs %d cells): %w",
			len(cur), len(prev), ErrSizeMismatch)
	}

	out := make([]byte, 4)
	var changes uint32
	for i, sym := range cur {
		if sym == prev[i] {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(i))
		var sb [utf8.UTFMax]byte
		n := utf8.EncodeRune(sb[:], sym)
		out = append(out, byte(n))
		out = append(out, sb[:n]...)
		changes++
	}
	binary.BigEndian.PutUint32(out[:4], changes)
	return out, nil
}

func (deltaStrategy) DecodeFrame(data []byte, prev []rune, cells int) ([]rune, error) {
	if prev == nil {
		return nil, ErrMissingReference
	}
	if len(prev) != cells {
		return nil, fmt.Errorf("delta reference has %d cells, want %d: %w", len(prev), cells, ErrSizeMismatch)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("delta header truncated: %w", ErrCorruptPayload)
	}

	out := make([]rune, cells)
	copy(out, prev)

	changes := binary.BigEndian.Uint32(data[:4])
	i := 4
	for c := uint32(0); c < changes; c++ {
		if i+5 > len(data) {
			return nil, fmt.Errorf("delta change %d truncated: %w", c, ErrCorruptPayload)
		}
		pos := binary.BigEndian.Uint32(data[i : i+4])
		symLen := int(data[i+4])
		i += 5
		if symLen == 0 || i+symLen > len(data) {
			return nil, fmt.Errorf("delta symbol truncated: %w", ErrCorruptPayload)
		}
		sym, n := utf8.DecodeRune(data[i : i+symLen])
		if sym == utf8.RuneError && n <= 1 {
			return nil, fmt.Errorf("delta symbol invalid UTF-8: %w", ErrCorruptPayload)
		}
		i += symLen
		if int(pos) >= cells {
			return nil, fmt.Errorf("delta position %d outside %d-cell grid: %w", pos, cells, ErrCorruptPayload)
		}
		out[pos] = sym
	}
	return out, nil
}
