package codec

import (
	"fmt"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// noneStrategy stores the raw grid as UTF-8. It is the identity codec:
// the fallback when nothing else helps and the baseline for testing.
type noneStrategy struct{}

func (noneStrategy) Type() grid.Compression { return grid.CompressionNone }

func (noneStrategy) EncodeFrame(cur, _ []rune) ([]byte, error) {
	return []byte(string(cur)), nil
}

func (noneStrategy) DecodeFrame(data []byte, _ []rune, cells int) ([]rune, error) {
	out := []rune(string(data))
	if len(out) != cells {
		return nil, fmt.Errorf("raw frame has %d cells, want %d: %w", len(out), cells, ErrSizeMismatch)
	}
	return out, nil
}
