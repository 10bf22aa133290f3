package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// zlibStrategy is the generic deflate-family fallback for high-entropy
// content that the structure-aware strategies cannot beat.
type zlibStrategy struct{}

func (zlibStrategy) Type() grid.Compression { return grid.CompressionZlib }

func (zlibStrategy) EncodeFrame(cur, _ []rune) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(string(cur))); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibStrategy) DecodeFrame(data []byte, _ []rune, cells int) ([]rune, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib header: %w", ErrCorruptPayload)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("zlib inflate: %w", ErrCorruptPayload)
	}
	out := []rune(string(raw))
	if len(out) != cells {
		return nil, fmt.Errorf("zlib frame has %d cells, want %d: %w", len(out), cells, ErrSizeMismatch)
	}
	return out, nil
}
