// Package codec compresses and decompresses batches of character-grid
// frames. Each strategy is pure and stateless per call; delta state (the
// reference frame) is supplied by the caller, never held here.
package codec

import (
	"errors"
	"fmt"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// Sentinel errors. All are non-retryable: the batch that produced one is
// dropped, never re-decoded.
var (
	// ErrUnknownCompression means the batch carried a compression tag this
	// reader does not implement.
	ErrUnknownCompression = errors.New("codec: unknown compression")

	// ErrMissingReference means a delta payload arrived before any keyframe
	// established a reference for the stream.
	ErrMissingReference = errors.New("codec: delta frame without reference")

	// ErrSizeMismatch means a decoded frame's cell count disagrees with the
	// geometry declared in the batch metadata.
	ErrSizeMismatch = errors.New("codec: decoded size mismatch")

	// ErrCorruptPayload means a strategy payload was truncated or otherwise
	// not parseable.
	ErrCorruptPayload = errors.New("codec: corrupt payload")
)

// Strategy encodes and decodes a single frame's cells. prev is the frame's
// reference: the previous frame in the batch, or the cross-batch reference
// frame for the first frame of a delta batch. Strategies that do not use a
// reference ignore it.
type Strategy interface {
	EncodeFrame(cur, prev []rune) ([]byte, error)
	DecodeFrame(data []byte, prev []rune, cells int) ([]rune, error)
	Type() grid.Compression
}

// strategyFor returns the strategy for a concrete compression tag.
// Auto is a sender-side policy, not a wire tag, so it is rejected here.
func strategyFor(c grid.Compression) (Strategy, error) {
	switch c {
	case grid.CompressionNone:
		return noneStrategy{}, nil
	case grid.CompressionRunLength:
		return rleStrategy{}, nil
	case grid.CompressionDelta:
		return deltaStrategy{}, nil
	case grid.CompressionZlib:
		return zlibStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCompression, c)
	}
}

// Encode compresses a batch of frames with the given strategy, resolving
// Auto to the concrete tag that produced the smallest output. ref is the
// cross-batch reference (the last frame of the previous batch), or nil if
// none exists. The first frame deltas against ref; every later frame deltas
// against its in-batch predecessor.
func Encode(frames [][]rune, c grid.Compression, ref []rune) (grid.Compression, [][]byte, error) {
	if len(frames) == 0 {
		return c, nil, errors.New("codec: empty batch")
	}
	if c == grid.CompressionAuto {
		return encodeAuto(frames, ref)
	}
	if c == grid.CompressionDelta && ref == nil {
		return c, nil, ErrMissingReference
	}

	s, err := strategyFor(c)
	if err != nil {
		return c, nil, err
	}
	payloads, _, err := encodeWith(s, frames, ref)
	return c, payloads, err
}

// encodeWith runs one strategy over the batch, returning the payloads and
// their total size.
func encodeWith(s Strategy, frames [][]rune, ref []rune) ([][]byte, int, error) {
	payloads := make([][]byte, len(frames))
	total := 0
	prev := ref
	for i, cur := range frames {
		data, err := s.EncodeFrame(cur, prev)
		if err != nil {
			return nil, 0, fmt.Errorf("frame %d (%s): %w", i, s.Type(), err)
		}
		payloads[i] = data
		total += len(data)
		prev = cur
	}
	return payloads, total, nil
}

// autoOrder is the tie-break preference when two strategies produce equal
// output: cheapest to decode wins, bounding consumer CPU.
var autoOrder = []grid.Compression{
	grid.CompressionNone,
	grid.CompressionRunLength,
	grid.CompressionDelta,
	grid.CompressionZlib,
}

// encodeAuto encodes the batch with every eligible strategy and keeps the
// smallest result. Delta is eligible only when a reference exists. Iterating
// in decode-cost order with a strict less-than comparison implements the
// tie-break for free.
func encodeAuto(frames [][]rune, ref []rune) (grid.Compression, [][]byte, error) {
	var (
		bestTag  grid.Compression
		bestData [][]byte
		bestSize = -1
	)
	for _, tag := range autoOrder {
		if tag == grid.CompressionDelta && ref == nil {
			continue
		}
		s, err := strategyFor(tag)
		if err != nil {
			return tag, nil, err
		}
		payloads, size, err := encodeWith(s, frames, ref)
		if err != nil {
			return tag, nil, err
		}
		if bestSize < 0 || size < bestSize {
			bestTag, bestData, bestSize = tag, payloads, size
		}
	}
	return bestTag, bestData, nil
}

// Decode decompresses a batch of frame payloads. c must be a concrete tag
// as read from the batch header. ref is the cross-batch reference for delta
// batches; cells is the declared geometry (width*height). Every decoded
// frame is verified against cells before it is returned.
func Decode(payloads [][]byte, c grid.Compression, ref []rune, cells int) ([][]rune, error) {
	s, err := strategyFor(c)
	if err != nil {
		return nil, err
	}
	if c == grid.CompressionDelta && ref == nil {
		return nil, ErrMissingReference
	}

	frames := make([][]rune, len(payloads))
	prev := ref
	for i, data := range payloads {
		cur, err := s.DecodeFrame(data, prev, cells)
		if err != nil {
			return nil, fmt.Errorf("frame %d (%s): %w", i, c, err)
		}
		if len(cur) != cells {
			return nil, fmt.Errorf("frame %d: got %d cells, want %d: %w", i, len(cur), cells, ErrSizeMismatch)
		}
		frames[i] = cur
		prev = cur
	}
	return frames, nil
}
