// Package grid defines the core frame types that flow through the gridcast
// pipeline, from capture through batching, transport, and playback.
package grid

import (
	"errors"
	"fmt"
)

// Compression identifies a frame compression strategy. The tag is carried
// in every batch header so a decoder never has to guess.
type Compression uint8

// Compression strategies, in decode-cost order (cheapest first).
const (
	CompressionNone      Compression = 0
	CompressionRunLength Compression = 1
	CompressionDelta     Compression = 2
	CompressionZlib      Compression = 3
	// CompressionAuto tries every eligible strategy and keeps the smallest.
	// It is a sender-side policy only: it is always resolved to one of the
	// concrete tags above before a batch is framed.
	CompressionAuto Compression = 4
)

// String returns the strategy name for logs and error messages.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionRunLength:
		return "rle"
	case CompressionDelta:
		return "delta"
	case CompressionZlib:
		return "zlib"
	case CompressionAuto:
		return "auto"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Valid reports whether c is a known compression tag, including Auto.
func (c Compression) Valid() bool {
	return c <= CompressionAuto
}

// Frame is one rendered character grid at one instant. Timestamp is
// milliseconds since the start of the batch that carries the frame.
type Frame struct {
	Timestamp uint32
	Cells     []rune
}

// Clone returns a deep copy of the frame. Decoded frames are handed to the
// playback buffer, so the reconstructor clones before mutating its reference.
func (f Frame) Clone() Frame {
	cells := make([]rune, len(f.Cells))
	copy(cells, f.Cells)
	return Frame{Timestamp: f.Timestamp, Cells: cells}
}

// Metadata describes the grid geometry and encoding policy in force for a
// batch. Every frame in a batch is decodable using only the batch's own
// metadata; changes take effect only at a batch boundary.
type Metadata struct {
	FPS            uint8
	Width          uint16
	Height         uint16
	Compression    Compression
	Palette        PaletteTag
	FramesPerBatch uint8
}

// CellCount returns the number of cells in one frame at this geometry.
func (m Metadata) CellCount() int {
	return int(m.Width) * int(m.Height)
}

// Validate checks the metadata at stream start. This is the only error in
// the core that propagates to the caller; everything downstream degrades
// the stream instead of failing it.
func (m Metadata) Validate() error {
	var errs []error
	if m.FPS < 1 || m.FPS > 60 {
		errs = append(errs, fmt.Errorf("grid: fps must be 1-60, got %d", m.FPS))
	}
	if m.Width == 0 || m.Height == 0 {
		errs = append(errs, fmt.Errorf("grid: geometry must be positive, got %dx%d", m.Width, m.Height))
	}
	if m.FramesPerBatch < 1 {
		errs = append(errs, errors.New("grid: frames per batch must be at least 1"))
	}
	if !m.Compression.Valid() {
		errs = append(errs, fmt.Errorf("grid: unknown compression %d", uint8(m.Compression)))
	}
	return errors.Join(errs...)
}

// Batch is the unit of transport: a monotonic sequence number, the metadata
// in force, and a small fixed number of frames. Immutable once framed.
type Batch struct {
	Sequence uint64
	Metadata Metadata
	Frames   []Frame
}

// IsKeyframe reports whether the batch is self-contained, i.e. decodable
// without any prior reference state. Delta is the only strategy that
// depends on a predecessor.
func (b *Batch) IsKeyframe() bool {
	return b.Metadata.Compression != CompressionDelta
}
