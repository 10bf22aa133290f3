package grid

import (
	"context"
	"math/rand"
)

// Source produces captured frames. Capture devices live outside the core;
// this is the seam they plug into.
type Source interface {
	// Next returns the next captured frame's cells, blocking until one is
	// available or ctx is cancelled.
	Next(ctx context.Context) ([]rune, error)
}

// Synthetic generates test-pattern frames without a camera: a static noise
// background with a small roving patch of change per frame. The mostly-static
// content exercises RLE and delta compression the way a real low-motion
// capture does.
type Synthetic struct {
	width  uint16
	height uint16
	ramp   []rune
	base   []rune
	frame  uint64
	rng    *rand.Rand
}

// NewSynthetic creates a generator for the given geometry. Seed fixes the
// noise background so tests are reproducible.
func NewSynthetic(width, height uint16, seed int64) *Synthetic {
	s := &Synthetic{
		width:  width,
		height: height,
		ramp:   CharSetStandard.Ramp(),
		rng:    rand.New(rand.NewSource(seed)),
	}
	cells := int(width) * int(height)
	s.base = make([]rune, cells)
	for i := range s.base {
		s.base[i] = s.ramp[s.rng.Intn(len(s.ramp))]
	}
	return s
}

// Next returns the next frame. It never blocks; the ctx parameter satisfies
// the Source contract for sources that do.
func (s *Synthetic) Next(ctx context.Context) ([]rune, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]rune, len(s.base))
	copy(out, s.base)

	// A 4x2 patch sweeps across the grid one column per frame.
	cols := int(s.width)
	rows := int(s.height)
	px := int(s.frame) % cols
	py := (int(s.frame) / cols) % rows
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 4; dx++ {
			x := (px + dx) % cols
			y := (py + dy) % rows
			out[y*cols+x] = s.ramp[len(s.ramp)-1]
		}
	}
	s.frame++
	return out, nil
}
