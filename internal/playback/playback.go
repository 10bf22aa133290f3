// Package playback smooths decoded batches into a steady frame cadence.
// A bounded buffer absorbs arrival jitter; a small state machine decides
// whether the viewer sees fresh frames, a held frame, or a stall.
package playback

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/metrics"
	"github.com/gridcast-dev/gridcast/internal/reconstruct"
)

// State is the playback lifecycle.
type State int

const (
	// StateEmpty means nothing has arrived yet.
	StateEmpty State = iota
	// StatePrefilling means batches are buffering before playback starts.
	StatePrefilling
	// StatePlaying means ticks consume buffered frames.
	StatePlaying
	// StateStalled means the buffer ran dry past the repeat allowance.
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePrefilling:
		return "prefilling"
	case StatePlaying:
		return "playing"
	case StateStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Config bounds the buffer and sets the prefill and underrun policy.
type Config struct {
	// Capacity is the maximum buffered batches. On overflow the
	// lowest-sequence batch is dropped, favoring liveness over
	// completeness.
	Capacity int

	// Prefill is how many batches must buffer before playback starts,
	// and again before a stall lifts.
	Prefill int

	// MaxRepeats is how many ticks the last frame is held on underrun
	// before the buffer declares a stall.
	MaxRepeats int
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 8
	}
	if c.Prefill <= 0 {
		c.Prefill = 3
	}
	if c.Prefill > c.Capacity {
		c.Prefill = c.Capacity
	}
	if c.MaxRepeats <= 0 {
		c.MaxRepeats = 10
	}
}

// Buffer is the playback buffer. All methods are safe for concurrent use;
// typically one goroutine pushes decoded batches while another ticks.
type Buffer struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	state    State
	batches  []*reconstruct.Batch
	frameIdx int
	last     grid.Frame
	hasLast  bool
	repeats  int
}

// New creates a playback buffer.
func New(cfg Config, log *slog.Logger) *Buffer {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		log:   log.With("component", "playback"),
		cfg:   cfg,
		state: StateEmpty,
	}
}

// Push buffers one decoded batch, keeping the buffer ordered by sequence
// and bounded by capacity.
func (b *Buffer) Push(batch *reconstruct.Batch) {
	if batch == nil || len(batch.Frames) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A batch older than the one mid-playback arrives too late to show.
	if b.frameIdx > 0 && len(b.batches) > 0 && batch.Sequence < b.batches[0].Sequence {
		return
	}

	i := sort.Search(len(b.batches), func(i int) bool {
		return b.batches[i].Sequence >= batch.Sequence
	})
	if i < len(b.batches) && b.batches[i].Sequence == batch.Sequence {
		return // duplicate
	}
	b.batches = append(b.batches, nil)
	copy(b.batches[i+1:], b.batches[i:])
	b.batches[i] = batch

	if len(b.batches) > b.cfg.Capacity {
		dropped := b.batches[0]
		b.batches = b.batches[1:]
		if b.frameIdx > 0 {
			b.frameIdx = 0
		}
		metrics.PlaybackOverflows.Inc()
		b.log.Debug("buffer overflow, dropping oldest batch",
			"sequence", dropped.Sequence, "capacity", b.cfg.Capacity)
	}

	switch b.state {
	case StateEmpty:
		b.state = StatePrefilling
		fallthrough
	case StatePrefilling, StateStalled:
		if len(b.batches) >= b.cfg.Prefill {
			if b.state == StateStalled {
				b.log.Info("stall lifted", "buffered", len(b.batches))
			}
			b.state = StatePlaying
			b.repeats = 0
		}
	}
}

// Tick advances playback by one frame. During Playing it returns the next
// buffered frame. On underrun it holds the last frame for a bounded number
// of ticks, then moves to Stalled. The bool is false when there is no
// frame to show at all.
func (b *Buffer) Tick() (grid.Frame, State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StatePlaying {
		return b.last, b.state, b.hasLast
	}

	if len(b.batches) == 0 {
		metrics.PlaybackUnderruns.Inc()
		b.repeats++
		if b.repeats > b.cfg.MaxRepeats {
			b.state = StateStalled
			metrics.PlaybackStalls.Inc()
			b.log.Warn("playback stalled", "heldTicks", b.repeats-1)
		}
		return b.last, b.state, b.hasLast
	}

	b.repeats = 0
	batch := b.batches[0]
	frame := batch.Frames[b.frameIdx]
	b.frameIdx++
	if b.frameIdx >= len(batch.Frames) {
		b.batches = b.batches[1:]
		b.frameIdx = 0
	}
	b.last = frame
	b.hasLast = true
	return frame, b.state, true
}

// State reports the current playback state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Buffered reports the number of buffered batches.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// Reset clears the buffer, returning to Empty. Used when a stream ends
// and the buffer will be reused for the next one.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = nil
	b.frameIdx = 0
	b.repeats = 0
	b.hasLast = false
	b.last = grid.Frame{}
	b.state = StateEmpty
}
