// Package reconstruct turns the transport's arrival stream back into
// ordered, decoded frame batches. Each sender identity gets its own
// session tracking the expected sequence number and the reference grid
// for delta decoding.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridcast-dev/gridcast/internal/codec"
	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/metrics"
	"github.com/gridcast-dev/gridcast/internal/transport"
	"github.com/gridcast-dev/gridcast/internal/wire"
)

// Batch is a fully decoded batch ready for playback or fan-out.
type Batch struct {
	Identity transport.Identity
	Sequence uint64
	Keyframe bool
	Metadata grid.Metadata
	Frames   []grid.Frame
}

// Sink receives decoded batches and session lifecycle events.
type Sink interface {
	Deliver(batch *Batch)
	End(identity transport.Identity)
}

// Config holds reconstruction policy.
type Config struct {
	// Filter, when non-empty, restricts reconstruction to one sender
	// identity; arrivals from anyone else are ignored.
	Filter transport.Identity

	// IdleTimeout is how long a session may go without an arrival before
	// the janitor ends it.
	IdleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
}

type session struct {
	mu       sync.Mutex
	started  bool
	expected uint64
	ref      []rune
	meta     grid.Metadata
	lastSeen time.Time
}

// Reconstructor demultiplexes arrivals into per-identity sessions.
type Reconstructor struct {
	log  *slog.Logger
	cfg  Config
	sink Sink

	mu       sync.Mutex
	sessions map[transport.Identity]*session
}

// New creates a Reconstructor delivering to sink.
func New(cfg Config, sink Sink, log *slog.Logger) *Reconstructor {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Reconstructor{
		log:      log.With("component", "reconstruct"),
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[transport.Identity]*session),
	}
}

// Handle processes one arrival. Malformed payloads and out-of-policy
// sequence numbers are consumed here; the returned error reports only
// payloads that were dropped, never a reason to stop the caller's loop.
func (r *Reconstructor) Handle(arrival transport.Arrival) error {
	if r.cfg.Filter != "" && arrival.Identity != r.cfg.Filter {
		return nil
	}

	batch, err := wire.Decode(arrival.Payload)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("malformed").Inc()
		r.log.Warn("discarding malformed payload",
			"identity", arrival.Identity,
			"bytes", len(arrival.Payload),
			"error", err)
		return fmt.Errorf("reconstruct: %w", err)
	}

	s := r.session(arrival.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	return r.advance(arrival.Identity, s, batch)
}

// advance applies the sequence policy to one framed batch. Caller holds
// the session lock.
func (r *Reconstructor) advance(id transport.Identity, s *session, batch *wire.Batch) error {
	seq := batch.SequenceStart

	if !s.started {
		if !batch.IsKeyframe() {
			metrics.DecodeErrors.WithLabelValues("no_reference").Inc()
			r.log.Debug("discarding delta batch before first keyframe",
				"identity", id, "sequence", seq)
			return nil
		}
		return r.deliver(id, s, batch)
	}

	switch {
	case seq < s.expected:
		metrics.DuplicatesDiscarded.Inc()
		r.log.Debug("discarding stale batch",
			"identity", id, "sequence", seq, "expected", s.expected)
		return nil

	case seq == s.expected:
		return r.deliver(id, s, batch)

	default: // seq > expected: a gap
		if !batch.IsKeyframe() {
			r.log.Debug("discarding delta batch across gap, awaiting keyframe",
				"identity", id, "sequence", seq, "expected", s.expected)
			return nil
		}
		metrics.SequenceGaps.Inc()
		r.log.Warn("sequence gap, resuming at keyframe",
			"identity", id,
			"expected", s.expected,
			"got", seq,
			"missed", seq-s.expected)
		return r.deliver(id, s, batch)
	}
}

func (r *Reconstructor) deliver(id transport.Identity, s *session, batch *wire.Batch) error {
	ref := s.ref
	if batch.IsKeyframe() {
		ref = nil
	}

	payloads := make([][]byte, len(batch.Records))
	for i, rec := range batch.Records {
		payloads[i] = rec.Payload
	}
	frames, err := codec.Decode(payloads, batch.Compression, ref, batch.Metadata.CellCount())
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(decodeErrorClass(err)).Inc()
		r.log.Warn("discarding undecodable batch",
			"identity", id,
			"sequence", batch.SequenceStart,
			"compression", batch.Compression,
			"error", err)
		return fmt.Errorf("reconstruct: %w", err)
	}

	out := &Batch{
		Identity: id,
		Sequence: batch.SequenceStart,
		Keyframe: batch.IsKeyframe(),
		Metadata: batch.Metadata,
		Frames:   make([]grid.Frame, len(frames)),
	}
	for i, cells := range frames {
		out.Frames[i] = grid.Frame{Timestamp: batch.Records[i].Timestamp, Cells: cells}
	}

	if !s.started {
		s.started = true
		metrics.ActiveStreams.Inc()
		r.log.Info("stream started",
			"identity", id,
			"sequence", batch.SequenceStart,
			"width", batch.Metadata.Width,
			"height", batch.Metadata.Height,
			"fps", batch.Metadata.FPS)
	}
	s.expected = batch.SequenceStart + 1
	s.meta = batch.Metadata
	last := frames[len(frames)-1]
	s.ref = append([]rune(nil), last...)

	metrics.BatchesDelivered.Inc()
	r.sink.Deliver(out)
	return nil
}

// End closes one identity's session and notifies the sink.
func (r *Reconstructor) End(id transport.Identity) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		metrics.ActiveStreams.Dec()
	}
	r.log.Info("stream ended", "identity", id)
	r.sink.End(id)
}

// Run prunes idle sessions until ctx is cancelled.
func (r *Reconstructor) Run(ctx context.Context) error {
	interval := r.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.pruneIdle(time.Now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconstructor) pruneIdle(now time.Time) {
	r.mu.Lock()
	var idle []transport.Identity
	for id, s := range r.sessions {
		s.mu.Lock()
		if now.Sub(s.lastSeen) > r.cfg.IdleTimeout {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.log.Info("pruning idle stream", "identity", id, "timeout", r.cfg.IdleTimeout)
		r.End(id)
	}
}

// Sessions reports the identities with live sessions.
func (r *Reconstructor) Sessions() []transport.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Identity, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Reconstructor) session(id transport.Identity) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{lastSeen: time.Now()}
		r.sessions[id] = s
	}
	return s
}

func decodeErrorClass(err error) string {
	switch {
	case errors.Is(err, codec.ErrMissingReference):
		return "no_reference"
	case errors.Is(err, codec.ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, codec.ErrUnknownCompression):
		return "unknown_compression"
	default:
		return "corrupt"
	}
}
