// Package sender accumulates captured frames into fixed-size batches,
// assigns sequence numbers, applies the keyframe policy, and hands framed
// payloads to the transport collaborator.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridcast-dev/gridcast/internal/codec"
	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/metrics"
	"github.com/gridcast-dev/gridcast/internal/transport"
	"github.com/gridcast-dev/gridcast/internal/wire"
)

// ErrPayloadTooLarge means a framed batch exceeded the configured maximum
// and was dropped before send. Truncating would corrupt the wire format, so
// the whole batch goes.
var ErrPayloadTooLarge = errors.New("sender: payload exceeds maximum size")

// Config holds the batcher's encoding policy and limits.
type Config struct {
	Metadata grid.Metadata

	// TickInterval is the transport's tick cadence; a flush is due every
	// tick regardless of accumulation depth.
	TickInterval time.Duration

	// KeyframeInterval forces every Kth batch to be self-contained.
	KeyframeInterval int

	// MaxPayload is the hard payload size limit; oversize batches are
	// dropped and warned, never truncated.
	MaxPayload int

	// QueueSize bounds the outgoing queue between flush and submit. When
	// the transport cannot keep up, the oldest unsent payload is dropped.
	QueueSize int
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 400 * time.Millisecond
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = 30
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 120_000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8
	}
	if c.Metadata.FramesPerBatch == 0 {
		c.Metadata.FramesPerBatch = FramesPerTick(c.Metadata.FPS, c.TickInterval)
	}
}

// FramesPerTick derives frames-per-batch from the frame rate and the
// transport tick interval, rounded up, minimum 1.
func FramesPerTick(fps uint8, tick time.Duration) uint8 {
	n := (time.Duration(fps)*tick + time.Second - 1) / time.Second
	if n < 1 {
		n = 1
	}
	if n > wire.MaxFrameCount {
		n = wire.MaxFrameCount
	}
	return uint8(n)
}

type accFrame struct {
	cells []rune
	ts    uint32
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	FramesCaptured uint64 `json:"framesCaptured"`
	BatchesSent    uint64 `json:"batchesSent"`
	BytesSent      uint64 `json:"bytesSent"`
	Dropped        uint64 `json:"dropped"`
	LastSequence   uint64 `json:"lastSequence"`
}

// Batcher is the sender-side state machine: Accumulating until the batch
// fills or the tick fires, then Flushing, then back. Capture is the single
// writer into the accumulation buffer; the flush transition reads and
// clears it atomically under the same lock.
type Batcher struct {
	log       *slog.Logger
	cfg       Config
	submitter transport.Submitter

	// flushMu serializes flushes so payloads enter the queue in
	// sequence order even when a Push-driven flush races the ticker.
	// closed is set under it before the queue closes, so a late flush
	// can never send on the closed channel.
	flushMu sync.Mutex
	closed  bool

	mu       sync.Mutex
	acc      []accFrame
	accStart time.Time
	ref      []rune
	seq      uint64
	batches  uint64

	outgoing chan []byte

	framesCaptured atomic.Uint64
	batchesSent    atomic.Uint64
	bytesSent      atomic.Uint64
	dropped        atomic.Uint64
}

// New creates a Batcher. Invalid metadata is the one configuration error
// that propagates to the caller.
func New(cfg Config, submitter transport.Submitter, log *slog.Logger) (*Batcher, error) {
	cfg.setDefaults()
	if err := cfg.Metadata.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Batcher{
		log:       log.With("component", "batcher"),
		cfg:       cfg,
		submitter: submitter,
		outgoing:  make(chan []byte, cfg.QueueSize),
	}, nil
}

// Push appends one captured frame. When the accumulation reaches
// frames-per-batch the batch is flushed inline.
func (b *Batcher) Push(cells []rune) {
	b.framesCaptured.Add(1)

	b.mu.Lock()
	if len(b.acc) == 0 {
		b.accStart = time.Now()
	}
	ts := uint32(time.Since(b.accStart).Milliseconds())
	b.acc = append(b.acc, accFrame{cells: cells, ts: ts})
	full := len(b.acc) >= int(b.cfg.Metadata.FramesPerBatch)
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// Run drives the flush cadence and the submit loop until ctx is cancelled,
// then flushes the partial batch and drains the queue.
func (b *Batcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.submitLoop(ctx)
	}()

	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-ctx.Done():
			b.flush()
			b.flushMu.Lock()
			b.closed = true
			close(b.outgoing)
			b.flushMu.Unlock()
			<-done
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	seq := b.seq
	b.mu.Unlock()
	return Stats{
		FramesCaptured: b.framesCaptured.Load(),
		BatchesSent:    b.batchesSent.Load(),
		BytesSent:      b.bytesSent.Load(),
		Dropped:        b.dropped.Load(),
		LastSequence:   seq,
	}
}

// flush encodes and frames the accumulated frames, then enqueues the
// payload. Sequence numbers advance only for payloads that make it into
// the queue: an oversize or unencodable batch consumes no number, so the
// send side never manufactures a gap.
func (b *Batcher) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.closed {
		n := len(b.acc)
		b.acc = nil
		b.mu.Unlock()
		if n > 0 {
			b.dropped.Add(1)
			metrics.PayloadsDropped.WithLabelValues("shutdown").Inc()
			b.log.Debug("dropping frames pushed after shutdown", "frames", n)
		}
		return
	}
	if len(b.acc) == 0 {
		b.mu.Unlock()
		return
	}
	acc := b.acc
	b.acc = nil
	ref := b.ref
	seq := b.seq
	forceKey := b.batches%uint64(b.cfg.KeyframeInterval) == 0
	b.mu.Unlock()

	frames := make([][]rune, len(acc))
	for i, f := range acc {
		frames[i] = f.cells
	}

	// A forced keyframe encodes with no reference, guaranteeing a
	// self-contained batch whatever the configured strategy.
	strategy := b.cfg.Metadata.Compression
	encodeRef := ref
	if forceKey || ref == nil {
		encodeRef = nil
		if strategy == grid.CompressionDelta {
			strategy = grid.CompressionAuto
		}
	}

	tag, payloads, err := codec.Encode(frames, strategy, encodeRef)
	if err != nil {
		b.dropped.Add(1)
		metrics.PayloadsDropped.WithLabelValues("encode").Inc()
		b.log.Warn("dropping batch: encode failed", "sequence", seq, "error", err)
		return
	}

	md := b.cfg.Metadata
	md.Compression = tag
	batch := &wire.Batch{
		Compression:   tag,
		SequenceStart: seq,
		Metadata:      md,
	}
	for i, p := range payloads {
		batch.Records = append(batch.Records, wire.Record{Timestamp: acc[i].ts, Payload: p})
	}

	data, err := wire.Encode(batch)
	if err != nil {
		b.dropped.Add(1)
		metrics.PayloadsDropped.WithLabelValues("encode").Inc()
		b.log.Warn("dropping batch: framing failed", "sequence", seq, "error", err)
		return
	}
	if len(data) > b.cfg.MaxPayload {
		b.dropped.Add(1)
		metrics.PayloadsDropped.WithLabelValues("oversize").Inc()
		b.log.Warn("dropping batch: payload too large",
			"sequence", seq,
			"size", len(data),
			"max", b.cfg.MaxPayload,
			"error", ErrPayloadTooLarge)
		return
	}

	// Copied because capture sources may reuse their cell buffer.
	ref = append([]rune(nil), frames[len(frames)-1]...)
	b.mu.Lock()
	b.seq++
	b.batches++
	b.ref = ref
	b.mu.Unlock()

	b.enqueue(data)
	b.log.Debug("batch flushed",
		"sequence", seq,
		"frames", len(frames),
		"compression", tag,
		"keyframe", tag != grid.CompressionDelta,
		"bytes", len(data))
}

// enqueue adds a payload to the outgoing queue, dropping the oldest unsent
// payload if the transport has fallen behind. Capture is never blocked.
func (b *Batcher) enqueue(data []byte) {
	for {
		select {
		case b.outgoing <- data:
			return
		default:
		}
		select {
		case old := <-b.outgoing:
			b.dropped.Add(1)
			metrics.PayloadsDropped.WithLabelValues("backpressure").Inc()
			b.log.Warn("dropping oldest unsent batch: transport backpressure", "bytes", len(old))
		default:
		}
	}
}

func (b *Batcher) submitLoop(ctx context.Context) {
	for data := range b.outgoing {
		if err := b.submitter.Submit(ctx, data); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.dropped.Add(1)
			metrics.PayloadsDropped.WithLabelValues("submit").Inc()
			b.log.Warn("submit failed", "error", err)
			continue
		}
		b.batchesSent.Add(1)
		b.bytesSent.Add(uint64(len(data)))
		metrics.BatchesSent.Inc()
		metrics.BytesSent.Add(float64(len(data)))
	}
}

// String renders the config for startup logging.
func (c Config) String() string {
	return fmt.Sprintf("%dx%d @ %d fps, %d frames/batch, %s, keyframe every %d batches, max %d bytes",
		c.Metadata.Width, c.Metadata.Height, c.Metadata.FPS,
		c.Metadata.FramesPerBatch, c.Metadata.Compression, c.KeyframeInterval, c.MaxPayload)
}
