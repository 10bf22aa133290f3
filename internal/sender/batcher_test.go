package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gridcast-dev/gridcast/internal/codec"
	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/wire"
)

type captureSubmitter struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (c *captureSubmitter) Submit(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.payloads = append(c.payloads, cp)
	return nil
}

func (c *captureSubmitter) Close() error { return nil }

func (c *captureSubmitter) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

func testMetadata(t *testing.T, compression grid.Compression, framesPerBatch uint8) grid.Metadata {
	t.Helper()
	return grid.Metadata{
		FPS:            10,
		Width:          8,
		Height:         4,
		Compression:    compression,
		Palette:        grid.NewPaletteTag(grid.CharSetStandard, grid.ColorNone),
		FramesPerBatch: framesPerBatch,
	}
}

func testFrame(md grid.Metadata, fill rune) []rune {
	cells := make([]rune, md.CellCount())
	for i := range cells {
		cells[i] = fill
	}
	return cells
}

func runBatcher(t *testing.T, b *Batcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	}()
	return func() {
		stop()
		<-done
	}
}

func TestFramesPerTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fps  uint8
		tick time.Duration
		want uint8
	}{
		{fps: 10, tick: 400 * time.Millisecond, want: 4},
		{fps: 30, tick: 400 * time.Millisecond, want: 12},
		{fps: 1, tick: 100 * time.Millisecond, want: 1},
		{fps: 0, tick: 400 * time.Millisecond, want: 1},
		{fps: 15, tick: 100 * time.Millisecond, want: 2},
	}
	for _, tt := range tests {
		if got := FramesPerTick(tt.fps, tt.tick); got != tt.want {
			t.Errorf("FramesPerTick(%d, %v) = %d, want %d", tt.fps, tt.tick, got, tt.want)
		}
	}
}

func TestNewRejectsInvalidMetadata(t *testing.T) {
	t.Parallel()

	md := testMetadata(t, grid.CompressionAuto, 2)
	md.Width = 0
	if _, err := New(Config{Metadata: md}, &captureSubmitter{}, slog.Default()); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestSequenceMonotonic(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	b, err := New(Config{
		Metadata:     testMetadata(t, grid.CompressionAuto, 2),
		TickInterval: time.Hour, // flushes driven by Push only
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)

	md := testMetadata(t, grid.CompressionAuto, 2)
	const batches = 5
	for i := 0; i < batches*2; i++ {
		b.Push(testFrame(md, rune('a'+i%4)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.sent()) < batches && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	payloads := sub.sent()
	if len(payloads) != batches {
		t.Fatalf("got %d payloads, want %d", len(payloads), batches)
	}
	for i, p := range payloads {
		batch, err := wire.Decode(p)
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		if batch.SequenceStart != uint64(i) {
			t.Errorf("payload %d: sequence %d, want %d", i, batch.SequenceStart, i)
		}
		if len(batch.Records) != 2 {
			t.Errorf("payload %d: %d records, want 2", i, len(batch.Records))
		}
	}
}

func TestFirstBatchIsKeyframe(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	b, err := New(Config{
		Metadata:     testMetadata(t, grid.CompressionDelta, 1),
		TickInterval: time.Hour,
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)

	md := testMetadata(t, grid.CompressionDelta, 1)
	b.Push(testFrame(md, '#'))
	b.Push(testFrame(md, '#'))

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.sent()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	payloads := sub.sent()
	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want 2", len(payloads))
	}
	first, err := wire.Decode(payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsKeyframe() {
		t.Errorf("first batch tagged %s, want a keyframe tag", first.Compression)
	}
	second, err := wire.Decode(payloads[1])
	if err != nil {
		t.Fatal(err)
	}
	if second.Compression != grid.CompressionDelta {
		t.Errorf("second batch tagged %s, want delta", second.Compression)
	}
}

func TestKeyframeIntervalForcesSelfContained(t *testing.T) {
	t.Parallel()

	const interval = 3
	sub := &captureSubmitter{}
	b, err := New(Config{
		Metadata:         testMetadata(t, grid.CompressionDelta, 1),
		TickInterval:     time.Hour,
		KeyframeInterval: interval,
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)

	md := testMetadata(t, grid.CompressionDelta, 1)
	const batches = 7
	for i := 0; i < batches; i++ {
		// Change one cell each frame so delta stays eligible.
		f := testFrame(md, '.')
		f[i%len(f)] = '#'
		b.Push(f)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sub.sent()) < batches && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	payloads := sub.sent()
	if len(payloads) != batches {
		t.Fatalf("got %d payloads, want %d", len(payloads), batches)
	}
	for i, p := range payloads {
		batch, err := wire.Decode(p)
		if err != nil {
			t.Fatal(err)
		}
		if i%interval == 0 && !batch.IsKeyframe() {
			t.Errorf("batch %d tagged %s, want keyframe", i, batch.Compression)
		}
		if i%interval != 0 && batch.Compression != grid.CompressionDelta {
			t.Errorf("batch %d tagged %s, want delta", i, batch.Compression)
		}
	}
}

func TestOversizePayloadDroppedWithoutSequenceGap(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	b, err := New(Config{
		Metadata:     testMetadata(t, grid.CompressionNone, 1),
		TickInterval: time.Hour,
		MaxPayload:   40, // smaller than any framed 8x4 batch
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)

	md := testMetadata(t, grid.CompressionNone, 1)
	b.Push(testFrame(md, '#'))
	time.Sleep(50 * time.Millisecond)
	stop()

	if got := len(sub.sent()); got != 0 {
		t.Fatalf("got %d payloads, want 0", got)
	}
	st := b.Stats()
	if st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
	if st.LastSequence != 0 {
		t.Errorf("LastSequence = %d, want 0 (dropped batch must not consume a number)", st.LastSequence)
	}
}

func TestFlushOnStop(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	b, err := New(Config{
		Metadata:     testMetadata(t, grid.CompressionAuto, 10),
		TickInterval: time.Hour,
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)

	md := testMetadata(t, grid.CompressionAuto, 10)
	b.Push(testFrame(md, 'x'))
	b.Push(testFrame(md, 'y'))
	stop()

	payloads := sub.sent()
	if len(payloads) != 1 {
		t.Fatalf("got %d payloads, want 1 partial batch on stop", len(payloads))
	}
	batch, err := wire.Decode(payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 2 {
		t.Errorf("got %d records, want 2", len(batch.Records))
	}
}

func TestPushAfterShutdownDropsQuietly(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	b, err := New(Config{
		Metadata:     testMetadata(t, grid.CompressionNone, 1),
		TickInterval: time.Hour,
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)
	stop()

	// With frames-per-batch 1 this drives an inline flush against the
	// already-closed queue. It must be a counted drop, never a panic.
	md := testMetadata(t, grid.CompressionNone, 1)
	b.Push(testFrame(md, '#'))
	b.Push(testFrame(md, '@'))

	if got := len(sub.sent()); got != 0 {
		t.Fatalf("got %d payloads after shutdown, want 0", got)
	}
	if st := b.Stats(); st.Dropped == 0 {
		t.Error("frames pushed after shutdown should count as dropped")
	}
}

func TestDeltaReferenceUnaffectedByBufferReuse(t *testing.T) {
	t.Parallel()

	sub := &captureSubmitter{}
	md := testMetadata(t, grid.CompressionDelta, 1)
	b, err := New(Config{
		Metadata:     md,
		TickInterval: time.Hour,
	}, sub, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	stop := runBatcher(t, b)

	// One buffer reused across captures, as a real device would.
	buf := testFrame(md, 'a')
	b.Push(buf)
	time.Sleep(50 * time.Millisecond)
	for i := range buf {
		buf[i] = 'b'
	}
	buf[0] = 'Z'
	b.Push(buf)
	time.Sleep(50 * time.Millisecond)
	stop()

	payloads := sub.sent()
	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want 2", len(payloads))
	}

	var ref []rune
	for i, data := range payloads {
		batch, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		frames, err := codec.Decode([][]byte{batch.Records[0].Payload}, batch.Compression, ref, md.CellCount())
		if err != nil {
			t.Fatalf("payload %d: %v", i, err)
		}
		ref = frames[0]
	}
	want := testFrame(md, 'b')
	want[0] = 'Z'
	if string(ref) != string(want) {
		t.Error("receiver-side frame diverged from the second capture")
	}
}
