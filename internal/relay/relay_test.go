package relay

import (
	"log/slog"
	"testing"

	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/reconstruct"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

var testMeta = grid.Metadata{
	FPS:            10,
	Width:          4,
	Height:         2,
	Compression:    grid.CompressionAuto,
	Palette:        grid.NewPaletteTag(grid.CharSetStandard, grid.ColorNone),
	FramesPerBatch: 1,
}

func testBatch(id transport.Identity, seq uint64) *reconstruct.Batch {
	return &reconstruct.Batch{
		Identity: id,
		Sequence: seq,
		Metadata: testMeta,
		Frames:   []grid.Frame{{Cells: []rune("00000000")}},
	}
}

func drain(t *testing.T, sub *Subscriber, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				t.Fatalf("channel closed after %d messages, want %d", i, n)
			}
			out = append(out, msg)
		default:
			t.Fatalf("only %d messages buffered, want %d", i, n)
		}
	}
	return out
}

func TestAnnounceThenBatch(t *testing.T) {
	t.Parallel()

	r := New(8, slog.Default())
	sub := r.Subscribe("s1")
	defer r.Unsubscribe(sub)

	r.Deliver(testBatch("s1", 0))

	msgs := drain(t, sub, 2)
	if msgs[0].Kind != KindStreamInfo {
		t.Fatalf("first message %s, want stream-info", msgs[0].Kind)
	}
	if msgs[0].Info.Metadata != testMeta {
		t.Error("stream-info metadata mismatch")
	}
	if msgs[1].Kind != KindFrameBatch || msgs[1].Batch.Sequence != 0 {
		t.Fatalf("second message %s seq=%v, want frame-batch seq=0", msgs[1].Kind, msgs[1].Batch)
	}
}

func TestLateJoinerGetsStreamInfo(t *testing.T) {
	t.Parallel()

	r := New(8, slog.Default())
	r.Deliver(testBatch("s1", 0))
	r.Deliver(testBatch("s1", 1))

	sub := r.Subscribe("s1")
	defer r.Unsubscribe(sub)

	msgs := drain(t, sub, 1)
	if msgs[0].Kind != KindStreamInfo {
		t.Fatalf("late joiner got %s, want stream-info", msgs[0].Kind)
	}
	if msgs[0].Info.LastSequence != 1 {
		t.Errorf("LastSequence = %d, want 1", msgs[0].Info.LastSequence)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	r := New(2, slog.Default())
	slow := r.Subscribe("s1") // never drained
	fast := r.Subscribe("s1")
	defer r.Unsubscribe(slow)
	defer r.Unsubscribe(fast)

	const batches = 10
	for seq := uint64(0); seq < batches; seq++ {
		r.Deliver(testBatch("s1", seq))
		drain(t, fast, 1+boolToInt(seq == 0)) // info only on first
	}

	// The slow subscriber keeps only its newest two messages.
	msgs := drain(t, slow, 2)
	last := msgs[1]
	if last.Kind != KindFrameBatch || last.Batch.Sequence != batches-1 {
		t.Fatalf("slow subscriber's newest message %s seq=%d, want frame-batch seq=%d",
			last.Kind, last.Batch.Sequence, uint64(batches-1))
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestIdentityScoping(t *testing.T) {
	t.Parallel()

	r := New(8, slog.Default())
	only := r.Subscribe("a")
	all := r.Subscribe("")
	defer r.Unsubscribe(only)
	defer r.Unsubscribe(all)

	r.Deliver(testBatch("a", 0))
	r.Deliver(testBatch("b", 0))

	// Scoped subscriber sees only stream a.
	for _, msg := range drain(t, only, 2) {
		if msg.Identity != "a" {
			t.Errorf("scoped subscriber got message for %q", msg.Identity)
		}
	}
	select {
	case msg := <-only.Messages():
		t.Fatalf("scoped subscriber got extra %s for %q", msg.Kind, msg.Identity)
	default:
	}

	// Wildcard subscriber sees both.
	ids := map[transport.Identity]bool{}
	for _, msg := range drain(t, all, 4) {
		ids[msg.Identity] = true
	}
	if !ids["a"] || !ids["b"] {
		t.Errorf("wildcard subscriber saw %v, want both streams", ids)
	}
}

func TestEndBroadcastAndForget(t *testing.T) {
	t.Parallel()

	r := New(8, slog.Default())
	sub := r.Subscribe("s1")
	defer r.Unsubscribe(sub)

	r.Deliver(testBatch("s1", 0))
	r.End("s1")

	msgs := drain(t, sub, 3)
	if msgs[2].Kind != KindStreamEnd {
		t.Fatalf("last message %s, want stream-end", msgs[2].Kind)
	}
	if got := len(r.Streams()); got != 0 {
		t.Fatalf("streams after End = %d, want 0", got)
	}
	// Ending an unknown stream is a no-op.
	r.End("s1")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	r := New(8, slog.Default())
	sub := r.Subscribe("s1")
	r.Unsubscribe(sub)
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
	// Double unsubscribe is a no-op.
	r.Unsubscribe(sub)
	if got := r.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
}

func TestMetadataChangeReannounces(t *testing.T) {
	t.Parallel()

	r := New(8, slog.Default())
	sub := r.Subscribe("s1")
	defer r.Unsubscribe(sub)

	r.Deliver(testBatch("s1", 0))
	changed := testBatch("s1", 1)
	changed.Metadata.Width = 8
	r.Deliver(changed)

	msgs := drain(t, sub, 4)
	if msgs[2].Kind != KindStreamInfo {
		t.Fatalf("message after metadata change is %s, want stream-info", msgs[2].Kind)
	}
	if msgs[2].Info.Metadata.Width != 8 {
		t.Errorf("re-announced width = %d, want 8", msgs[2].Info.Metadata.Width)
	}
}
