package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/reconstruct"
	"github.com/gridcast-dev/gridcast/internal/relay"
)

func newTestServer(t *testing.T) (*Server, *relay.Relay, *httptest.Server) {
	t.Helper()
	r := relay.New(8, nil)
	s, err := NewServer(Config{Addr: ":0", Relay: r}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, r, ts
}

func deliverTestBatch(r *relay.Relay, seq uint64) {
	r.Deliver(&reconstruct.Batch{
		Identity: "0xabc",
		Sequence: seq,
		Keyframe: true,
		Metadata: grid.Metadata{
			FPS:            10,
			Width:          4,
			Height:         1,
			Compression:    grid.CompressionNone,
			Palette:        grid.NewPaletteTag(grid.CharSetStandard, grid.ColorNone),
			FramesPerBatch: 1,
		},
		Frames: []grid.Frame{{Timestamp: 0, Cells: []rune("#@:.")}},
	})
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(Config{Relay: relay.New(8, nil)}, nil); err == nil {
		t.Error("expected error without Addr")
	}
	if _, err := NewServer(Config{Addr: ":0"}, nil); err == nil {
		t.Error("expected error without Relay")
	}
}

func TestListStreams(t *testing.T) {
	t.Parallel()

	_, r, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/streams")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var empty []relay.StreamInfo
	if err := json.NewDecoder(resp.Body).Decode(&empty); err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("got %d streams, want 0", len(empty))
	}

	deliverTestBatch(r, 0)

	resp2, err := http.Get(ts.URL + "/api/streams")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var streams []relay.StreamInfo
	if err := json.NewDecoder(resp2.Body).Decode(&streams); err != nil {
		t.Fatal(err)
	}
	if len(streams) != 1 || streams[0].Identity != "0xabc" {
		t.Fatalf("streams = %+v, want one stream 0xabc", streams)
	}
}

func TestStatusWithoutStats(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
}

func TestWatchStreamsMessages(t *testing.T) {
	t.Parallel()

	_, r, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?stream=0xabc"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for r.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	deliverTestBatch(r, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var info wsMessage
	if err := conn.ReadJSON(&info); err != nil {
		t.Fatal(err)
	}
	if info.Kind != relay.KindStreamInfo || info.Info == nil {
		t.Fatalf("first message %+v, want stream-info", info)
	}

	var batch wsMessage
	if err := conn.ReadJSON(&batch); err != nil {
		t.Fatal(err)
	}
	if batch.Kind != relay.KindFrameBatch {
		t.Fatalf("second message kind %s, want frame-batch", batch.Kind)
	}
	if len(batch.Frames) != 1 || batch.Frames[0].Cells != "#@:." {
		t.Fatalf("frames %+v, want one frame of #@:.", batch.Frames)
	}
	if !batch.Keyframe || batch.Sequence != 0 {
		t.Errorf("batch flags seq=%d keyframe=%v", batch.Sequence, batch.Keyframe)
	}
}

func TestWatchDisconnectUnsubscribes(t *testing.T) {
	t.Parallel()

	_, r, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for r.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d after disconnect, want 0", got)
	}
}
