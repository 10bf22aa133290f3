package stream

import (
	"testing"

	"github.com/gridcast-dev/gridcast/internal/playback"
)

func newTestManager() *Manager {
	return NewManager(playback.Config{}, nil)
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	s, ok := m.Create("0xabc")
	if !ok {
		t.Fatal("Create returned not-ok for new stream")
	}
	if s == nil {
		t.Fatal("Create returned nil")
	}
	if s.Identity != "0xabc" {
		t.Errorf("identity: got %q, want %q", s.Identity, "0xabc")
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if s.Buffer == nil {
		t.Error("stream should carry a playback buffer")
	}

	got, ok := m.Get("0xabc")
	if !ok || got != s {
		t.Error("Get should return the created stream")
	}

	streams := m.List()
	if len(streams) != 1 || streams[0].Identity != "0xabc" {
		t.Error("List should return the created stream")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	_, ok1 := m.Create("test")
	if !ok1 {
		t.Fatal("first Create should succeed")
	}
	s2, ok2 := m.Create("test")

	if ok2 {
		t.Error("duplicate Create should return false")
	}
	if s2 != nil {
		t.Error("duplicate Create should return nil stream")
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	a := m.GetOrCreate("test")
	b := m.GetOrCreate("test")
	if a == nil || a != b {
		t.Error("GetOrCreate should return the same stream for the same identity")
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	s, _ := m.Create("test")
	if len(m.List()) != 1 {
		t.Errorf("count: got %d, want 1", len(m.List()))
	}

	m.Remove("test")
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Remove")
	}
}

func TestManagerList(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.Create("stream-a")
	m.Create("stream-b")
	m.Create("stream-c")

	streams := m.List()
	if len(streams) != 3 {
		t.Fatalf("expected 3 streams, got %d", len(streams))
	}

	ids := make(map[string]bool)
	for _, s := range streams {
		ids[string(s.Identity)] = true
	}

	for _, k := range []string{"stream-a", "stream-b", "stream-c"} {
		if !ids[k] {
			t.Errorf("missing stream %q", k)
		}
	}
}

func TestManagerRemoveNonexistent(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	// Should not panic
	m.Remove("nonexistent")
}
