// Package stream tracks the lifecycle of live streams on the viewer side,
// pairing each sender identity with its own playback buffer.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gridcast-dev/gridcast/internal/playback"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

// Stream represents one live stream and its playback state.
type Stream struct {
	Identity  transport.Identity
	StartedAt time.Time
	Buffer    *playback.Buffer
	done      chan struct{}
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Manager manages the lifecycle of active streams.
type Manager struct {
	log         *slog.Logger
	playbackCfg playback.Config
	mu          sync.RWMutex
	streams     map[transport.Identity]*Stream
}

// NewManager creates a stream manager whose streams buffer playback with
// cfg. If log is nil, slog.Default() is used.
func NewManager(cfg playback.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:         log.With("component", "stream-manager"),
		playbackCfg: cfg,
		streams:     make(map[transport.Identity]*Stream),
	}
}

// Create registers a new stream. Returns the stream and true if created,
// or nil and false if a stream for this identity already exists.
func (m *Manager) Create(identity transport.Identity) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[identity]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "identity", identity)
		return nil, false
	}

	s := &Stream{
		Identity:  identity,
		StartedAt: time.Now(),
		Buffer:    playback.New(m.playbackCfg, m.log.With("identity", identity)),
		done:      make(chan struct{}),
	}

	m.streams[identity] = s
	m.log.Info("stream created", "identity", identity)
	return s, true
}

// GetOrCreate returns the stream for identity, creating it if needed.
func (m *Manager) GetOrCreate(identity transport.Identity) *Stream {
	if s, ok := m.Get(identity); ok {
		return s
	}
	if s, ok := m.Create(identity); ok {
		return s
	}
	s, _ := m.Get(identity)
	return s
}

// Get returns the stream for identity, if any.
func (m *Manager) Get(identity transport.Identity) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[identity]
	return s, ok
}

// Remove removes a stream from the manager and closes its Done channel.
func (m *Manager) Remove(identity transport.Identity) {
	m.mu.Lock()
	s, ok := m.streams[identity]
	if ok {
		delete(m.streams, identity)
	}
	m.mu.Unlock()

	if ok {
		s.Buffer.Reset()
		close(s.done)
		m.log.Info("stream removed", "identity", identity)
	}
}

// List returns all active streams.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}
