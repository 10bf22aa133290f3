// Package relay fans decoded batches out to viewers. Each subscriber owns
// a bounded channel; a slow viewer loses its own oldest messages and never
// holds back the stream or other viewers.
package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gridcast-dev/gridcast/internal/grid"
	"github.com/gridcast-dev/gridcast/internal/metrics"
	"github.com/gridcast-dev/gridcast/internal/reconstruct"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

// MessageKind discriminates relay messages.
type MessageKind string

const (
	// KindStreamInfo announces or updates a stream's parameters.
	KindStreamInfo MessageKind = "stream-info"
	// KindFrameBatch carries one decoded batch.
	KindFrameBatch MessageKind = "frame-batch"
	// KindStreamEnd marks the end of a stream.
	KindStreamEnd MessageKind = "stream-end"
)

// StreamInfo describes a live stream.
type StreamInfo struct {
	Identity     transport.Identity `json:"identity"`
	Metadata     grid.Metadata      `json:"metadata"`
	StartedAt    time.Time          `json:"startedAt"`
	LastSequence uint64             `json:"lastSequence"`
	Batches      uint64             `json:"batches"`
}

// Message is one fan-out event. Exactly one of Info and Batch is set,
// matching Kind.
type Message struct {
	Kind     MessageKind
	Identity transport.Identity
	Info     *StreamInfo
	Batch    *reconstruct.Batch
}

// Subscriber is one viewer's receive side.
type Subscriber struct {
	id       uint64
	identity transport.Identity
	ch       chan Message
}

// Messages returns the subscriber's channel. It is closed on Unsubscribe.
func (s *Subscriber) Messages() <-chan Message { return s.ch }

type streamState struct {
	info StreamInfo
}

// Relay is the broadcast hub. It implements reconstruct.Sink.
type Relay struct {
	log     *slog.Logger
	bufSize int

	mu      sync.Mutex
	nextID  uint64
	streams map[transport.Identity]*streamState
	subs    map[uint64]*Subscriber
}

// New creates a Relay whose subscribers buffer up to bufSize messages.
func New(bufSize int, log *slog.Logger) *Relay {
	if bufSize <= 0 {
		bufSize = 16
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:     log.With("component", "relay"),
		bufSize: bufSize,
		streams: make(map[transport.Identity]*streamState),
		subs:    make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a viewer for one stream identity, or for all streams
// when identity is empty. A late joiner immediately receives the current
// stream-info so it can size its display before the first batch.
func (r *Relay) Subscribe(identity transport.Identity) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscriber{
		id:       r.nextID,
		identity: identity,
		ch:       make(chan Message, r.bufSize),
	}
	r.subs[sub.id] = sub
	metrics.Subscribers.Inc()

	for id, st := range r.streams {
		if identity != "" && id != identity {
			continue
		}
		info := st.info
		r.send(sub, Message{Kind: KindStreamInfo, Identity: id, Info: &info})
	}
	r.log.Debug("subscriber joined", "subscriber", sub.id, "identity", identity)
	return sub
}

// Unsubscribe removes a viewer and closes its channel.
func (r *Relay) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.id]; !ok {
		return
	}
	delete(r.subs, sub.id)
	close(sub.ch)
	metrics.Subscribers.Dec()
	r.log.Debug("subscriber left", "subscriber", sub.id)
}

// Deliver publishes one decoded batch to the stream's subscribers,
// announcing the stream first when it is new or its parameters changed.
func (r *Relay) Deliver(batch *reconstruct.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[batch.Identity]
	announce := false
	if !ok {
		st = &streamState{info: StreamInfo{
			Identity:  batch.Identity,
			Metadata:  batch.Metadata,
			StartedAt: time.Now(),
		}}
		r.streams[batch.Identity] = st
		announce = true
	} else if st.info.Metadata != batch.Metadata {
		st.info.Metadata = batch.Metadata
		announce = true
	}
	st.info.LastSequence = batch.Sequence
	st.info.Batches++

	if announce {
		info := st.info
		r.broadcast(batch.Identity, Message{
			Kind:     KindStreamInfo,
			Identity: batch.Identity,
			Info:     &info,
		})
	}
	r.broadcast(batch.Identity, Message{
		Kind:     KindFrameBatch,
		Identity: batch.Identity,
		Batch:    batch,
	})
}

// End announces the end of a stream and forgets it. Subscribers stay
// registered so they can pick up the identity's next stream.
func (r *Relay) End(identity transport.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[identity]; !ok {
		return
	}
	delete(r.streams, identity)
	r.broadcast(identity, Message{Kind: KindStreamEnd, Identity: identity})
}

// Streams lists the live streams, ordered by identity.
func (r *Relay) Streams() []StreamInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamInfo, 0, len(r.streams))
	for _, st := range r.streams {
		out = append(out, st.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// SubscriberCount reports the number of registered viewers.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// broadcast delivers msg to every subscriber watching identity. Caller
// holds the relay lock.
func (r *Relay) broadcast(identity transport.Identity, msg Message) {
	for _, sub := range r.subs {
		if sub.identity != "" && sub.identity != identity {
			continue
		}
		r.send(sub, msg)
	}
}

// send enqueues without blocking. A full subscriber sheds its own oldest
// message to make room.
func (r *Relay) send(sub *Subscriber, msg Message) {
	for {
		select {
		case sub.ch <- msg:
			return
		default:
		}
		select {
		case <-sub.ch:
			metrics.SubscriberDrops.Inc()
			r.log.Debug("slow subscriber, dropping oldest message", "subscriber", sub.id)
		default:
		}
	}
}
