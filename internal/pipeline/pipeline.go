// Package pipeline orchestrates the arrival-to-fan-out data flow on the
// receive side, feeding transport arrivals through the reconstructor and
// into the relay while collecting telemetry.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridcast-dev/gridcast/internal/reconstruct"
	"github.com/gridcast-dev/gridcast/internal/relay"
	"github.com/gridcast-dev/gridcast/internal/transport"
)

// Broadcaster is the subset of relay.Relay the pipeline reports through.
// Accepting an interface here decouples the pipeline from the concrete
// Relay type, making it testable with stubs.
type Broadcaster interface {
	Streams() []relay.StreamInfo
	SubscriberCount() int
}

// Snapshot is a point-in-time view of pipeline health, suitable for JSON
// serialization on the status API.
type Snapshot struct {
	Timestamp        int64              `json:"timestamp"`
	UptimeMs         int64              `json:"uptimeMs"`
	Transport        string             `json:"transport"`
	PayloadsHandled  int64              `json:"payloadsHandled"`
	PayloadsRejected int64              `json:"payloadsRejected"`
	BytesReceived    int64              `json:"bytesReceived"`
	SubscriberCount  int                `json:"subscriberCount"`
	Streams          []relay.StreamInfo `json:"streams"`
}

// Pipeline bridges a transport receiver and the relay. It reads arriving
// payloads, runs them through sequence reconstruction, and accumulates
// statistics for the status API.
type Pipeline struct {
	log       *slog.Logger
	receiver  transport.Receiver
	recon     *reconstruct.Reconstructor
	relay     Broadcaster
	protocol  string
	startTime time.Time

	payloadsHandled  atomic.Int64
	payloadsRejected atomic.Int64
	bytesReceived    atomic.Int64
}

// New creates a Pipeline that reads arrivals from receiver and delivers
// reconstructed batches through recon, which must be sinked to the relay.
func New(receiver transport.Receiver, recon *reconstruct.Reconstructor, broadcaster Broadcaster, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline"),
		receiver:  receiver,
		recon:     recon,
		relay:     broadcaster,
		startTime: time.Now(),
	}
}

// SetProtocol records the transport name (e.g. "quic", "ledger") for
// inclusion in snapshots.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// StreamSnapshot returns a point-in-time snapshot of pipeline health.
func (p *Pipeline) StreamSnapshot() Snapshot {
	return Snapshot{
		Timestamp:        time.Now().UnixMilli(),
		UptimeMs:         time.Since(p.startTime).Milliseconds(),
		Transport:        p.protocol,
		PayloadsHandled:  p.payloadsHandled.Load(),
		PayloadsRejected: p.payloadsRejected.Load(),
		BytesReceived:    p.bytesReceived.Load(),
		SubscriberCount:  p.relay.SubscriberCount(),
		Streams:          p.relay.Streams(),
	}
}

// Run starts the arrival loop and the idle-session janitor. It blocks
// until the context is cancelled or the receiver's channel closes.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.recon.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		// Stops the janitor when the arrival loop ends.
		defer cancel()
		defer p.endAll()
		for {
			select {
			case <-ctx.Done():
				return nil
			case arrival, ok := <-p.receiver.Arrivals():
				if !ok {
					p.log.Info("arrival channel closed")
					return nil
				}
				p.bytesReceived.Add(int64(len(arrival.Payload)))
				if err := p.recon.Handle(arrival); err != nil {
					p.payloadsRejected.Add(1)
					continue
				}
				p.payloadsHandled.Add(1)
			}
		}
	})

	return g.Wait()
}

// endAll closes every live session so viewers see a clean stream-end when
// the pipeline shuts down.
func (p *Pipeline) endAll() {
	for _, id := range p.recon.Sessions() {
		p.recon.End(id)
	}
}
