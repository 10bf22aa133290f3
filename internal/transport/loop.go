package transport

import (
	"context"
	"errors"
	"sync"
)

// Loop is an in-process Submitter/Receiver pair used by tests and the
// bundled examples. Payloads submitted on one side arrive on the other in
// order, with no loss; tests exercise loss and reordering by driving the
// receiver channel directly.
type Loop struct {
	identity Identity

	mu       sync.Mutex
	closed   bool
	arrivals chan Arrival
}

// NewLoop creates a loopback transport for the given identity.
func NewLoop(identity Identity, buffer int) *Loop {
	return &Loop{
		identity: identity,
		arrivals: make(chan Arrival, buffer),
	}
}

// Submit delivers the payload to the loop's arrival channel. It copies the
// payload so the caller may reuse its buffer.
func (l *Loop) Submit(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("transport: loop closed")
	}
	l.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)

	select {
	case l.arrivals <- Arrival{Identity: l.identity, Payload: buf}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arrivals returns the delivery channel.
func (l *Loop) Arrivals() <-chan Arrival { return l.arrivals }

// Close closes the loop; further submits fail and the arrival channel is
// closed after pending deliveries drain.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.arrivals)
	}
	return nil
}
