// Package transport defines the boundary between the streaming core and
// the ordered log that carries payloads. The core hands the transport
// opaque byte arrays and receives them back whole, tagged with the identity
// that originated them; delivery order, fees, and fragment reassembly below
// the array level are the transport's problem.
package transport

import "context"

// Identity is the stable originating identity of a stream, e.g. the ledger
// address the sender submits from. Receivers filter arrivals by it.
type Identity string

// Arrival is one whole payload surfaced by the delivery mechanism. Arrivals
// may be delayed, reordered, or missing relative to submission order; the
// reconstructor sorts that out.
type Arrival struct {
	Identity Identity
	Payload  []byte
}

// Submitter accepts outgoing payloads. Submit may block while the
// underlying log is congested; the sender's queue protects capture from
// that backpressure.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) error
	Close() error
}

// Receiver surfaces incoming payloads. The channel closes when the
// receiver is closed or its source ends.
type Receiver interface {
	Arrivals() <-chan Arrival
	Close() error
}
