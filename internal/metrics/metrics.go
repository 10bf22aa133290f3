// Package metrics exposes Prometheus instrumentation for the sender,
// reconstructor, relay, and playback components. Everything registers on
// the default registry under the "gridcast" namespace and is served by the
// receiver API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridcast"

// Sender-side counters.
var (
	BatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sender", Name: "batches_sent_total",
		Help: "Batches handed to the transport collaborator.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sender", Name: "bytes_sent_total",
		Help: "Serialized payload bytes handed to the transport.",
	})
	PayloadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sender", Name: "payloads_dropped_total",
		Help: "Batches dropped before send, by reason (oversize, backpressure, encode).",
	}, []string{"reason"})
)

// Reconstructor counters.
var (
	BatchesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconstruct", Name: "batches_delivered_total",
		Help: "Batches reconstructed and delivered in sequence order.",
	})
	SequenceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconstruct", Name: "sequence_gaps_total",
		Help: "Observed gaps in the incoming sequence.",
	})
	DuplicatesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconstruct", Name: "duplicates_discarded_total",
		Help: "Replayed or out-of-order payloads discarded silently.",
	})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconstruct", Name: "decode_errors_total",
		Help: "Payloads dropped during decode, by error class.",
	}, []string{"class"})
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "reconstruct", Name: "active_streams",
		Help: "Stream identities with live sequence state.",
	})
)

// Relay and playback counters.
var (
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "relay", Name: "subscribers",
		Help: "Currently connected subscribers across all streams.",
	})
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "relay", Name: "subscriber_dropped_total",
		Help: "Messages dropped from individual slow subscriber queues.",
	})
	PlaybackUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "playback", Name: "underruns_total",
		Help: "Ticks with no frame ready (last frame repeated).",
	})
	PlaybackOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "playback", Name: "overflows_total",
		Help: "Batches evicted from a full playback buffer.",
	})
	PlaybackStalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "playback", Name: "stalls_total",
		Help: "Transitions into the stalled state after repeat budget exhaustion.",
	})
)
