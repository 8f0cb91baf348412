package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	state               prometheus.Gauge
	connectAttempts     prometheus.Counter
	reconnects          prometheus.Counter
	framesSent          prometheus.Counter
	framesReceived      prometheus.Counter
	queued              prometheus.Gauge
	dropped             *prometheus.CounterVec
	violations          prometheus.Counter
	fingerprintMismatch prometheus.Counter
}

// newMetrics registers the transport metrics with reg. A nil reg yields
// working but unregistered metrics.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		state: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "state",
			Help: "Connection state (0 new, 1 connecting, 2 connected, 3 not connected, 4 lost, 5 disconnected).",
		}),
		connectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "connect_attempts_total",
			Help: "Connection attempts started.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "reconnects_total",
			Help: "Handshakes acknowledged after the first one.",
		}),
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "frames_sent_total",
			Help: "Frames written to the collector stream, handshakes included.",
		}),
		framesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "frames_received_total",
			Help: "Frames decoded from the collector stream.",
		}),
		queued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "queued_sends",
			Help: "Sends waiting in the delivery queue.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "dropped_sends_total",
			Help: "Sends discarded, by reason.",
		}, []string{"reason"}),
		violations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "protocol_violations_total",
			Help: "Inbound frames that forced a resync.",
		}),
		fingerprintMismatch: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "transport", Name: "fingerprint_mismatches_total",
			Help: "Direct TLS connections whose certificate fingerprint differed from the expected one.",
		}),
	}
}
