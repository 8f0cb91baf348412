package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilrun/vigil/pkg/wire"
)

type metrics struct {
	accepted  prometheus.Counter
	rejected  *prometheus.CounterVec
	active    prometheus.Gauge
	received  *prometheus.CounterVec
	sent      *prometheus.CounterVec
	malformed prometheus.Counter
}

// newMetrics registers the receiver metrics with reg. A nil reg yields
// working but unregistered metrics.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "streams_accepted_total",
			Help: "Agent streams whose handshake was acknowledged.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "streams_rejected_total",
			Help: "Agent streams refused before the acknowledgement, by reason.",
		}, []string{"reason"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "streams_active",
			Help: "Agent streams currently open.",
		}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "frames_received_total",
			Help: "Command frames received from agents, by command.",
		}, []string{"cmd"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "commands_sent_total",
			Help: "Commands written to agent streams, by command.",
		}, []string{"cmd"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "frames_malformed_total",
			Help: "Inbound frames that could not be parsed; each closes its stream.",
		}),
	}
}

var knownCommands = map[string]bool{
	wire.CmdUpdate:            true,
	wire.CmdInstances:         true,
	wire.CmdTopCalls:          true,
	wire.CmdReportError:       true,
	wire.CmdProfileStart:      true,
	wire.CmdProfileStop:       true,
	wire.CmdProfileRun:        true,
	wire.CmdCPUStart:          true,
	wire.CmdCPUStop:           true,
	wire.CmdMemoryStart:       true,
	wire.CmdMemoryStop:        true,
	wire.CmdClusterResize:     true,
	wire.CmdClusterRestartAll: true,
	wire.CmdClusterTerminate:  true,
	wire.CmdClusterShutdown:   true,
	wire.CmdClusterStatus:     true,
}

// label keeps the cmd label bounded: agents choose command names.
func label(cmd string) string {
	if knownCommands[cmd] {
		return cmd
	}
	return "other"
}
