package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegisterMetrics exposes the session counts on reg.
func (s *Store) RegisterMetrics(reg prometheus.Registerer) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vigil", Subsystem: "collector", Name: "sessions",
		Help: "Sessions held in memory, connected or not.",
	}, func() float64 { return float64(s.Count()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "vigil", Subsystem: "collector", Name: "sessions_connected",
		Help: "Sessions with a live agent stream.",
	}, func() float64 { return float64(s.Connected()) })
}
