// Package agent instruments a Go service and streams its telemetry to a
// Vigil collector.
//
// An Agent is built from a Config (see LoadConfig) and owns one collector
// connection. Start dials and launches the probes. Stop halts them and
// disconnects for good.
//
//	cfg, err := agent.LoadConfig("vigil.yaml")
//	...
//	a, err := agent.New(cfg, agent.Options{})
//	...
//	defer a.Recover()
//	if err := a.Start(ctx); err != nil { ... }
//	defer a.Stop()
//	http.ListenAndServe(":8080", a.Middleware(mux))
//
// Everything the agent records goes through named channels that are flushed
// to the collector once per second: info, metrics, tiers, loopback_tiers,
// loop and callCounts. Emit writes to any of them directly.
//
// Inbound commands from the collector start CPU and heap profiles, and, when
// the host passes a Controller, resize or restart its worker pool.
package agent
