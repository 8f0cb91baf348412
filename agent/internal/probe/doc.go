// Package probe samples the running process and feeds the sender's channels.
//
// Each probe owns a clock-driven loop (Run) and writes to an Emitter, which in
// production is the *sender.Sender:
//
//	Info        latest runtime snapshot on the info channel
//	Loop        scheduler lag on the loop channel, plus a queue metric
//	CallCounter per-code call meters on the callCounts channel
//	Tiers       per-code duration summaries on the tiers channel
//
// Middleware wires Tiers and CallCounter into an http.Handler chain. All
// probes take a clock.Clock so tests drive them with clock.NewMock().
package probe
