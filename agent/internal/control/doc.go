// Package control answers the commands a collector pushes to the agent.
//
// Profiler handles cpu:start / cpu:stop and memory:start / memory:stop with
// runtime/pprof and ships the profiles base64-encoded. Cluster forwards the
// cluster:* commands to a host-supplied Controller and keeps the collector's
// view of the worker set fresh with cluster:status pushes.
//
// Both register on the transport with Register and undo it with the returned
// function. Handlers run on the transport's reader goroutine, so they never
// block on long work.
package control
