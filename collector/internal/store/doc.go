// Package store keeps the collector's in-memory view of agent sessions.
//
// A session is created by the first handshake of an agent process and
// resumed by every later handshake carrying its id. The store tracks the
// agent identity, connection state, reconnect count, the latest value of
// every update key, per-command frame counts, recent error reports, the last
// cluster status and received profiles. Each session owns an outbound
// command queue drained by whichever connection is current.
//
// Capacity is bounded with an LRU; disconnected sessions are also evicted
// once their TTL elapses (Run).
package store
