// Package transport keeps one long-lived, self-healing stream open between
// the agent and the collector.
//
// A connection is a single HTTP POST whose request body carries outbound
// frames and whose response body carries inbound frames (see pkg/wire). The
// agent writes its handshake first; the collector's first frame is the
// acknowledgement carrying the session id, which the transport keeps for the
// life of the process and replays on every later handshake.
//
// States:
//
//	New ──Connect──▶ Connecting ──ack──▶ Connected
//	                    │                    │
//	                    ▼ error              ▼ error / close
//	             NotConnected          LostConnection
//
// Any close schedules a new Connect after a fixed delay (500ms by default),
// forever, without backoff. Disconnect moves to Disconnected, which only an
// explicit Connect leaves.
//
// Send never blocks on the network. While connected, frames go to a
// per-connection outbox drained by a writer goroutine; otherwise they wait in
// the delivery queue, which is flushed in FIFO order at the moment the
// handshake is acknowledged. Sends made while Disconnected are dropped and
// reported with ErrDisconnected.
//
// Inbound commands are dispatched to handlers registered with On, in
// registration order, on the connection's reader goroutine. A frame that
// breaks the protocol (no sessionId in the ack, no cmd afterwards, or an
// undecodable frame) forces a Disconnect followed by a Connect.
//
// Events from a connection that has already been torn down are discarded:
// every attempt carries a generation number and only the current one may
// change state.
package transport
