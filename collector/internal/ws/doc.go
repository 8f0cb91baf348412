// Package ws implements the WebSocket hub of the collector.
//
// Hub manages a set of connected clients and broadcasts the current sessions
// snapshot to all of them on a configurable interval.
//
// New(store, interval) creates a Hub.
// Hub.Run(ctx) starts the broadcast ticker. It blocks until ctx is
// cancelled, then closes all active connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the current
// snapshot immediately on connect, then streams updates on each tick.
//
// Message format sent to clients:
//
//	{
//	  "event": "snapshot",
//	  "data":  { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// A client that connects with ?session=<id> receives "session" events whose
// data holds that one session (an empty list once it is gone).
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The collector mounts the hub at /ws/stream.
package ws
