// Package receiver implements the collector side of the agent stream.
//
// Agents POST to wire.AgentPath with a Content-Type selecting NDJSON or
// CBOR framing and keep the request open. The first frame is the handshake;
// it must carry a key and an appName (400 otherwise) and the key must be in
// Options.Keys when that list is set (401 otherwise). The receiver answers
// 200, writes {sessionId, ts} and from then on streams the session's queued
// commands while recording every inbound frame in the store.
//
// A handshake carrying a known sessionId resumes that session; the previous
// stream of the session, if still open, is hung up.
package receiver
