// Package wire defines the messages exchanged between vigil agents and the
// collector and the frame codecs that carry them.
//
// A connection is one long-lived HTTP POST to AgentPath. The request body is
// the outbound stream, the response body the inbound stream, and both are a
// sequence of self-delimited frames:
//
//   - agent → collector: one Handshake, then zero or more Command frames
//   - collector → agent: one handshake acknowledgement (an object carrying
//     sessionId), then zero or more Command frames
//
// Two frame formats are supported and announced with the request
// Content-Type; the collector answers in the same format:
//
//   - FormatJSON: newline-delimited JSON documents (application/x-ndjson)
//   - FormatCBOR: an unsigned-varint length prefix followed by one CBOR
//     document (application/cbor)
//
// Decoders hand back generic maps so that unknown collector-chosen fields
// survive; ParseAck, ParseCommand and ParseHandshake validate the shape.
// Structural problems are reported as ErrMalformed, transport problems
// (including io.EOF) are returned unchanged. A partial frame at end of stream
// is never returned.
package wire
