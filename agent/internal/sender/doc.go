// Package sender coalesces telemetry emitted by the agent's collectors into
// per-channel buffers and flushes them to the transport on a fixed interval.
//
// A channel is either "latest" (only the most recent payload is kept) or
// "append" (payloads accumulate in order). Each flush turns every non-empty
// buffer into one update command: a latest channel sends its payload, an
// append channel sends the ordered list as its single argument. Buffers are
// cleared after a successful hand-off. Contents refused because the
// transport is disconnected are put back in front of anything emitted since.
//
// Flush passes are skipped while the transport is disconnected. A failing
// channel never stops the others; its error is logged and folded into the
// pass result.
package sender
