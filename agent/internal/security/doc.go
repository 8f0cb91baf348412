// Package security decides where the agent connects and how: it parses
// collector and proxy endpoints, resolves the route of a connection (direct or
// through a forward proxy), builds the TLS configuration of the first hop, and
// checks the collector certificate fingerprint.
//
// The fingerprint check is observational. A mismatch is reported to the
// caller, which logs it and keeps the connection. Routes through a proxy skip
// the check because the proxy terminates TLS.
//
// Inspect dials a TLS endpoint and reports its leaf certificate (fingerprint,
// issuer, expiry). The agent binary uses it for its --check-collector mode.
package security
