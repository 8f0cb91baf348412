// Package auth provides authentication middleware for the collector's
// operator surfaces (REST API and WebSocket hub). Agent streams are
// authenticated by their handshake key in package receiver instead.
//
// APIKey(mode, header, key) returns an http middleware that validates the
// API key from the named request header.
//
// When mode != "apikey" or key == "", all requests pass through (useful for
// local development with auth disabled). When the key is incorrect or
// absent, the middleware answers 401 immediately.
package auth
