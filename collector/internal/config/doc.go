// Package config loads the collector configuration from the `collector:`
// section of a YAML file (other top-level keys are ignored).
//
// Config fields:
//   - Listen            address for agents, API, WebSocket hub and /metrics (default ":8080")
//   - TLS               cert_file/key_file; both set switches the listener to HTTPS
//   - Auth.Mode         "apikey" or "none"
//   - Auth.KeyEnv       environment variable holding the expected API key
//   - Auth.Header       HTTP header name (default "x-api-key")
//   - Agents.Keys       accepted application keys (empty accepts any)
//   - Sessions.TTL      how long a disconnected session is kept (default 5m)
//   - Sessions.Capacity maximum sessions held (default 1024)
//   - Stream            WebSocket broadcast interval (default 2s)
//   - Commands          per-session command rate limit (default 1/s, burst 5)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
