package security

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint is one hop the agent may connect to: the collector itself or a
// forward proxy in front of it.
type Endpoint struct {
	Host string
	Port int

	// Secure selects HTTPS.
	Secure bool

	// RejectUnauthorized enables certificate verification. Only meaningful
	// when Secure is set.
	RejectUnauthorized bool

	// CA is an optional chain of PEM certificates, leaf first. When set it
	// replaces the system roots for this hop.
	CA []string

	// Ciphers is a colon-separated cipher preference list (OpenSSL or Go
	// names). Empty means the Go defaults.
	Ciphers string
}

// ParseURL parses "proto://host:port" where proto is http, https or
// https+noauth. The +noauth variant disables certificate verification, which
// corporate proxies with self-signed certificates sometimes require.
// A missing port is left at zero; see WithDefaultPort.
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("security: parse endpoint %q: %w", raw, err)
	}

	var ep Endpoint
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		ep.Secure = true
		ep.RejectUnauthorized = true
	case "https+noauth":
		ep.Secure = true
	default:
		return Endpoint{}, fmt.Errorf("security: endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("security: endpoint %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		ep.Port, err = strconv.Atoi(p)
		if err != nil || ep.Port <= 0 || ep.Port > 65535 {
			return Endpoint{}, fmt.Errorf("security: endpoint %q: invalid port %q", raw, p)
		}
	}
	return ep, nil
}

// WithDefaultPort returns e with Port set to 443 or 80 when it is zero.
func (e Endpoint) WithDefaultPort() Endpoint {
	if e.Port == 0 {
		if e.Secure {
			e.Port = 443
		} else {
			e.Port = 80
		}
	}
	return e
}

// Scheme returns "https" or "http".
func (e Endpoint) Scheme() string {
	if e.Secure {
		return "https"
	}
	return "http"
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String encodes e back into the ParseURL form, for logging.
func (e Endpoint) String() string {
	proto := e.Scheme()
	if e.Secure && !e.RejectUnauthorized {
		proto += "+noauth"
	}
	return proto + "://" + e.Addr()
}
