package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"strings"

	"github.com/vigilrun/vigil/pkg/wire"
)

// Route is the resolved plan for one connection attempt.
type Route struct {
	// URL is the request URL. Through a proxy its Host is the proxy and its
	// Opaque part is the absolute collector URL, which net/http then sends
	// as the request target.
	URL *url.URL

	// TLS configures the first hop; nil when that hop is plain HTTP.
	TLS *tls.Config

	// Collector is the final destination, Proxy the first hop when set.
	Collector Endpoint
	Proxy     *Endpoint

	// CheckFingerprint is set for direct HTTPS routes.
	CheckFingerprint bool
}

// ViaProxy reports whether the route goes through a proxy.
func (r *Route) ViaProxy() bool { return r.Proxy != nil }

// Describe returns a human-readable summary for logs.
func (r *Route) Describe() string {
	if r.Proxy != nil {
		return r.Collector.String() + " via proxy " + r.Proxy.String()
	}
	return r.Collector.String()
}

// Resolve builds the Route to collector, optionally through proxy. When a
// proxy is configured its TLS settings are used instead of the collector's.
func Resolve(collector Endpoint, proxy *Endpoint) (*Route, error) {
	collector = collector.WithDefaultPort()
	if collector.Host == "" {
		return nil, fmt.Errorf("security: collector endpoint has no host")
	}

	target := &url.URL{
		Scheme: collector.Scheme(),
		Host:   collector.Addr(),
		Path:   wire.AgentPath,
	}

	r := &Route{Collector: collector}
	hop := collector
	if proxy != nil {
		p := proxy.WithDefaultPort()
		if p.Host == "" {
			return nil, fmt.Errorf("security: proxy endpoint has no host")
		}
		r.Proxy = &p
		hop = p
		r.URL = &url.URL{
			Scheme: p.Scheme(),
			Host:   p.Addr(),
			Opaque: target.String(),
		}
	} else {
		r.URL = target
		r.CheckFingerprint = collector.Secure
	}

	if hop.Secure {
		cfg, err := TLSConfig(hop)
		if err != nil {
			return nil, err
		}
		r.TLS = cfg
	}
	return r, nil
}

// TLSConfig builds the client TLS configuration for one hop.
func TLSConfig(hop Endpoint) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         hop.Host,
		InsecureSkipVerify: !hop.RejectUnauthorized, //nolint:gosec // user-configured (+noauth)
	}
	if len(hop.CA) > 0 {
		pool := x509.NewCertPool()
		for i, pem := range hop.CA {
			if !pool.AppendCertsFromPEM([]byte(pem)) {
				return nil, fmt.Errorf("security: ca[%d] of %s: no valid certificate", i, hop.Host)
			}
		}
		cfg.RootCAs = pool
	}
	suites, err := ParseCiphers(hop.Ciphers)
	if err != nil {
		return nil, err
	}
	cfg.CipherSuites = suites
	return cfg, nil
}

// opensslNames maps the OpenSSL spellings found in older agent configs to
// Go cipher suite ids.
var opensslNames = map[string]uint16{
	"AES128-SHA":                    tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                    tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":             tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":             tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES128-GCM-SHA256":   tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES256-GCM-SHA384":   tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-ECDSA-AES128-GCM-SHA256": tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-ECDSA-AES256-GCM-SHA384": tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-CHACHA20-POLY1305":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"ECDHE-ECDSA-CHACHA20-POLY1305": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ParseCiphers turns a colon-separated preference list into cipher suite
// ids, keeping the order. Both OpenSSL and Go names are accepted. The list
// only constrains TLS 1.2; TLS 1.3 suites are not configurable in Go.
func ParseCiphers(list string) ([]uint16, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	goNames := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		goNames[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		goNames[cs.Name] = cs.ID
	}

	var out []uint16
	for _, name := range strings.Split(list, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if id, ok := opensslNames[strings.ToUpper(name)]; ok {
			out = append(out, id)
			continue
		}
		if id, ok := goNames[name]; ok {
			out = append(out, id)
			continue
		}
		return nil, fmt.Errorf("security: unknown cipher %q", name)
	}
	return out, nil
}
