package security

import (
	"context"
	"crypto/sha1" //nolint:gosec // fingerprint format, not a signature
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

// ExpectedFingerprint is the SHA-1 fingerprint of the hosted collector's
// certificate.
const ExpectedFingerprint = "02:64:24:CC:40:B5:52:EB:46:62:CE:D8:0B:E2:1C:76:25:6D:21:C2"

// Fingerprint returns the SHA-1 fingerprint of cert as colon-separated
// upper-case hex.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw) //nolint:gosec
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// CheckPeer compares the leaf certificate of state with expected. It returns
// the actual fingerprint and whether it matched. A connection without peer
// certificates never matches.
func CheckPeer(state *tls.ConnectionState, expected string) (string, bool) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return "", false
	}
	actual := Fingerprint(state.PeerCertificates[0])
	return actual, strings.EqualFold(actual, expected)
}

// CertStatus describes the leaf certificate presented by a TLS endpoint.
type CertStatus struct {
	Endpoint    string
	Fingerprint string
	Match       bool
	Issuer      string
	NotAfter    time.Time
	DaysLeft    int
	Status      string // valid | expiring | expired | unreachable
}

// Inspect dials the first hop of r and reports the certificate it presents.
// Returns nil for plain HTTP routes. Uses a 10-second dial timeout.
func Inspect(ctx context.Context, r *Route, expected string) *CertStatus {
	if r.TLS == nil {
		return nil
	}
	hop := r.Collector
	if r.Proxy != nil {
		hop = *r.Proxy
	}
	cs := &CertStatus{Endpoint: hop.String()}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    r.TLS.Clone(),
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", hop.Addr())
	if err != nil {
		cs.Status = "unreachable"
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		cs.Status = "unreachable"
		return cs
	}
	cs.Fingerprint, cs.Match = CheckPeer(&state, expected)

	leaf := state.PeerCertificates[0]
	daysLeft := time.Until(leaf.NotAfter).Hours() / 24
	cs.NotAfter = leaf.NotAfter.UTC()
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(daysLeft))

	switch {
	case daysLeft <= 0:
		cs.Status = "expired"
	case daysLeft <= 30:
		cs.Status = "expiring"
	default:
		cs.Status = "valid"
	}
	return cs
}
