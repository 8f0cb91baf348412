package scraper

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/vigilrun/vigil/agent/internal/config"
)

const defaultScrapeTimeout = 10 * time.Second

// Kind tells the compute engine how to treat a sample.
type Kind int

const (
	// Gauge samples are current values and pass through unchanged.
	Gauge Kind = iota
	// Counter samples are monotonic totals; the engine derives rates.
	Counter
)

func (k Kind) String() string {
	if k == Counter {
		return "counter"
	}
	return "gauge"
}

// Sample is one flattened series. Name carries the label set in exposition
// form, e.g. `http_requests_total{code="200"}`.
type Sample struct {
	Name  string
	Kind  Kind
	Value float64
}

// ScrapeResult is the output of one scrape cycle for a single source.
// Counter samples hold raw totals, not rates. The compute engine keeps the
// previous result and derives rates from the delta.
type ScrapeResult struct {
	SourceID  string
	ScrapedAt time.Time
	Samples   []Sample

	// Err is non-nil if the scrape itself failed (connectivity, auth, parse).
	Err error
}

// Scraper is implemented by every metrics source.
type Scraper interface {
	Scrape(ctx context.Context) (*ScrapeResult, error)
}

// New returns the Scraper for the given source configuration.
// It builds the HTTP client once and reuses it across scrape calls.
func New(src config.Source) (Scraper, error) {
	switch src.Type {
	case "", "prometheus":
	default:
		return nil, fmt.Errorf("scraper: unsupported type %q", src.Type)
	}
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("scraper %q: build http client: %w", src.ID, err)
	}
	return &promScraper{src: src, client: client}, nil
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	src  config.Source
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.src.Auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.src.Auth.Header, t.src.Auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.src.Auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.src.Auth.Username, t.src.Auth.Password())
	}
	return t.base.RoundTrip(req)
}

func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			src:  src,
		},
		Timeout: defaultScrapeTimeout,
	}, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// flatten turns metric families into samples ordered by name. Summaries and
// histograms contribute their _sum and _count series as counters.
func flatten(mfs map[string]*dto.MetricFamily) []Sample {
	var out []Sample
	for name, mf := range mfs {
		for _, m := range mf.GetMetric() {
			labels := labelSuffix(m.GetLabel())
			switch {
			case m.Counter != nil:
				out = append(out, Sample{Name: name + labels, Kind: Counter, Value: m.Counter.GetValue()})
			case m.Gauge != nil:
				out = append(out, Sample{Name: name + labels, Kind: Gauge, Value: m.Gauge.GetValue()})
			case m.Untyped != nil:
				out = append(out, Sample{Name: name + labels, Kind: Gauge, Value: m.Untyped.GetValue()})
			case m.Summary != nil:
				out = append(out,
					Sample{Name: name + "_sum" + labels, Kind: Counter, Value: m.Summary.GetSampleSum()},
					Sample{Name: name + "_count" + labels, Kind: Counter, Value: float64(m.Summary.GetSampleCount())},
				)
			case m.Histogram != nil:
				out = append(out,
					Sample{Name: name + "_sum" + labels, Kind: Counter, Value: m.Histogram.GetSampleSum()},
					Sample{Name: name + "_count" + labels, Kind: Counter, Value: float64(m.Histogram.GetSampleCount())},
				)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func labelSuffix(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	sorted := make([]*dto.LabelPair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GetName() < sorted[j].GetName() })

	var b strings.Builder
	b.WriteByte('{')
	for i, lp := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", lp.GetName(), lp.GetValue())
	}
	b.WriteByte('}')
	return b.String()
}

func newResult(sourceID string) *ScrapeResult {
	return &ScrapeResult{
		SourceID:  sourceID,
		ScrapedAt: time.Now().UTC(),
	}
}
