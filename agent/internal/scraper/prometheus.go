package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vigilrun/vigil/agent/internal/config"
)

type promScraper struct {
	src    config.Source
	client *http.Client
}

// Scrape fetches the source's /metrics endpoint and flattens every family.
// Fetch failures are reported through res.Err so the caller keeps going.
func (s *promScraper) Scrape(ctx context.Context) (*ScrapeResult, error) {
	res := newResult(s.src.ID)

	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		res.Err = fmt.Errorf("prometheus scrape %q: %w", s.src.ID, err)
		slog.Warn("scraper: prometheus fetch failed", "source", s.src.ID, "err", err)
		return res, nil
	}
	res.Samples = flatten(mfs)
	return res, nil
}
