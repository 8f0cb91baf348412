package scraper

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherScraper reads an in-process registry instead of going over HTTP.
type gatherScraper struct {
	id string
	g  prometheus.Gatherer
}

// NewGatherer returns a Scraper over g whose results are scoped as id.
func NewGatherer(id string, g prometheus.Gatherer) Scraper {
	return &gatherScraper{id: id, g: g}
}

func (s *gatherScraper) Scrape(ctx context.Context) (*ScrapeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := newResult(s.id)
	families, err := s.g.Gather()
	if err != nil && len(families) == 0 {
		res.Err = fmt.Errorf("gather %q: %w", s.id, err)
		return res, nil
	}
	mfs := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		mfs[mf.GetName()] = mf
	}
	res.Samples = flatten(mfs)
	return res, nil
}
