package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vigilrun/vigil/agent/internal/compute"
	"github.com/vigilrun/vigil/agent/internal/scraper"
	"github.com/vigilrun/vigil/agent/internal/sender"
)

// metricsLoop scrapes every source each interval and emits the derived
// values on the metrics channel.
type metricsLoop struct {
	scrapers []scraper.Scraper
	engine   *compute.Engine
	sender   *sender.Sender
	clk      clock.Clock
	interval time.Duration
	log      *slog.Logger
}

func (m *metricsLoop) run(ctx context.Context) {
	t := m.clk.Ticker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.collect(ctx)
		}
	}
}

func (m *metricsLoop) collect(ctx context.Context) {
	for _, s := range m.scrapers {
		res, err := s.Scrape(ctx)
		if err != nil {
			m.log.Warn("agent: scrape error", "err", err)
			continue
		}
		out := m.engine.Process(res, m.clk.Now())
		for _, v := range out.Values {
			if err := m.sender.Emit(sender.ChannelMetrics, v); err != nil {
				m.log.Debug("agent: metric dropped", "name", v.Name, "err", err)
			}
		}
		m.log.Debug("agent: metrics collected", "source", out.SourceID, "values", len(out.Values))
	}
}
