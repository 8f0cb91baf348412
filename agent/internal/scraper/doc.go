// Package scraper reads Prometheus metrics for the metrics channel.
//
// Two sources exist: the agent's own registry (NewGatherer), which carries
// the Go runtime, process and transport collectors, and any HTTP endpoints
// listed under sources in the config (New). Both flatten metric families into
// Samples tagged Counter or Gauge; labelled series keep their labels in the
// sample name. Summaries and histograms contribute their _sum and _count.
//
// Authentication (API key, bearer token, basic) is handled by the shared
// authRoundTripper in base.go.
package scraper
