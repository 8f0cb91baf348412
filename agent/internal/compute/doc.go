// Package compute turns scraper output into values for the metrics channel.
//
// The stateful Engine keeps the last counter totals per source and reports
// per-minute rates from the delta between two scrapes. The first scrape of a
// source only sets the baseline; a counter that goes backwards (process
// restart) reads as a zero rate. Gauges pass through unchanged. Every result
// also carries the source's scrape success rate over the last 20 attempts.
//
// Engine.Process accepts an injectable time.Time so tests are deterministic.
package compute
