// Package alerts implements the rule evaluation engine and webhook delivery
// for collector alerting. Rules are evaluated against agent sessions;
// webhooks are delivered to Teams, Slack, PagerDuty, or generic HTTP targets.
package alerts
