package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/multierr"
)

const deliveryTimeout = 10 * time.Second

// payloadFuncs builds the request body for each supported webhook type.
var payloadFuncs = map[string]func(*Alert) any{
	"slack":     slackPayload,
	"teams":     teamsPayload,
	"http":      genericPayload,
	"pagerduty": genericPayload,
}

// deliver posts a to every configured target. Failures are logged once,
// aggregated, and never reach the evaluation loop.
func (e *Engine) deliver(a *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	var errs error
	sent := 0
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}
		build, ok := payloadFuncs[wh.Type]
		if !ok {
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}
		if err := e.post(ctx, url, build(a)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", wh.Type, err))
			continue
		}
		sent++
	}

	if errs != nil {
		slog.Error("alerts: webhook delivery failed",
			"rule", a.RuleName,
			"session", a.SessionID,
			"failed", len(multierr.Errors(errs)),
			"err", errs,
		)
	}
	if sent > 0 {
		slog.Debug("alerts: webhooks delivered", "rule", a.RuleName, "state", a.State, "count", sent)
	}
}

// subject names the agent process an alert is about.
func subject(a *Alert) string {
	if a.Hostname == "" {
		return a.AppName
	}
	return a.AppName + "@" + a.Hostname
}

func slackPayload(a *Alert) any {
	verb := "firing"
	if a.State == "resolved" {
		verb = "resolved"
	}
	return map[string]string{
		"text": fmt.Sprintf("*%s* %s %s: %s (session `%s`)",
			severityLabel(a.Severity), subject(a), verb, a.Message, a.SessionID),
	}
}

func teamsPayload(a *Alert) any {
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Severity),
		"summary":    a.RuleName,
		"title":      fmt.Sprintf("Vigil %s: %s on %s", a.State, a.RuleName, subject(a)),
		"text":       a.Message,
		"sections": []map[string]any{{
			"facts": []map[string]string{
				{"name": "Session", "value": a.SessionID},
				{"name": "Value", "value": fmt.Sprintf("%g", a.Value)},
				{"name": "Fired", "value": a.FiredAt.UTC().Format(time.RFC3339)},
			},
		}},
	}
}

func genericPayload(a *Alert) any {
	return map[string]any{"source": "vigil-collector", "alert": a}
}

func (e *Engine) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
