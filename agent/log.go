package agent

import (
	"io"
	"log/slog"
)

// newLogger builds the agent's slog handler. The level lives in lv so a
// config reload can change it without rebuilding the handler.
func newLogger(w io.Writer, format string, lv *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lv}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
