package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ongoingai/traceview/internal/config"
)

// NewLogger builds the process logger from cfg: JSON or text records at the
// configured level, enriched with the active span's ids.
func NewLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.TrimSpace(cfg.Format) {
	case "", config.LogFormatJSON:
		handler = slog.NewJSONHandler(w, options)
	case config.LogFormatText:
		handler = slog.NewTextHandler(w, options)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return slog.New(NewTraceLogHandler(handler)), nil
}
