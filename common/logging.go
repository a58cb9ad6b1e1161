package common

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupSlog builds the process logger and installs it as the slog default.
// level is one of debug|info|warn|error, format is text|json.
func SetupSlog(out io.Writer, level, format string) (*slog.Logger, error) {
	if out == nil {
		out = os.Stdout
	}

	var hopts slog.HandlerOptions
	switch strings.ToLower(level) {
	case "", "info":
		hopts.Level = slog.LevelInfo
	case "debug":
		hopts.Level = slog.LevelDebug
	case "warn":
		hopts.Level = slog.LevelWarn
	case "error":
		hopts.Level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %#v", level)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(out, &hopts)
	case "json":
		handler = slog.NewJSONHandler(out, &hopts)
	default:
		return nil, fmt.Errorf("unknown log format: %#v", format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
