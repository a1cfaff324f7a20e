// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// Formats accepted by New.
const (
	FormatJSON = "json"
	FormatText = "text"
	FormatDev  = "dev"
)

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog
// levels. The empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a logger writing to w in the given format at the given level.
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case FormatText, "txt":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case FormatDev, "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// keep default colors for warn and error
				if a.Key == slog.LevelKey && len(groups) == 0 {
					switch a.Value.Any() {
					case slog.LevelDebug:
						return tint.Attr(3, slog.String(a.Key, "DBG"))
					case slog.LevelInfo:
						return tint.Attr(14, slog.String(a.Key, "INF"))
					}
				}
				return a
			},
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want json, text or dev)", format)
	}
}
