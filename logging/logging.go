// Package logging builds the process slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q is not supported", s)
	}
	return l, nil
}

// New returns a logger writing to w. The text format renders through zerolog's console
// writer; json writes one object per record.
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "", "text", "plain":
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.MessageKey {
				return a
			}
			if a.Value.Kind() == slog.KindString {
				return slog.Any(zerolog.MessageFieldName, a.Value)
			}
			return slog.String(zerolog.MessageFieldName, fmt.Sprint(a.Value.Any()))
		}
		h = slog.NewJSONHandler(&zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    true,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					return strings.ToUpper(ll)
				}
				return "????"
			},
			FormatMessage: func(i interface{}) string {
				s, ok := i.(string)
				if ok {
					return s
				}
				return fmt.Sprint(i)
			},
		}, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("log format %q is not supported", format)
	}
	return slog.New(h), nil
}
