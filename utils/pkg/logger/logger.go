package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

func New(verbose bool) *slog.Logger {
	return NewWithWriter(os.Stdout, verbose)
}

// NewWithWriter builds the tint logger on an arbitrary writer. Times are UTC
// with millisecond precision and empty string attributes are dropped.
func NewWithWriter(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:   logLevel,
		NoColor: w != os.Stdout,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
