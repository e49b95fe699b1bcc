// Package logging installs the process-wide slog handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogctx "github.com/veqryn/slog-context"
)

// Options configures Setup.
type Options struct {
	Verbose bool
	NoColor bool
	// Writer defaults to stderr.
	Writer io.Writer
}

// redactedKeys name attributes whose values are never printed.
var redactedKeys = []string{"secret", "password"}

// Redact hides the value of credential attributes.
func Redact(_ []string, a slog.Attr) slog.Attr {
	for _, k := range redactedKeys {
		if strings.EqualFold(a.Key, k) {
			return slog.String(a.Key, "[redacted]")
		}
	}
	return a
}

// Setup installs a tint handler wrapped by slogctx as the default logger
// and returns ctx carrying it. Attributes added with Append are emitted on
// every record logged with that context.
func Setup(ctx context.Context, opts Options) context.Context {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	_, noColorEnv := os.LookupEnv("NO_COLOR")

	handler := tint.NewHandler(w, &tint.Options{
		Level:       level,
		TimeFormat:  time.TimeOnly,
		NoColor:     opts.NoColor || noColorEnv,
		ReplaceAttr: Redact,
	})

	logger := slog.New(slogctx.NewHandler(handler, nil))
	slog.SetDefault(logger)

	return slogctx.NewCtx(ctx, logger)
}

// Append returns ctx with args attached to every record logged with it.
func Append(ctx context.Context, args ...any) context.Context {
	return slogctx.Append(ctx, args...)
}
