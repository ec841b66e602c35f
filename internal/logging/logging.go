// Package logging builds the process logger: a text handler on stderr plus
// an optional JSON log file, fanned out through slog-multi.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options selects the log level and the optional JSON file sink.
type Options struct {
	Level string
	File  string
	// Output replaces stderr for the text handler.
	Output io.Writer
}

// ParseLevel maps debug, info, warn and error onto slog levels.
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
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New returns a logger for opts and a close function for the file sink.
// The returned LevelVar can change the level at runtime.
func New(opts Options) (*slog.Logger, *slog.LevelVar, func() error, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}),
	}

	closeFn := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closeFn = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), level, closeFn, nil
}
