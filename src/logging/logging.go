// Package logging builds the process logger: text on stderr plus, when a
// file is configured, JSON lines appended to that file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q: %w", level, err)
	}
	return l, nil
}

// New returns the logger and a function closing the log file, if any.
func New(level, file string) (*slog.Logger, func() error, error) {
	return newLogger(os.Stderr, level, file)
}

func newLogger(w io.Writer, level, file string) (*slog.Logger, func() error, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: l}

	handlers := []slog.Handler{slog.NewTextHandler(w, opts)}
	closer := func() error { return nil }

	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}
