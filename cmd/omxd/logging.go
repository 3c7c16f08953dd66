//go:build linux

package main

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// newLogger installs a JSON handler by default and a human-readable tint
// handler under -v.
func newLogger(verbose bool) *slog.Logger {
	if verbose {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
