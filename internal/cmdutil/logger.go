// Copyright 2025 The CasareRPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmdutil holds small helpers shared by the orchestrator's
// command-line entrypoints.
package cmdutil

import (
	"log/slog"
	"os"
)

// SetupLogger builds the process-wide JSON logger at the named level.
// Unknown level names fall back to info.
func SetupLogger(levelStr string) *slog.Logger {
	level := slog.LevelInfo
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
