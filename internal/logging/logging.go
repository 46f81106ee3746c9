package logging

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// New builds the process-wide logger. Unknown level names fall back to info.
func New(level string) *slog.Logger {
	lvl, ok := levels[level]
	if !ok {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl}))
}
