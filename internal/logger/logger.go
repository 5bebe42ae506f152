package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the daemon's own log destination. If File is empty and
// Dir is set, the file is Dir/jobstream.log. With neither set, logs go to
// stderr only. Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string // base directory for logs
	File       string // explicit path overrides Dir
	Level      string // trace/debug/info/warn/error (default info)
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // gzip rotated files
}

// New builds a slog.Logger per the config. The returned closer is non-nil
// when a rotating file writer was opened.
func New(c Config) (*slog.Logger, io.Closer, error) {
	path := c.File
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, "jobstream.log")
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	if path != "" {
		ljw := &lj.Logger{
			Filename:   path,
			MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   c.Compress,
		}
		w = io.MultiWriter(os.Stderr, ljw)
		closer = ljw
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(c.Level)})
	return slog.New(h), closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
