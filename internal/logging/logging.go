// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects logger output.
type Options struct {
	Level   string
	Debug   bool
	Console bool // human-readable output instead of JSON

	// File, when set, also writes JSON lines to a rotating log file.
	File      string
	FileMaxMB int

	// Out defaults to os.Stdout.
	Out io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a level name to a zerolog level, falling back to info.
// Debug forces debug level.
func ParseLevel(name string, debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// New returns the root logger. The closer flushes the log file, if any.
func New(opts Options) (zerolog.Logger, io.Closer) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		maxMB := opts.FileMaxMB
		if maxMB <= 0 {
			maxMB = 50
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxMB,
			MaxBackups: 3,
			MaxAge:     28,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}

	logger := zerolog.New(out).
		Level(ParseLevel(opts.Level, opts.Debug)).
		With().Timestamp().Caller().
		Logger()
	return logger, closer
}
