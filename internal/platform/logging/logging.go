// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Env   string // "development" switches stdout to the console writer
	Level string // trace, debug, info, warn, error; default info
	File  string // optional path; rotated with lumberjack

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger writing to stdout and, when File is set, to a rotated
// log file. The file output is always JSON.
func New(opts Options) zerolog.Logger {
	return build(opts, os.Stdout)
}

func build(opts Options, stdout io.Writer) zerolog.Logger {
	var out io.Writer = stdout
	if opts.Env == "development" {
		out = zerolog.ConsoleWriter{Out: stdout}
	}

	if opts.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		})
	}

	return zerolog.New(out).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "clinicalrecord").
		Logger()
}

// ParseLevel is lenient: unknown or empty values fall back to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
