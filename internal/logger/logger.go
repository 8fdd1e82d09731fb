// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures where and how log lines are written.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json or text
	Output     string // stderr, stdout, or a file path
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var defaultLogger = zerolog.New(io.Discard)

// Init initializes the default logger with the specified level and format,
// writing to stderr.
func Init(level string, format string) {
	_ = Setup(Options{Level: level, Format: format, Output: "stderr"})
}

// Setup initializes the default logger from opts. A file output is rotated
// by lumberjack.
func Setup(opts Options) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer
	switch opts.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		out = &lumberjack.Logger{
			Filename:   opts.Output,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			Compress:   true,
			LocalTime:  true,
		}
	}

	if strings.ToLower(opts.Format) == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano, NoColor: opts.Output != "" && opts.Output != "stderr" && opts.Output != "stdout"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	defaultLogger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if err != nil && opts.Level != "" {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	return nil
}

// SetOutput redirects the default logger, keeping debug level. Used by tests.
func SetOutput(w io.Writer) {
	defaultLogger = zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Debug().Msgf(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Info().Msgf(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Warn().Msgf(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Error().Msgf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	os.Exit(1)
}
