// Package logging builds the root zerolog logger that every command and
// component derives its scoped logger from.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the log level, output encoding and timestamp format.
// The zero value yields JSON at info level with RFC3339 timestamps.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
}

func (c Config) consoleOutput() bool {
	return c.PrettyPrint || strings.EqualFold(c.Format, "console")
}

// NewLogger builds the root logger. An unknown level string falls back
// to info rather than failing startup; risk decisions must keep being
// logged even with a mistyped config.
func NewLogger(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		level = parsed
	}

	var out io.Writer = os.Stdout
	if cfg.consoleOutput() {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}

	builder := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}
	return builder.Logger()
}
