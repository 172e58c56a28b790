// Package logging builds the process-wide structured logger as an
// explicit collaborator (never a package-level singleton the way the
// source's ad-hoc loggers were) so tests can construct a fresh one.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger. When pretty is true output is a
// human-readable console writer (dev mode); otherwise it's newline-delimited
// JSON suitable for log aggregation.
func New(pretty bool, level string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
