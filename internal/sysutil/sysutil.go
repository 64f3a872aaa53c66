// Package sysutil holds process-level helpers: logger construction and
// small string utilities used by the command line.
package sysutil

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a level name to a zerolog level. Unknown and empty names
// map to info.
func ParseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	}
	return zerolog.InfoLevel
}

// SetLogLevel sets the global zerolog level from a name.
func SetLogLevel(lvl string) {
	zerolog.SetGlobalLevel(ParseLevel(lvl))
}

// NewLogger builds the process logger writing to w, as JSON or, when pretty,
// through a console writer. It also becomes the global log.Logger.
func NewLogger(w io.Writer, level string, pretty bool, service string) zerolog.Logger {
	SetLogLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	log.Logger = l
	return l
}

// FirstNonEmpty returns the first value that is not blank.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
