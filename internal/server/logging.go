package server

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogging sets up the global zerolog logger. format is "console"
// for human-friendly output or "json".
func ConfigureLogging(level, format string) {
	ConfigureLoggingTo(os.Stderr, level, format)
}

// ConfigureLoggingTo is ConfigureLogging with an explicit sink.
func ConfigureLoggingTo(w io.Writer, level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
