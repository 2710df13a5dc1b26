package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// setupLogging writes human readable logs to stderr. Stdout is reserved for
// CSV rows and rendered tables.
func setupLogging(level string, verbose, quiet bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		if level != "" {
			log.Warn().Str("level", level).Msg("unknown log level, using info")
		}
		lvl = zerolog.InfoLevel
	}
	switch {
	case quiet:
		lvl = zerolog.ErrorLevel
	case verbose:
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
