// Package logger configures zerolog's global logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global log level and output format from LOG_LEVEL and
// LOG_FORMAT. "json" keeps zerolog's default structured output; anything
// else gets the console writer. Called before configuration loading so
// that loading itself is logged consistently.
func Init() {
	lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	format := os.Getenv("LOG_FORMAT")
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().Str("level", lvl.String()).Msg("Logger initialized")
}
