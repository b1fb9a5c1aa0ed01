// Package logger provides utilities for working with [zerolog]:
// global initialization, context propagation, and fatal exits.
//
// [zerolog]: https://pkg.go.dev/github.com/rs/zerolog
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger: human-readable console
// output in development mode, JSON to stderr otherwise.
func Init(devMode bool) {
	if devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// WithContext returns a copy of the given context which carries the given logger.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger attached to the given
// context, or the global logger if there isn't one.
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return log.Logger
}

// FatalError logs the given message and error, and aborts the application.
func FatalError(msg string, err error) {
	log.Fatal().Err(err).Msg(msg)
}
