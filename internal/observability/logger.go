package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WithApp tags the current global logger with app, keeping its writer.
func WithApp(app string) zerolog.Logger {
	logger := log.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
