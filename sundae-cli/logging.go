package sundaecli

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Logger(service Service) zerolog.Logger {
	logger := zerolog.New(os.Stdout)
	if CommonOpts.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return logger.With().
		Str("service", service.Name).
		Str("version", service.Version).
		Str("env", CommonOpts.Env).
		Logger()
}
