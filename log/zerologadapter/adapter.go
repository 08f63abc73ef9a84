// Package zerologadapter provides a logger that writes to a github.com/rs/zerolog.
package zerologadapter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pgkit/pgwire"
)

type Logger struct {
	logger zerolog.Logger
}

// NewLogger accepts a zerolog.Logger as input and returns a new custom pgwire
// logging fascade as output.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("module", "pgwire").Logger(),
	}
}

func (pl *Logger) Log(ctx context.Context, level pgwire.LogLevel, msg string, data map[string]interface{}) {
	var zlevel zerolog.Level
	switch level {
	case pgwire.LogLevelNone:
		zlevel = zerolog.NoLevel
	case pgwire.LogLevelError:
		zlevel = zerolog.ErrorLevel
	case pgwire.LogLevelWarn:
		zlevel = zerolog.WarnLevel
	case pgwire.LogLevelInfo:
		zlevel = zerolog.InfoLevel
	case pgwire.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	default:
		zlevel = zerolog.DebugLevel
	}

	pgwlog := pl.logger.With().Fields(data).Logger()
	pgwlog.WithLevel(zlevel).Msg(msg)
}
