// Package logrusadapter provides a logger that writes to a github.com/sirupsen/logrus.Logger
// log.
package logrusadapter

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pgkit/pgwire"
)

type Logger struct {
	l logrus.FieldLogger
}

func NewLogger(l logrus.FieldLogger) *Logger {
	return &Logger{l: l}
}

func (l *Logger) Log(ctx context.Context, level pgwire.LogLevel, msg string, data map[string]interface{}) {
	var logger logrus.FieldLogger
	if data != nil {
		logger = l.l.WithFields(data)
	} else {
		logger = l.l
	}

	switch level {
	case pgwire.LogLevelTrace:
		logger.WithField("PGWIRE_LOG_LEVEL", level).Debug(msg)
	case pgwire.LogLevelDebug:
		logger.Debug(msg)
	case pgwire.LogLevelInfo:
		logger.Info(msg)
	case pgwire.LogLevelWarn:
		logger.Warn(msg)
	case pgwire.LogLevelError:
		logger.Error(msg)
	default:
		logger.WithField("INVALID_PGWIRE_LOG_LEVEL", level).Error(msg)
	}
}
