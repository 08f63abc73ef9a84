package pgwire

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// LogLevel represents the pgwire logging level. See LogLevel* constants for possible values.
type LogLevel int

// The values for log levels are chosen such that the zero value means that no log level was specified.
const (
	LogLevelTrace = LogLevel(6)
	LogLevelDebug = LogLevel(5)
	LogLevelInfo  = LogLevel(4)
	LogLevelWarn  = LogLevel(3)
	LogLevelError = LogLevel(2)
	LogLevelNone  = LogLevel(1)
)

func (ll LogLevel) String() string {
	switch ll {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelNone:
		return "none"
	default:
		return "invalid level " + strconv.Itoa(int(ll))
	}
}

// Logger is the interface used to get logging from pgwire internals. Adapters for common logging packages are
// provided in the log directory.
type Logger interface {
	// Log a message at the given level with data key/value pairs. data may be nil.
	Log(ctx context.Context, level LogLevel, msg string, data map[string]interface{})
}

// LogLevelFromString converts log level string to constant
//
// Valid levels:
//
//	trace
//	debug
//	info
//	warn
//	error
//	none
func LogLevelFromString(s string) (LogLevel, error) {
	switch s {
	case "trace":
		return LogLevelTrace, nil
	case "debug":
		return LogLevelDebug, nil
	case "info":
		return LogLevelInfo, nil
	case "warn":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none":
		return LogLevelNone, nil
	default:
		return 0, errors.New("invalid log level")
	}
}

// logQueryArgs truncates args for logging so a large bind parameter does not flood the log.
func logQueryArgs(args [][]byte) []interface{} {
	logArgs := make([]interface{}, 0, len(args))

	for _, v := range args {
		var a interface{}
		switch {
		case v == nil:
			a = nil
		case len(v) < 64:
			a = hex.EncodeToString(v)
		default:
			a = fmt.Sprintf("%x (truncated %d bytes)", v[:64], len(v)-64)
		}
		logArgs = append(logArgs, a)
	}

	return logArgs
}
