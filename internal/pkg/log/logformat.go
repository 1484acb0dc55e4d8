// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"go.uber.org/zap/zapcore"

	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

// LogFormat selects the encoder of the service logger.
type LogFormat string

const (
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

// NewLogFormat parses the format, an empty value means console.
// An unknown value returns the console format together with an error.
func NewLogFormat(value string) (LogFormat, error) {
	switch f := LogFormat(value); f {
	case "":
		return LogFormatConsole, nil
	case LogFormatConsole, LogFormatJSON:
		return f, nil
	default:
		return LogFormatConsole, errors.Errorf(`unexpected log format "%s", expected "console" or "json"`, value)
	}
}

func (f LogFormat) encoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "message",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	if f == LogFormatJSON {
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = "  "
	return zapcore.NewConsoleEncoder(cfg)
}
