// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewServiceLogger creates a logger for a long-running process.
// Debug messages are written only if the debug flag is set.
func NewServiceLogger(w io.Writer, debug bool, format LogFormat) Logger {
	levels := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return debug || l >= InfoLevel
	})
	return loggerFromZapCore(zapcore.NewCore(format.encoder(), zapcore.AddSync(w), levels))
}
