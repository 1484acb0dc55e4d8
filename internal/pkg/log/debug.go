// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/sasha-s/go-deadlock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
)

type debugLogger struct {
	*zapLogger
	out *syncBuffer
}

type syncBuffer struct {
	lock *deadlock.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error {
	return nil
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.buf.Reset()
}

// NewDebugLogger creates a logger which stores all messages, as JSON lines, in memory.
func NewDebugLogger() DebugLogger {
	out := &syncBuffer{lock: &deadlock.Mutex{}}
	encoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		LevelKey:       "level",
		MessageKey:     "message",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(encoder, out, DebugLevel)
	return &debugLogger{zapLogger: loggerFromZapCore(core), out: out}
}

func (l *debugLogger) Truncate() {
	l.out.Reset()
}

func (l *debugLogger) AllMessages() string {
	return l.out.String()
}

func (l *debugLogger) WarnAndErrorMessages() string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(l.out.String()))
	for scanner.Scan() {
		line := scanner.Text()
		var msg struct {
			Level string `json:"level"`
		}
		if err := json.DecodeString(line, &msg); err != nil {
			continue
		}
		if msg.Level == WarnLevel.String() || msg.Level == ErrorLevel.String() {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}
