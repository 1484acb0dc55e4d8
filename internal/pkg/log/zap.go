// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keboola/marketplace-live/internal/pkg/ctxattr"
)

const (
	componentKey = "component"
	durationKey  = "duration"
)

// zapLogger is default implementation of the Logger interface.
// Attributes are kept in the logger and converted to zap fields on each write,
// so the With* methods are cheap.
type zapLogger struct {
	base      *zap.Logger
	component string
	attrs     []attribute.KeyValue
}

func loggerFromZapCore(core zapcore.Core) *zapLogger {
	return &zapLogger{base: zap.New(core)}
}

func (l *zapLogger) With(attrs ...attribute.KeyValue) Logger {
	clone := *l
	clone.attrs = make([]attribute.KeyValue, 0, len(l.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, l.attrs...)
	clone.attrs = append(clone.attrs, attrs...)
	return &clone
}

// WithComponent appends the component name, nested components are separated by a dot.
func (l *zapLogger) WithComponent(component string) Logger {
	clone := *l
	if clone.component == "" {
		clone.component = component
	} else {
		clone.component += "." + component
	}
	return &clone
}

func (l *zapLogger) WithDuration(v time.Duration) Logger {
	return l.With(attribute.String(durationKey, v.String()))
}

func (l *zapLogger) Debug(ctx context.Context, message string) {
	l.log(ctx, DebugLevel, message)
}

func (l *zapLogger) Info(ctx context.Context, message string) {
	l.log(ctx, InfoLevel, message)
}

func (l *zapLogger) Warn(ctx context.Context, message string) {
	l.log(ctx, WarnLevel, message)
}

func (l *zapLogger) Error(ctx context.Context, message string) {
	l.log(ctx, ErrorLevel, message)
}

func (l *zapLogger) Debugf(ctx context.Context, template string, args ...any) {
	l.log(ctx, DebugLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Infof(ctx context.Context, template string, args ...any) {
	l.log(ctx, InfoLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Warnf(ctx context.Context, template string, args ...any) {
	l.log(ctx, WarnLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Errorf(ctx context.Context, template string, args ...any) {
	l.log(ctx, ErrorLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Sync() error {
	return l.base.Sync()
}

func (l *zapLogger) log(ctx context.Context, level zapcore.Level, message string) {
	if ce := l.base.Check(level, message); ce != nil {
		ce.Write(l.fields(ctx)...)
	}
}

// fields converts the component, context attributes and logger attributes to zap fields.
// Logger attributes are written last, so they take precedence.
func (l *zapLogger) fields(ctx context.Context) []zap.Field {
	ctxAttrs := ctxattr.Attributes(ctx).ToSlice()
	fields := make([]zap.Field, 0, len(ctxAttrs)+len(l.attrs)+1)
	if l.component != "" {
		fields = append(fields, zap.String(componentKey, l.component))
	}
	for _, attr := range ctxAttrs {
		fields = append(fields, zap.Any(string(attr.Key), attr.Value.AsInterface()))
	}
	for _, attr := range l.attrs {
		fields = append(fields, zap.Any(string(attr.Key), attr.Value.AsInterface()))
	}
	return fields
}
