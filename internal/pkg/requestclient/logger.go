package requestclient

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-resty/resty/v2"

	"github.com/keboola/marketplace-live/internal/pkg/log"
)

var secretsRegexp = regexp.MustCompile(`(?i)((?:token|authorization)\s*[:=]?\s*(?:bearer\s+)?)[^\s"&]+`)

// restyLogger forwards internal resty messages to the logger, secrets are masked.
type restyLogger struct {
	logger log.Logger
}

func (l *restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(context.Background(), maskSecrets(fmt.Sprintf(format, v...)))
}

func (l *restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(context.Background(), maskSecrets(fmt.Sprintf(format, v...)))
}

func (l *restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(context.Background(), maskSecrets(fmt.Sprintf(format, v...)))
}

func maskSecrets(msg string) string {
	return secretsRegexp.ReplaceAllString(msg, "$1*****")
}

func responseToLog(res *resty.Response) string {
	req := res.Request
	return maskSecrets(fmt.Sprintf("%s %s | %d | %s", req.Method, req.URL, res.StatusCode(), res.Time()))
}
