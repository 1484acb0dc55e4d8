package dependencies

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/jonboulle/clockwork"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/realtime"
)

const MockedBaseURL = "https://marketplace.mocked"

// mocked dependencies container implements Mocked interface.
type mocked struct {
	*liveScope
	debugLogger         log.DebugLogger
	clock               *clockwork.FakeClock
	mockedHTTPTransport *httpmock.MockTransport
}

type MockedConfig struct {
	ctx         context.Context
	config      config.Config
	debugLogger log.DebugLogger
	dialer      realtime.Dialer
}

type MockedOption func(c *MockedConfig)

func WithCtx(v context.Context) MockedOption {
	return func(c *MockedConfig) {
		c.ctx = v
	}
}

func WithConfig(v config.Config) MockedOption {
	return func(c *MockedConfig) {
		c.config = v
	}
}

func WithDebugLogger(v log.DebugLogger) MockedOption {
	return func(c *MockedConfig) {
		c.debugLogger = v
	}
}

func WithMockedDialer(v realtime.Dialer) MockedOption {
	return func(c *MockedConfig) {
		c.dialer = v
	}
}

// NewMocked creates dependencies with a fake clock, an in-memory logger and a mocked HTTP transport.
// Resources are released by the test cleanup.
func NewMocked(t *testing.T, opts ...MockedOption) Mocked {
	t.Helper()

	cfg := config.New()
	cfg.API.BaseURL = MockedBaseURL
	c := MockedConfig{ctx: context.Background(), config: cfg, debugLogger: log.NewDebugLogger()}
	for _, o := range opts {
		o(&c)
	}

	clock := clockwork.NewFakeClock()
	transport := httpmock.NewMockTransport()
	liveOpts := []LiveOption{WithClock(clock), WithHTTPClient(&http.Client{Transport: transport})}
	if c.dialer != nil {
		liveOpts = append(liveOpts, WithRealtimeDialer(c.dialer))
	}

	d := &mocked{
		liveScope:           newLiveScope(c.ctx, c.config, c.debugLogger, liveOpts...),
		debugLogger:         c.debugLogger,
		clock:               clock,
		mockedHTTPTransport: transport,
	}

	t.Cleanup(func() {
		d.Close(context.Background())
	})

	return d
}

func (v *mocked) DebugLogger() log.DebugLogger {
	return v.debugLogger
}

func (v *mocked) FakeClock() *clockwork.FakeClock {
	return v.clock
}

func (v *mocked) MockedHTTPTransport() *httpmock.MockTransport {
	return v.mockedHTTPTransport
}
