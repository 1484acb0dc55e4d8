// Package dependencies provides dependency containers for the CLI and tests.
//
// Components define only the dependencies they need as a small interface,
// the containers implement all of them:
//   - [BaseScope] provides the configuration, clock, logger, credentials and metrics (see [NewBaseScope]).
//   - [LiveScope] provides the cache, the cached API client and the realtime channel (see [NewLiveScope]).
//   - [Mocked] provides dependencies mocked for tests (see [NewMocked]).
package dependencies

import (
	"context"
	"net/http"

	"github.com/jarcoal/httpmock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/credentials"
	"github.com/keboola/marketplace-live/internal/pkg/livestats"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/realtime"
	"github.com/keboola/marketplace-live/internal/pkg/requestclient"
	"github.com/keboola/marketplace-live/internal/pkg/telemetry/metrics"
	"github.com/keboola/marketplace-live/internal/pkg/ttlcache"
)

type BaseScope interface {
	Config() config.Config
	Clock() clockwork.Clock
	Logger() log.Logger
	Credentials() credentials.Store
	MetricsRegistry() *prometheus.Registry
	Metrics() *metrics.Collector
}

type LiveScope interface {
	BaseScope
	HTTPClient() *http.Client
	Cache() *ttlcache.Cache[*requestclient.Response]
	APIClient() *requestclient.Client
	RealtimeChannel() *realtime.Channel
	NewAggregator(target livestats.Target, initial livestats.Stats) *livestats.Aggregator
	// Close stops background goroutines and disconnects the realtime channel.
	Close(ctx context.Context)
}

type Mocked interface {
	LiveScope
	DebugLogger() log.DebugLogger
	FakeClock() *clockwork.FakeClock
	MockedHTTPTransport() *httpmock.MockTransport
}
