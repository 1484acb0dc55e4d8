package dependencies

import (
	"context"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/livestats"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/realtime"
	"github.com/keboola/marketplace-live/internal/pkg/requestclient"
	"github.com/keboola/marketplace-live/internal/pkg/ttlcache"
)

// liveScope dependencies container implements LiveScope interface.
type liveScope struct {
	*baseScope
	httpClient *http.Client
	cache      *ttlcache.Cache[*requestclient.Response]
	apiClient  *requestclient.Client
	channel    *realtime.Channel
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
}

type liveConfig struct {
	clock      clockwork.Clock
	httpClient *http.Client
	dialer     realtime.Dialer
}

type LiveOption func(c *liveConfig)

func WithClock(v clockwork.Clock) LiveOption {
	return func(c *liveConfig) {
		c.clock = v
	}
}

func WithHTTPClient(v *http.Client) LiveOption {
	return func(c *liveConfig) {
		c.httpClient = v
	}
}

func WithRealtimeDialer(v realtime.Dialer) LiveOption {
	return func(c *liveConfig) {
		c.dialer = v
	}
}

// NewLiveScope creates all components from the configuration and starts the cache cleanup.
func NewLiveScope(ctx context.Context, cfg config.Config, logger log.Logger, opts ...LiveOption) LiveScope {
	return newLiveScope(ctx, cfg, logger, opts...)
}

func newLiveScope(ctx context.Context, cfg config.Config, logger log.Logger, opts ...LiveOption) *liveScope {
	c := liveConfig{clock: clockwork.NewRealClock(), httpClient: &http.Client{}}
	for _, o := range opts {
		o(&c)
	}

	d := &liveScope{
		baseScope:  newBaseScope(cfg, c.clock, logger),
		httpClient: c.httpClient,
		wg:         &sync.WaitGroup{},
	}

	d.cache = ttlcache.New[*requestclient.Response](
		ttlcache.WithCapacity(cfg.Cache.Capacity),
		ttlcache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		ttlcache.WithClock(d.clock),
		ttlcache.WithLogger(logger.WithComponent("cache")),
		ttlcache.WithMetrics(d.metrics),
	)

	d.apiClient = requestclient.New(
		cfg.API.BaseURL,
		requestclient.WithHTTPClient(d.httpClient),
		requestclient.WithCache(d.cache),
		requestclient.WithLogger(logger),
		requestclient.WithCredentials(d.credentials),
		requestclient.WithAPIPrefix(cfg.API.Prefix),
		requestclient.WithTimeout(cfg.API.Timeout),
		requestclient.WithDefaultTTL(cfg.Cache.DefaultTTL),
		requestclient.WithDeduplication(cfg.API.DeduplicateInFlight),
		requestclient.WithCacheControl(cfg.API.CacheControl),
	)

	channelOpts := []realtime.Option{realtime.WithMetrics(d.metrics)}
	if c.dialer != nil {
		channelOpts = append(channelOpts, realtime.WithDialer(c.dialer))
	}
	d.channel = realtime.New(cfg.Realtime, d, channelOpts...)

	var cleanupCtx context.Context
	cleanupCtx, d.cancel = context.WithCancel(ctx)
	d.cache.StartCleanup(cleanupCtx, d.wg, cfg.Cache.CleanupInterval)

	return d
}

func (v *liveScope) HTTPClient() *http.Client {
	return v.httpClient
}

func (v *liveScope) Cache() *ttlcache.Cache[*requestclient.Response] {
	return v.cache
}

func (v *liveScope) APIClient() *requestclient.Client {
	return v.apiClient
}

func (v *liveScope) RealtimeChannel() *realtime.Channel {
	return v.channel
}

func (v *liveScope) NewAggregator(target livestats.Target, initial livestats.Stats) *livestats.Aggregator {
	return livestats.New(v, v.channel, target, initial, livestats.WithJitterInterval(v.config.LiveStats.JitterInterval))
}

func (v *liveScope) Close(ctx context.Context) {
	v.channel.Disconnect()
	v.channel.Wait()
	v.cancel()
	v.wg.Wait()
	if err := v.metrics.Shutdown(ctx); err != nil {
		v.logger.Warnf(ctx, `cannot shutdown metrics: %s`, err)
	}
	v.logger.Debug(ctx, "dependencies closed")
}
