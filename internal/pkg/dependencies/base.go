package dependencies

import (
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/credentials"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/telemetry/metrics"
)

// baseScope dependencies container implements BaseScope interface.
type baseScope struct {
	config      config.Config
	clock       clockwork.Clock
	logger      log.Logger
	credentials credentials.Store
	registry    *prometheus.Registry
	metrics     *metrics.Collector
}

func NewBaseScope(cfg config.Config, clock clockwork.Clock, logger log.Logger) BaseScope {
	return newBaseScope(cfg, clock, logger)
}

func newBaseScope(cfg config.Config, clock clockwork.Clock, logger log.Logger) *baseScope {
	registry := prometheus.NewRegistry()
	return &baseScope{
		config:      cfg,
		clock:       clock,
		logger:      logger,
		credentials: credentials.FromConfig(cfg.Credentials),
		registry:    registry,
		metrics:     metrics.New(registry),
	}
}

func (v *baseScope) Config() config.Config {
	return v.config
}

func (v *baseScope) Clock() clockwork.Clock {
	return v.clock
}

func (v *baseScope) Logger() log.Logger {
	return v.logger
}

func (v *baseScope) Credentials() credentials.Store {
	return v.credentials
}

func (v *baseScope) MetricsRegistry() *prometheus.Registry {
	return v.registry
}

func (v *baseScope) Metrics() *metrics.Collector {
	return v.metrics
}
