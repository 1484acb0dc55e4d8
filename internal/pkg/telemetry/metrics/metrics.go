// Package metrics records cache and realtime channel metrics as OpenTelemetry instruments
// exported in the Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	namespace = "marketplace"
	meterName = "github.com/keboola/marketplace-live"
	stateAttr = "state"
)

// Collector implements metrics hooks of the ttlcache and realtime packages.
type Collector struct {
	provider         *sdkmetric.MeterProvider
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	cacheEvictions   metric.Int64Counter
	cacheExpirations metric.Int64Counter
	stateChanges     metric.Int64Counter
	reconnects       metric.Int64Counter
}

// New creates instruments exported to the registerer.
// It panics if the exporter cannot be registered, as prometheus.MustRegister does.
func New(reg prometheus.Registerer) *Collector {
	exporter := mustInstrument(otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithNamespace(namespace),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo(),
	))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	return &Collector{
		provider:         provider,
		cacheHits:        counter(meter, "cache_hits", "Number of cache lookups which found a fresh entry."),
		cacheMisses:      counter(meter, "cache_misses", "Number of cache lookups which found no fresh entry."),
		cacheEvictions:   counter(meter, "cache_evictions", "Number of entries removed because the cache was full."),
		cacheExpirations: counter(meter, "cache_expirations", "Number of entries removed because their TTL elapsed."),
		stateChanges:     counter(meter, "realtime_state_transitions", "Number of connection state transitions by the new state."),
		reconnects:       counter(meter, "realtime_reconnect_attempts", "Number of scheduled reconnection attempts."),
	}
}

func (c *Collector) Hit() {
	c.cacheHits.Add(context.Background(), 1)
}

func (c *Collector) Miss() {
	c.cacheMisses.Add(context.Background(), 1)
}

func (c *Collector) Eviction() {
	c.cacheEvictions.Add(context.Background(), 1)
}

func (c *Collector) Expiration() {
	c.cacheExpirations.Add(context.Background(), 1)
}

func (c *Collector) StateChanged(state string) {
	c.stateChanges.Add(context.Background(), 1, metric.WithAttributes(attribute.String(stateAttr, state)))
}

func (c *Collector) ReconnectScheduled() {
	c.reconnects.Add(context.Background(), 1)
}

// Shutdown stops the meter provider, instruments are no-op then.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}

// Handler exposes metrics from the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	return mustInstrument(meter.Int64Counter(name, metric.WithDescription(desc)))
}

func mustInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
