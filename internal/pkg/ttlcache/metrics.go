package ttlcache

// Metrics is notified about cache events, see the telemetry/metrics package for the Prometheus implementation.
type Metrics interface {
	// Hit is called when Get finds a fresh entry.
	Hit()
	// Miss is called when Get finds no entry or an expired one.
	Miss()
	// Eviction is called when the oldest entry is removed to make space for a new one.
	Eviction()
	// Expiration is called when an entry is removed because its TTL elapsed.
	Expiration()
}

// NoopMetrics ignores all events.
type NoopMetrics struct{}

func (NoopMetrics) Hit()        {}
func (NoopMetrics) Miss()       {}
func (NoopMetrics) Eviction()   {}
func (NoopMetrics) Expiration() {}
