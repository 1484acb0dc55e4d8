package realtime

// Metrics receives connection lifecycle events, see the telemetry/metrics package.
type Metrics interface {
	StateChanged(state string)
	ReconnectScheduled()
}

type NoopMetrics struct{}

func (NoopMetrics) StateChanged(string) {}
func (NoopMetrics) ReconnectScheduled() {}
