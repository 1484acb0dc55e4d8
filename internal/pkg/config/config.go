// Package config defines configuration of the marketplace live data layer.
// Values are loaded from defaults, an optional YAML file, a ".env" file and environment variables, in that order.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

type Config struct {
	DebugLog    bool          `configKey:"debugLog" configUsage:"Enable debug log level."`
	LogFormat   log.LogFormat `configKey:"logFormat" configUsage:"Log format, \"console\" or \"json\"." validate:"oneof=console json"`
	API         API           `configKey:"api"`
	Cache       Cache         `configKey:"cache"`
	Realtime    Realtime      `configKey:"realtime"`
	LiveStats   LiveStats     `configKey:"liveStats"`
	Credentials Credentials   `configKey:"credentials"`
	Metrics     Metrics       `configKey:"metrics"`
}

type API struct {
	BaseURL             string        `configKey:"baseUrl" configUsage:"Base URL of the marketplace REST API." validate:"required,url"`
	Prefix              string        `configKey:"prefix" configUsage:"Path prefix of the REST API, it is skipped when the resource type is derived from an URL."`
	Timeout             time.Duration `configKey:"timeout" configUsage:"Timeout of a single HTTP request." validate:"gt=0"`
	DeduplicateInFlight bool          `configKey:"deduplicateInFlight" configUsage:"Collapse concurrent cache misses of the same request into one network call."`
	CacheControl        bool          `configKey:"cacheControl" configUsage:"Use max-age and no-store directives of the Cache-Control response header for cached responses."`
}

type Cache struct {
	Capacity        int           `configKey:"capacity" configUsage:"Maximum number of cached responses." validate:"gt=0"`
	DefaultTTL      time.Duration `configKey:"defaultTtl" configUsage:"Default time-to-live of a cached response." validate:"gt=0"`
	CleanupInterval time.Duration `configKey:"cleanupInterval" configUsage:"How often expired entries are swept." validate:"gt=0"`
}

type Realtime struct {
	URL              string        `configKey:"url" configUsage:"WebSocket URL of the push-update server." validate:"required,url"`
	MaxAttempts      int           `configKey:"maxAttempts" configUsage:"Number of failed connection attempts after which automatic reconnection stops." validate:"gt=0"`
	BaseDelay        time.Duration `configKey:"baseDelay" configUsage:"Delay before the first reconnection attempt, doubled after each failure." validate:"gt=0"`
	MaxDelay         time.Duration `configKey:"maxDelay" configUsage:"Upper bound of the reconnection delay." validate:"gtefield=BaseDelay"`
	PingInterval     time.Duration `configKey:"pingInterval" configUsage:"Keep-alive ping interval, zero disables pings." validate:"gte=0"`
	HandshakeTimeout time.Duration `configKey:"handshakeTimeout" configUsage:"Timeout of the WebSocket handshake." validate:"gt=0"`
	RefCountRooms    bool          `configKey:"refCountRooms" configUsage:"Count joins per room and send leave only when the last member leaves."`
}

type LiveStats struct {
	JitterInterval time.Duration `configKey:"jitterInterval" configUsage:"How often viewers count is nudged while the live channel is disconnected." validate:"gt=0"`
}

type Credentials struct {
	Token     string `configKey:"token" configUsage:"Bearer token of the current user." sensitive:"true"`
	TokenFile string `configKey:"tokenFile" configUsage:"Path to a file with the bearer token, it is re-read on each lookup."`
}

type Metrics struct {
	Enabled bool   `configKey:"enabled" configUsage:"Expose Prometheus metrics."`
	Listen  string `configKey:"listen" configUsage:"Listen address of the metrics endpoint." validate:"omitempty,hostname_port"`
}

func New() Config {
	return Config{
		DebugLog:  false,
		LogFormat: log.LogFormatConsole,
		API: API{
			BaseURL: "http://localhost:3000",
			Prefix:  "/api",
			Timeout: 10 * time.Second,
		},
		Cache: Cache{
			Capacity:        100,
			DefaultTTL:      5 * time.Minute,
			CleanupInterval: 10 * time.Minute,
		},
		Realtime: Realtime{
			URL:              "ws://localhost:3000/realtime",
			MaxAttempts:      5,
			BaseDelay:        time.Second,
			MaxDelay:         30 * time.Second,
			PingInterval:     25 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		LiveStats: LiveStats{
			JitterInterval: 5 * time.Second,
		},
		Metrics: Metrics{
			Listen: "0.0.0.0:9000",
		},
	}
}

func (c *Config) Normalize() {
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.Prefix != "" {
		c.API.Prefix = "/" + strings.Trim(c.API.Prefix, "/")
	}
}

func (c *Config) Validate() error {
	errs := errors.NewMultiError()
	if err := validateStruct(c); err != nil {
		errs.Append(err)
	}
	if u, err := url.Parse(c.Realtime.URL); err == nil && u.Scheme != "ws" && u.Scheme != "wss" {
		errs.Append(errors.Errorf(`"realtime.url" must use "ws" or "wss" scheme, found "%s"`, u.Scheme))
	}
	return errs.ErrorOrNil()
}
