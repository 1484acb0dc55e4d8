package requestclient

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
)

type RequestOption func(c *requestConfig)

type requestConfig struct {
	params    map[string]any
	headers   map[string]string
	cacheKey  string
	ttl       time.Duration
	skipCache bool
	result    any
}

// WithParams sets query parameters, they are also part of the cache key.
func WithParams(v map[string]any) RequestOption {
	return func(c *requestConfig) {
		c.params = v
	}
}

func WithHeaders(v map[string]string) RequestOption {
	return func(c *requestConfig) {
		c.headers = v
	}
}

// WithCacheKey replaces the key derived from the request.
func WithCacheKey(v string) RequestOption {
	return func(c *requestConfig) {
		c.cacheKey = v
	}
}

// WithTTL overrides the default TTL of the cached response.
func WithTTL(v time.Duration) RequestOption {
	return func(c *requestConfig) {
		c.ttl = v
	}
}

// SkipCache bypasses the cache, the response is neither read from nor written to the cache.
func SkipCache() RequestOption {
	return func(c *requestConfig) {
		c.skipCache = true
	}
}

// WithResult decodes the JSON body of a successful response to the target.
func WithResult(target any) RequestOption {
	return func(c *requestConfig) {
		c.result = target
	}
}

func newRequestConfig(opts []RequestOption) requestConfig {
	cfg := requestConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// CacheKey returns "{METHOD}:{url}:{JSON(params)}".
// Params are encoded with sorted keys, so the same request always produces the same key.
func CacheKey(method, url string, params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.EncodeString(params, false)
	if err != nil {
		// Not encodable params cannot be compared, fallback to the Go representation
		encoded = fmt.Sprintf("%v", params)
	}
	return fmt.Sprintf("%s:%s:%s", strings.ToUpper(method), url, encoded)
}

// ResourceType returns the first non-empty path segment after the API prefix.
// For example "projects" for "/api/projects/42?tab=bids" and the "/api" prefix.
func ResourceType(rawURL, apiPrefix string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	apiPrefix = strings.Trim(apiPrefix, "/")
	trimmed := strings.Trim(path, "/")
	if apiPrefix != "" && (trimmed == apiPrefix || strings.HasPrefix(trimmed, apiPrefix+"/")) {
		trimmed = strings.TrimPrefix(trimmed, apiPrefix)
	}

	for _, segment := range strings.Split(trimmed, "/") {
		if segment != "" {
			return segment
		}
	}
	return ""
}

func queryValues(params map[string]any) url.Values {
	values := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case nil:
			continue
		case []string:
			for _, item := range v {
				values.Add(key, item)
			}
		case []any:
			for _, item := range v {
				values.Add(key, fmt.Sprint(item))
			}
		default:
			values.Set(key, fmt.Sprint(v))
		}
	}
	return values
}
