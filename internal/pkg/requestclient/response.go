package requestclient

import (
	"fmt"
	"net/http"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
)

// CacheStatusHeader is set on each response returned by Get.
const CacheStatusHeader = "X-Cache"

type CacheStatus string

const (
	// CacheHit - the response has been loaded from the cache.
	CacheHit CacheStatus = "HIT"
	// CacheMiss - the response has been loaded from the network and stored to the cache.
	CacheMiss CacheStatus = "MISS"
	// CacheBypass - the cache has been skipped, see SkipCache.
	CacheBypass CacheStatus = "BYPASS"
)

// Response is a fully read HTTP response, it can be stored in the cache and shared.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	CacheStatus CacheStatus
}

// Decode response body as JSON.
func (r *Response) Decode(v any) error {
	return json.Decode(r.Body, v)
}

func (r *Response) String() string {
	return string(r.Body)
}

// withStatus returns a copy annotated with the cache status, the cached instance is never modified.
func (r *Response) withStatus(status CacheStatus) *Response {
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	clone.Header.Set(CacheStatusHeader, string(status))
	clone.CacheStatus = status
	return &clone
}

// HTTPError is returned if the server responds with a non-2xx status code.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf(`%s %s | returned http code %d`, e.Method, e.URL, e.StatusCode)
}
