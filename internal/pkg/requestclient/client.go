// Package requestclient provides an HTTP client with a response cache.
//
// GET responses are cached under the "{METHOD}:{url}:{JSON(params)}" key.
// A successful POST, PUT, PATCH or DELETE invalidates all cached entries
// containing the resource type of the modified URL, see ResourceType.
package requestclient

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/cachecontrol/cacheobject"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/keboola/marketplace-live/internal/pkg/credentials"
	"github.com/keboola/marketplace-live/internal/pkg/ctxattr"
	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/log"
	"github.com/keboola/marketplace-live/internal/pkg/ttlcache"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

const (
	DefaultAPIPrefix = "/api"
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "marketplace-live"
	// MaxCacheControlTTL limits TTL derived from the max-age directive.
	MaxCacheControlTTL = time.Hour
)

type Client struct {
	config
	resty *resty.Client
	// group collapses concurrent misses of the same key, used only if dedup is enabled
	group singleflight.Group
}

type config struct {
	httpClient  *http.Client
	cache       *ttlcache.Cache[*Response]
	logger      log.Logger
	credentials credentials.Store
	apiPrefix   string
	timeout     time.Duration
	defaultTTL  time.Duration
	dedup        bool
	cacheControl bool
	userAgent    string
}

type Option func(c *config)

// WithHTTPClient sets the underlying HTTP client, for example with a mocked transport in tests.
func WithHTTPClient(v *http.Client) Option {
	return func(c *config) {
		c.httpClient = v
	}
}

func WithCache(v *ttlcache.Cache[*Response]) Option {
	return func(c *config) {
		c.cache = v
	}
}

func WithLogger(v log.Logger) Option {
	return func(c *config) {
		c.logger = v
	}
}

func WithCredentials(v credentials.Store) Option {
	return func(c *config) {
		c.credentials = v
	}
}

// WithAPIPrefix sets the path prefix skipped when the resource type is derived from a URL.
func WithAPIPrefix(v string) Option {
	return func(c *config) {
		c.apiPrefix = v
	}
}

func WithTimeout(v time.Duration) Option {
	return func(c *config) {
		c.timeout = v
	}
}

// WithDefaultTTL sets TTL of cached responses, if not overridden by the WithTTL request option.
func WithDefaultTTL(v time.Duration) Option {
	return func(c *config) {
		c.defaultTTL = v
	}
}

// WithDeduplication enables collapsing of concurrent cache misses of the same key into one request.
func WithDeduplication(v bool) Option {
	return func(c *config) {
		c.dedup = v
	}
}

// WithCacheControl enables the Cache-Control response header:
// max-age sets TTL of the cached response, up to MaxCacheControlTTL, and no-store disables caching.
// The WithTTL request option still takes precedence.
func WithCacheControl(v bool) Option {
	return func(c *config) {
		c.cacheControl = v
	}
}

func WithUserAgent(v string) Option {
	return func(c *config) {
		c.userAgent = v
	}
}

func New(baseURL string, opts ...Option) *Client {
	cfg := config{
		logger:      log.NewNopLogger(),
		credentials: credentials.Static(""),
		apiPrefix:   DefaultAPIPrefix,
		timeout:     DefaultTimeout,
		userAgent:   DefaultUserAgent,
	}
	for _, o := range opts {
		o(&cfg)
	}

	cfg.logger = cfg.logger.WithComponent("http-client")
	if cfg.cache == nil {
		cfg.cache = ttlcache.New[*Response](ttlcache.WithLogger(cfg.logger))
	}

	c := &Client{config: cfg}
	c.resty = c.createRestyClient(baseURL)
	return c
}

// Get returns the cached response, or sends the request and caches a successful response.
func (c *Client) Get(ctx context.Context, url string, opts ...RequestOption) (*Response, error) {
	rc := newRequestConfig(opts)

	if rc.skipCache {
		res, err := c.send(ctx, http.MethodGet, url, nil, rc)
		if err != nil {
			return nil, err
		}
		return c.result(res.withStatus(CacheBypass), rc)
	}

	key := rc.cacheKey
	if key == "" {
		key = CacheKey(http.MethodGet, url, rc.params)
	}
	ctx = ctxattr.ContextWith(ctx, attribute.String("cache.key", key))

	if c.dedup {
		return c.getDeduplicated(ctx, key, url, rc)
	}

	if cached, found := c.cached(ctx, key); found {
		return c.result(cached.withStatus(CacheHit), rc)
	}

	res, err := c.fetch(ctx, key, url, rc)
	if err != nil {
		return nil, err
	}
	return c.result(res.withStatus(CacheMiss), rc)
}

// getDeduplicated shares one cache lookup and one request between concurrent callers of the same key.
// The request is detached from the context of the caller who started it, so its cancellation does not fail the others.
// Each caller waits only until its own context is done.
func (c *Client) getDeduplicated(ctx context.Context, key, url string, rc requestConfig) (*Response, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		// The key could be stored by a request finished in the meantime
		if cached, found := c.cached(ctx, key); found {
			return cached.withStatus(CacheHit), nil
		}

		fetchCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.timeout)
			defer cancel()
		}

		res, err := c.fetch(fetchCtx, key, url, rc)
		if err != nil {
			return nil, err
		}
		return res.withStatus(CacheMiss), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		// Each caller gets its own copy of the shared response
		res := r.Val.(*Response)
		return c.result(res.withStatus(res.CacheStatus), rc)
	}
}

func (c *Client) cached(ctx context.Context, key string) (*Response, bool) {
	cached, found := c.cache.Get(key)
	if found {
		c.logger.Debugf(ctx, `cache hit "%s"`, key)
	}
	return cached, found
}

func (c *Client) Post(ctx context.Context, url string, body any, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodPost, url, body, opts)
}

func (c *Client) Put(ctx context.Context, url string, body any, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodPut, url, body, opts)
}

func (c *Client) Patch(ctx context.Context, url string, body any, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodPatch, url, body, opts)
}

// Delete sends the DELETE request, the body is optional and can be nil.
func (c *Client) Delete(ctx context.Context, url string, body any, opts ...RequestOption) (*Response, error) {
	return c.mutate(ctx, http.MethodDelete, url, body, opts)
}

// InvalidateCache removes all keys containing the pattern, an empty pattern clears the cache.
func (c *Client) InvalidateCache(pattern string) int {
	return c.cache.Invalidate(pattern)
}

func (c *Client) ClearCache() {
	c.cache.Invalidate("")
}

func (c *Client) CacheStats() ttlcache.Stats {
	return c.cache.Stats()
}

func (c *Client) fetch(ctx context.Context, key, url string, rc requestConfig) (*Response, error) {
	res, err := c.send(ctx, http.MethodGet, url, nil, rc)
	if err != nil {
		return nil, err
	}

	ttl, store := c.responseTTL(ctx, res, rc)
	switch {
	case !store:
		c.logger.Debugf(ctx, `response is not cached, no-store directive`)
	case ttl > 0:
		c.cache.Set(key, res, ttlcache.WithTTL(ttl))
	default:
		c.cache.Set(key, res)
	}
	return res, nil
}

// responseTTL returns TTL of the response, zero means the default TTL of the cache.
// The second value is false if the response must not be stored.
func (c *Client) responseTTL(ctx context.Context, res *Response, rc requestConfig) (time.Duration, bool) {
	if rc.ttl > 0 {
		return rc.ttl, true
	}

	if c.cacheControl {
		if value := res.Header.Get("Cache-Control"); value != "" {
			directives, err := cacheobject.ParseResponseCacheControl(value)
			switch {
			case err != nil:
				c.logger.Warnf(ctx, `cannot parse Cache-Control header "%s": %s`, value, err)
			case directives.NoStore:
				return 0, false
			case directives.MaxAge > 0:
				return min(MaxCacheControlTTL, time.Second*time.Duration(directives.MaxAge)), true
			}
		}
	}

	return c.defaultTTL, true
}

func (c *Client) mutate(ctx context.Context, method, url string, body any, opts []RequestOption) (*Response, error) {
	rc := newRequestConfig(opts)
	res, err := c.send(ctx, method, url, body, rc)
	if err != nil {
		// The cache is untouched, the modification failed
		return nil, err
	}

	resourceType := ResourceType(url, c.apiPrefix)
	ctx = ctxattr.ContextWith(ctx, attribute.String("resource.type", resourceType))
	removed := c.cache.Invalidate(resourceType)
	c.logger.Debugf(ctx, `invalidated "%d" cached responses of the resource type "%s"`, removed, resourceType)

	return c.result(res, rc)
}

func (c *Client) send(ctx context.Context, method, url string, body any, rc requestConfig) (*Response, error) {
	req := c.resty.R().SetContext(ctx)

	token, err := c.credentials.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot get credentials")
	}
	if token != "" {
		req.SetAuthToken(token)
	}

	if len(rc.params) > 0 {
		req.SetQueryParamsFromValues(queryValues(rc.params))
	}
	if len(rc.headers) > 0 {
		req.SetHeaders(rc.headers)
	}
	if body != nil {
		req.SetBody(body)
	}

	restyRes, err := req.Execute(method, url)
	if err != nil {
		c.logger.Warnf(ctx, `%s %s | request failed: %s`, method, url, err)
		return nil, errors.Wrapf(err, `%s %s`, method, url)
	}

	res := &Response{
		StatusCode: restyRes.StatusCode(),
		Header:     restyRes.Header().Clone(),
		Body:       restyRes.Body(),
	}

	if !restyRes.IsSuccess() {
		return nil, &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: res.StatusCode,
			Body:       res.String(),
		}
	}

	return res, nil
}

func (c *Client) result(res *Response, rc requestConfig) (*Response, error) {
	if rc.result != nil {
		if err := res.Decode(rc.result); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (c *Client) createRestyClient(baseURL string) *resty.Client {
	var r *resty.Client
	if c.httpClient != nil {
		r = resty.NewWithClient(c.httpClient)
	} else {
		r = resty.New()
	}

	r.SetBaseURL(baseURL)
	r.SetLogger(&restyLogger{logger: c.logger})
	r.SetHeader("User-Agent", c.userAgent)
	r.SetTimeout(c.timeout)
	r.SetJSONMarshaler(func(v any) ([]byte, error) {
		return json.Encode(v, false)
	})
	r.SetJSONUnmarshaler(json.Decode)

	// Log each request when done
	r.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		msg := responseToLog(res)
		if res.IsSuccess() {
			c.logger.Debug(res.Request.Context(), msg)
		} else {
			c.logger.Warn(res.Request.Context(), msg)
		}
		return nil
	})

	return r
}

