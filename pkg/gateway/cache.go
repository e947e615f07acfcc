package gateway

import (
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cuemby/svcmesh/pkg/types"
)

// ResponseCache is the in-memory TTL cache backing gateway response
// caching (§9 open question (c)): keyed by
// service:method:path:query:varyHeaders.
type ResponseCache struct {
	c *gocache.Cache
}

// NewResponseCache returns a ResponseCache purging expired entries every
// cleanupInterval.
func NewResponseCache(cleanupInterval time.Duration) *ResponseCache {
	return &ResponseCache{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Key builds the cache key for one request against a cached route.
func (rc *ResponseCache) Key(service, method, path, rawQuery string, varyHeaders []string, headers types.Header) string {
	var b strings.Builder
	b.WriteString(service)
	b.WriteByte(':')
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte(':')
	b.WriteString(normalizeQuery(rawQuery))
	for _, h := range varyHeaders {
		b.WriteByte(':')
		b.WriteString(h)
		b.WriteByte('=')
		b.WriteString(headers.Get(h))
	}
	return b.String()
}

func normalizeQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	return values.Encode()
}

// Get returns the cached body for key, if present and unexpired.
func (rc *ResponseCache) Get(key string) ([]byte, bool) {
	v, ok := rc.c.Get(key)
	if !ok {
		return nil, false
	}
	body, ok := v.([]byte)
	return body, ok
}

// Set stores body under key for ttl (0 uses the cache's default, which
// never expires: such an entry stays until it is overwritten).
func (rc *ResponseCache) Set(key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	rc.c.Set(key, body, ttl)
}
