package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/svcmesh/pkg/types"
)

func TestResponseCacheRoundTrip(t *testing.T) {
	c := NewResponseCache(time.Minute)
	key := c.Key("catalog", "GET", "/widgets/:id", "a=1", nil, types.Header{})

	_, hit := c.Get(key)
	assert.False(t, hit)

	c.Set(key, []byte(`{"id":"1"}`), time.Minute)
	body, hit := c.Get(key)
	assert.True(t, hit)
	assert.Equal(t, `{"id":"1"}`, string(body))
}

func TestResponseCacheKeyVariesByQueryAndHeaders(t *testing.T) {
	c := NewResponseCache(time.Minute)
	headers := types.Header{}
	headers.Set("X-Tenant", "acme")

	k1 := c.Key("catalog", "GET", "/widgets", "page=1", []string{"X-Tenant"}, headers)
	k2 := c.Key("catalog", "GET", "/widgets", "page=2", []string{"X-Tenant"}, headers)
	assert.NotEqual(t, k1, k2)

	headers2 := types.Header{}
	headers2.Set("X-Tenant", "other")
	k3 := c.Key("catalog", "GET", "/widgets", "page=1", []string{"X-Tenant"}, headers2)
	assert.NotEqual(t, k1, k3)
}

func TestResponseCacheKeyStableForEquivalentQuery(t *testing.T) {
	c := NewResponseCache(time.Minute)
	k1 := c.Key("catalog", "GET", "/widgets", "b=2&a=1", nil, types.Header{})
	k2 := c.Key("catalog", "GET", "/widgets", "a=1&b=2", nil, types.Header{})
	assert.Equal(t, k1, k2)
}
