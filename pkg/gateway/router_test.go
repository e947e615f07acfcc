package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterMatchesExactPath(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(&Route{Method: "GET", Path: "/widgets", Service: "catalog", Endpoint: "list"}))

	route, params, ok := r.Match("GET", "/widgets")
	require.True(t, ok)
	assert.Nil(t, params)
	assert.Equal(t, "catalog", route.Service)
}

func TestRouterExactPathWrongMethodMisses(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(&Route{Method: "GET", Path: "/widgets", Service: "catalog", Endpoint: "list"}))

	_, _, ok := r.Match("POST", "/widgets")
	assert.False(t, ok)
}

func TestRouterAnyMethodMatchesEverything(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(&Route{Method: "ANY", Path: "/ping", Service: "health", Endpoint: "ping"}))

	_, _, ok := r.Match("POST", "/ping")
	assert.True(t, ok)
	_, _, ok = r.Match("GET", "/ping")
	assert.True(t, ok)
}

func TestRouterExtractsMultiplePathParams(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(&Route{Method: "GET", Path: "/a/:x/b/:y", Service: "svc", Endpoint: "get"}))

	route, params, ok := r.Match("GET", "/a/1/b/2")
	require.True(t, ok)
	assert.Equal(t, "svc", route.Service)
	assert.Equal(t, map[string]string{"x": "1", "y": "2"}, params)
}

func TestRouterPatternDoesNotMatchExtraSegments(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(&Route{Method: "GET", Path: "/widgets/:id", Service: "catalog", Endpoint: "show"}))

	_, _, ok := r.Match("GET", "/widgets/1/extra")
	assert.False(t, ok)
}

func TestRouterExactTakesPrecedenceOverPattern(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(&Route{Method: "GET", Path: "/widgets/:id", Service: "catalog", Endpoint: "show"}))
	require.NoError(t, r.Register(&Route{Method: "GET", Path: "/widgets/new", Service: "catalog", Endpoint: "new_form"}))

	route, params, ok := r.Match("GET", "/widgets/new")
	require.True(t, ok)
	assert.Equal(t, "new_form", route.Endpoint)
	assert.Nil(t, params)
}

func TestRouterUnmatchedPathReturnsFalse(t *testing.T) {
	r := NewRouter()
	_, _, ok := r.Match("GET", "/nowhere")
	assert.False(t, ok)
}

func TestRESTShorthandExpandsActions(t *testing.T) {
	method, path, ok := RESTShorthand("show", "/widgets")
	require.True(t, ok)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/widgets/:id", path)

	_, _, ok = RESTShorthand("nonsense", "/widgets")
	assert.False(t, ok)
}
