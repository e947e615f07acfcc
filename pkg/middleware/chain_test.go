package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/svcmesh/pkg/types"
)

func newTestContext() *Context {
	req := &types.Request{Headers: make(types.Header)}
	return NewContext(context.Background(), "billing", "charge", req)
}

func recording(name string, priority int, order *[]string) Entry {
	return Entry{Name: name, Priority: priority, Handler: func(ctx *Context, next Next) error {
		*order = append(*order, name)
		return next(ctx)
	}}
}

func TestExecutionOrderIsDescendingPriorityThenInsertion(t *testing.T) {
	c := NewChain()
	var order []string
	c.Use(recording("low", 1, &order))
	c.Use(recording("high", 10, &order))
	c.Use(recording("tie-a", 5, &order))
	c.Use(recording("tie-b", 5, &order))

	err := c.Run(newTestContext(), func(*Context, Next) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "tie-a", "tie-b", "low"}, order)
}

func TestSkipRemovesExactlyThatEntry(t *testing.T) {
	c := NewChain()
	var order []string
	c.Use(recording("a", 10, &order))
	c.Use(recording("b", 5, &order))
	c.Skip("a")

	err := c.Run(newTestContext(), func(*Context, Next) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, order)
}

func TestRequireErrorsWhenEntryAbsent(t *testing.T) {
	c := NewChain()
	c.Require("auth")

	err := c.Run(newTestContext(), func(*Context, Next) error { return nil })
	assert.Error(t, err)
}

func TestRequireIsNoOpWhenPresent(t *testing.T) {
	c := NewChain()
	var order []string
	c.Use(recording("auth", 1, &order))
	c.Require("auth")

	err := c.Run(newTestContext(), func(*Context, Next) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, order)
}

func TestAllowAnonymousSuppressesGuards(t *testing.T) {
	c := NewChain()
	var order []string
	c.Use(recording("guard:role:admin", 100, &order))
	c.Use(recording("logging", 1, &order))
	c.AllowAnonymous(true)

	err := c.Run(newTestContext(), func(*Context, Next) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"logging"}, order)
}

func TestHandlerCanShortCircuitByNotCallingNext(t *testing.T) {
	c := NewChain()
	var reached bool
	c.Use(Entry{Name: "gate", Priority: 10, Handler: func(ctx *Context, next Next) error {
		return nil // never calls next
	}})
	c.Use(Entry{Name: "inner", Priority: 1, Handler: func(ctx *Context, next Next) error {
		reached = true
		return next(ctx)
	}})

	err := c.Run(newTestContext(), func(*Context, Next) error { reached = true; return nil })
	require.NoError(t, err)
	assert.False(t, reached)
}
