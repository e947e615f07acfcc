package middleware

import (
	"sort"
	"sync"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
)

// Deterministic guard priority offsets (§4.6), applied only to entries
// whose Name carries the "guard:" prefix when a Service composes its
// service-level and method-level chains into one for a dispatch. Entries
// run in descending-priority order (the terminal handler runs last), so
// service-level guards add ServiceGuardPriorityOffset to run earlier —
// farther from the handler — and method-level guards subtract the larger
// MethodGuardPriorityOffset to run nearest the handler regardless of
// what base priority either was registered with. Non-guard entries are
// left at their declared priority.
const (
	ServiceGuardPriorityOffset = 500
	MethodGuardPriorityOffset  = 1500
)

// Next invokes the remainder of the chain (and finally the terminal
// handler). A handler that never calls it short-circuits the chain.
type Next func(*Context) error

// Handler is one chain entry's logic. It may call next zero or one time.
type Handler func(ctx *Context, next Next) error

// Entry is one named, prioritized chain member.
type Entry struct {
	Name     string
	Priority int
	Handler  Handler
}

type seqEntry struct {
	Entry
	seq int
}

// Chain is a mutable, ordered set of middleware entries built once and run
// per dispatch.
type Chain struct {
	mu             sync.Mutex
	entries        []*seqEntry
	skipped        map[string]bool
	required       map[string]bool
	allowAnonymous bool
	seq            int
}

// NewChain returns an empty Chain.
func NewChain() *Chain {
	return &Chain{
		skipped:  make(map[string]bool),
		required: make(map[string]bool),
	}
}

// Use adds e to the chain, preserving insertion order for priority ties.
func (c *Chain) Use(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, &seqEntry{Entry: e, seq: c.seq})
	c.seq++
}

// UseNamed is a convenience wrapper over Use.
func (c *Chain) UseNamed(name string, priority int, h Handler) {
	c.Use(Entry{Name: name, Priority: priority, Handler: h})
}

// Skip marks a previously-added entry as bypassed; it stays registered but
// is excluded from execution.
func (c *Chain) Skip(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[name] = true
}

// Unskip reverses a prior Skip.
func (c *Chain) Unskip(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.skipped, name)
}

// Require marks name as mandatory: a no-op if it is present at execution
// time, an error if it is absent (e.g. removed, or never registered).
func (c *Chain) Require(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.required[name] = true
}

// AllowAnonymous suppresses every authorization guard entry (those whose
// Name has the "guard:" prefix) when v is true.
func (c *Chain) AllowAnonymous(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowAnonymous = v
}

// Entries returns the execution-order snapshot: stable sort by descending
// priority, ties broken by insertion order, skipped entries and (if
// allow_anonymous) guard entries removed.
func (c *Chain) Entries() ([]Entry, error) {
	c.mu.Lock()
	snapshot := make([]*seqEntry, len(c.entries))
	copy(snapshot, c.entries)
	skipped := make(map[string]bool, len(c.skipped))
	for k := range c.skipped {
		skipped[k] = true
	}
	required := make(map[string]bool, len(c.required))
	for k := range c.required {
		required[k] = true
	}
	anon := c.allowAnonymous
	c.mu.Unlock()

	present := make(map[string]bool, len(snapshot))
	out := make([]*seqEntry, 0, len(snapshot))
	for _, e := range snapshot {
		present[e.Name] = true
		if skipped[e.Name] {
			continue
		}
		if anon && isGuard(e.Name) {
			continue
		}
		out = append(out, e)
	}

	for name := range required {
		if !present[name] {
			return nil, svcerrors.New(svcerrors.Internal, "required middleware \""+name+"\" is not present")
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})

	entries := make([]Entry, len(out))
	for i, e := range out {
		entries[i] = e.Entry
	}
	return entries, nil
}

func isGuard(name string) bool {
	return len(name) > 6 && name[:6] == "guard:"
}

// IsGuard reports whether name belongs to a guard entry (one produced by
// RequireRole/RequirePermission/RequirePolicy), i.e. carries the "guard:"
// prefix AllowAnonymous and the service/method priority offsets key on.
func IsGuard(name string) bool { return isGuard(name) }

// Run executes the chain's built order against ctx, ending in terminal.
func (c *Chain) Run(ctx *Context, terminal Handler) error {
	entries, err := c.Entries()
	if err != nil {
		return err
	}
	return runFrom(entries, 0, ctx, terminal)
}

func runFrom(entries []Entry, i int, ctx *Context, terminal Handler) error {
	if i >= len(entries) {
		return terminal(ctx, func(*Context) error { return nil })
	}
	entry := entries[i]
	next := func(c2 *Context) error {
		return runFrom(entries, i+1, c2, terminal)
	}
	return entry.Handler(ctx, next)
}
