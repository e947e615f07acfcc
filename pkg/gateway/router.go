package gateway

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	svcerrors "github.com/cuemby/svcmesh/pkg/errors"
)

// patternSegment matches a single ":name" path segment.
var patternSegment = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

type compiledRoute struct {
	route *Route
	re    *regexp.Regexp
	names []string
}

// Router registers routes keyed by (method, exact-path) for O(1) lookup,
// falling back to a linear scan of compiled ":param" pattern routes (§4.10).
type Router struct {
	mu       sync.RWMutex
	exact    map[string]map[string]*Route // path -> method -> route ("ANY" is a method key too)
	patterns []*compiledRoute
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{exact: make(map[string]map[string]*Route)}
}

// Register adds route to the router, compiling its path into an exact
// lookup or a ":param" pattern depending on whether Path contains a
// parameter segment.
func (r *Router) Register(route *Route) error {
	method := strings.ToUpper(route.Method)
	if method == "" {
		method = "ANY"
	}
	route.Method = method

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.Contains(route.Path, ":") {
		byMethod, ok := r.exact[route.Path]
		if !ok {
			byMethod = make(map[string]*Route)
			r.exact[route.Path] = byMethod
		}
		byMethod[method] = route
		return nil
	}

	names := make([]string, 0, 2)
	pattern := regexp.QuoteMeta(route.Path)
	// QuoteMeta escaped the ':' markers too; undo just that so
	// patternSegment can still find them, then rebuild with capture groups.
	pattern = strings.ReplaceAll(pattern, `\:`, ":")
	pattern = patternSegment.ReplaceAllStringFunc(pattern, func(seg string) string {
		name := seg[1:]
		names = append(names, name)
		return fmt.Sprintf("(?P<%s>[^/]+)", name)
	})
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return svcerrors.Wrap(svcerrors.Internal, err, "compiling route pattern "+route.Path)
	}
	r.patterns = append(r.patterns, &compiledRoute{route: route, re: re, names: names})
	return nil
}

// Match finds the route whose method and path match, returning the
// extracted path parameters as a map keyed by parameter name; the map
// carries no ordering of the parameters. Exact-path routes are tried
// before pattern routes.
func (r *Router) Match(method, path string) (*Route, map[string]string, bool) {
	method = strings.ToUpper(method)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if byMethod, ok := r.exact[path]; ok {
		if route, ok := byMethod[method]; ok {
			return route, nil, true
		}
		if route, ok := byMethod["ANY"]; ok {
			return route, nil, true
		}
	}

	for _, cr := range r.patterns {
		if cr.route.Method != "ANY" && cr.route.Method != method {
			continue
		}
		m := cr.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(cr.names))
		for _, name := range cr.names {
			idx := cr.re.SubexpIndex(name)
			if idx >= 0 && idx < len(m) {
				params[name] = m[idx]
			}
		}
		return cr.route, params, true
	}
	return nil, nil, false
}
