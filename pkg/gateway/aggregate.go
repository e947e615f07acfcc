package gateway

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/svcmesh/pkg/types"
)

// RunAggregate fans out body to every task in opts.Tasks in parallel,
// collecting results keyed by task name (§4.10). A per-task failure is
// recorded under its key as {"error": message} and does not abort
// siblings, unless OnPartialFailure is Fail, in which case the first
// failure aborts the whole aggregate and is returned as err.
func RunAggregate(ctx context.Context, proxies map[string]*Proxy, opts AggregateOptions, body []byte, headers types.Header) (map[string]any, error) {
	policy := opts.OnPartialFailure
	if policy == "" {
		policy = Tolerate
	}

	var mu sync.Mutex
	result := make(map[string]any, len(opts.Tasks))
	g, gctx := errgroup.WithContext(ctx)

	for name, task := range opts.Tasks {
		name, task := name, task
		g.Go(func() error {
			proxy, ok := proxies[task.Service]
			if !ok {
				mu.Lock()
				result[name] = map[string]any{"error": "unknown service: " + task.Service}
				mu.Unlock()
				if policy == Fail {
					return fmt.Errorf("unknown service: %s", task.Service)
				}
				return nil
			}

			resp, err := proxy.Call(gctx, task.Endpoint, body, headers)
			if err == nil && resp != nil && resp.Status >= 400 {
				err = fmt.Errorf("upstream returned status %d", resp.Status)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result[name] = map[string]any{"error": err.Error()}
				if policy == Fail {
					return err
				}
				return nil
			}
			result[name] = resp.Body
			return nil
		})
	}

	if err := g.Wait(); err != nil && policy == Fail {
		return result, err
	}
	return result, nil
}
