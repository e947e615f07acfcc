// Command gateway runs the HTTP↔RPC bridge of pkg/gateway as a standalone
// binary: it registers a handful of routes against statically configured
// backend addresses, including an aggregate route, demonstrating scenarios
// S5 (parallel fan-out with partial-failure tolerance) and S6 (cached
// response) end to end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/svcmesh/pkg/client"
	"github.com/cuemby/svcmesh/pkg/codec"
	"github.com/cuemby/svcmesh/pkg/gateway"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/selector"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "gateway is the example HTTP↔RPC bridge built on the svcmesh toolkit",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("address", "127.0.0.1:8080", "address to listen on")
	serveCmd.Flags().String("catalog-address", "", "backend address for the catalog service (enables /widgets and /checkout)")
	serveCmd.Flags().String("orders-address", "", "backend address for the orders service (enables /checkout)")
	serveCmd.Flags().Duration("cache-ttl", 30*time.Second, "TTL for cached GET responses")
	serveCmd.Flags().Int("rate-limit", 0, "requests per window per client IP (0 disables rate limiting)")
	serveCmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	svclog.Init(svclog.Config{Level: svclog.Level(level), JSONOutput: jsonOutput})
}

// proxyFor wires a Proxy for service at address. Each backend gets its own
// single-node registry: discovery is static here, but the client still goes
// through the same Registry/Selector path it would against a real registry
// driver.
func proxyFor(service, address string) *gateway.Proxy {
	reg := registry.NewMemory()
	_ = reg.Register(&types.Service{
		Name: service, Version: "v1",
		Nodes: []*types.Node{{ID: service + "-node", Address: address}},
	})
	c := client.New(client.Options{
		Transport:      transport.NewReqRep(),
		Registry:       reg,
		Selector:       selector.NewRoundRobin(),
		Codecs:         codec.NewSelector(),
		Retry:          client.RetryPolicy{MaxAttempts: 2},
		DisableBreaker: true,
	})
	return gateway.NewProxy(service, c, gateway.ProxyOptions{})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		catalogAddr, _ := cmd.Flags().GetString("catalog-address")
		ordersAddr, _ := cmd.Flags().GetString("orders-address")
		cacheTTL, _ := cmd.Flags().GetDuration("cache-ttl")
		rateLimit, _ := cmd.Flags().GetInt("rate-limit")
		rateWindow, _ := cmd.Flags().GetDuration("rate-window")

		router := gateway.NewRouter()
		proxies := make(map[string]*gateway.Proxy)
		cache := gateway.NewResponseCache(time.Minute)

		if catalogAddr != "" {
			proxies["catalog"] = proxyFor("catalog", catalogAddr)
			if err := router.Register(&gateway.Route{
				Method: "GET", Path: "/widgets/:id", Service: "catalog", Endpoint: "show",
				Cache: &gateway.CacheConfig{TTL: cacheTTL},
			}); err != nil {
				return err
			}
			if err := router.Register(&gateway.Route{
				Method: "GET", Path: "/widgets", Service: "catalog", Endpoint: "list",
				Cache: &gateway.CacheConfig{TTL: cacheTTL},
			}); err != nil {
				return err
			}
		}
		if ordersAddr != "" {
			proxies["orders"] = proxyFor("orders", ordersAddr)
			if err := router.Register(&gateway.Route{Method: "GET", Path: "/orders", Service: "orders", Endpoint: "list"}); err != nil {
				return err
			}
		}
		if catalogAddr != "" && ordersAddr != "" {
			if err := router.Register(&gateway.Route{
				Method: "POST", Path: "/checkout",
				Aggregate: &gateway.AggregateOptions{
					Tasks: map[string]gateway.AggregateTask{
						"catalog": {Service: "catalog", Endpoint: "get"},
						"orders":  {Service: "orders", Endpoint: "list"},
					},
					OnPartialFailure: gateway.Tolerate,
				},
			}); err != nil {
				return err
			}
		}

		var rl *gateway.RateLimiter
		if rateLimit > 0 {
			rl = gateway.NewRateLimiter(gateway.RateLimitOptions{Key: gateway.KeyIP, Limit: rateLimit, Window: rateWindow})
		}

		reg := registry.NewMemory()
		for name := range proxies {
			_ = reg.Register(&types.Service{Name: name, Version: "v1"})
		}

		handler := gateway.NewHandler(router, proxies, reg, cache, gateway.HandlerOptions{
			EnableBuiltins: true,
			RateLimiter:    rl,
		})

		srv := &http.Server{Addr: address, Handler: handler}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		fmt.Printf("gateway listening on %s\n", address)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nshutting down...")
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "\nserver error: %v\n", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}
