// Command greeter is a minimal runnable service demonstrating the toolkit's
// RPC round trip (scenario S1) and unknown-endpoint handling (scenario S2):
// a single "greet" endpoint served over the request/response transport,
// plus a client subcommand that calls it, or any other endpoint name.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/svcmesh/pkg/client"
	"github.com/cuemby/svcmesh/pkg/codec"
	svclog "github.com/cuemby/svcmesh/pkg/log"
	"github.com/cuemby/svcmesh/pkg/middleware"
	"github.com/cuemby/svcmesh/pkg/registry"
	"github.com/cuemby/svcmesh/pkg/registry/boltstore"
	"github.com/cuemby/svcmesh/pkg/runtime"
	"github.com/cuemby/svcmesh/pkg/selector"
	"github.com/cuemby/svcmesh/pkg/service"
	"github.com/cuemby/svcmesh/pkg/transport"
	"github.com/cuemby/svcmesh/pkg/types"
)

type greetRequest struct {
	Name string `json:"name"`
}

type greetResponse struct {
	Message string `json:"message"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "greeter",
	Short: "greeter is an example service built on the svcmesh toolkit",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("address", "127.0.0.1:8910", "address to listen on")
	serveCmd.Flags().String("data-dir", "", "bbolt data directory for the registry (in-memory if empty)")
	rootCmd.AddCommand(serveCmd)

	callCmd.Flags().String("address", "127.0.0.1:8910", "greeter service address")
	callCmd.Flags().String("endpoint", "greet", "endpoint to call")
	callCmd.Flags().String("name", "world", "name to greet")
	rootCmd.AddCommand(callCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	svclog.Init(svclog.Config{Level: svclog.Level(level), JSONOutput: jsonOutput})
}

// openRegistry returns a bbolt-backed registry rooted at dataDir, or an
// in-memory one if dataDir is empty.
func openRegistry(dataDir string) (registry.Registry, error) {
	if dataDir == "" {
		return registry.NewMemory(), nil
	}
	return boltstore.Open(dataDir)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the greeter service",
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		svc := service.New("greeter", "v1")
		svc.Types().Register("GreetRequest", greetRequest{})
		svc.Endpoint("greet", []string{"req"}, []string{"GreetRequest"}, "GreetResponse",
			func(ctx *middleware.Context, params []any) (any, error) {
				req := params[0].(greetRequest)
				name := req.Name
				if name == "" {
					name = "world"
				}
				return greetResponse{Message: "hello, " + name}, nil
			}, service.EndpointOptions{HTTPMethod: "POST", Description: "greet a name"})

		reg, err := openRegistry(dataDir)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}

		fmt.Printf("greeter listening on %s\n", address)
		fmt.Println("Press Ctrl+C to stop.")

		return runtime.Run(svc, runtime.Options{
			Transport: transport.NewReqRep(),
			Address:   address,
			Registry:  reg,
			Closers:   []io.Closer{reg},
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "call the greeter service once and print the response",
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetString("address")
		endpoint, _ := cmd.Flags().GetString("endpoint")
		name, _ := cmd.Flags().GetString("name")

		reg := registry.NewMemory()
		defer reg.Close()
		if err := reg.Register(&types.Service{
			Name:    "greeter",
			Version: "v1",
			Nodes:   []*types.Node{{ID: "cli", Address: address}},
		}); err != nil {
			return err
		}

		c := client.New(client.Options{
			Transport: transport.NewReqRep(),
			Registry:  reg,
			Selector:  selector.NewRoundRobin(),
			Codecs:    codec.NewSelector(),
			Retry:     client.RetryPolicy{MaxAttempts: 1},
		})
		defer c.Close()

		body, err := json.Marshal(greetRequest{Name: name})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := c.Call(ctx, "greeter", endpoint, body, client.CallOptions{})
		if err != nil {
			return fmt.Errorf("call failed: %w", err)
		}

		out, _ := json.MarshalIndent(resp.Body, "", "  ")
		fmt.Printf("status: %d\n%s\n", resp.Status, out)
		return nil
	},
}
