package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/meshrelay/pkg/config"
	"github.com/ZentaChain/meshrelay/pkg/graph"
	"github.com/ZentaChain/meshrelay/pkg/log"
	"github.com/ZentaChain/meshrelay/pkg/network"
	"github.com/ZentaChain/meshrelay/pkg/protocol"
	"github.com/ZentaChain/meshrelay/pkg/trust"
)

type options struct {
	configFile string
	from       string
	action     string
	verbose    bool
}

type env struct {
	cfg     *config.Config
	backend *log.Backend
	graph   *graph.Graph
	client  *network.Client
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "meshctl",
		Short: "Send requests through the relay mesh",
		Long: `meshctl originates requests into the relay mesh. Routes are either given
explicitly or computed from the configured topology, and every reply is
printed as JSON.`,
		Example: `  # Echo through an explicit route
  meshctl send --route A,B,C "hello"

  # Chat to C along the shortest path from A
  meshctl send --to C --action chat "hi there"

  # Reach every node connected to A
  meshctl broadcast "ping"

  # Show the route A would use to reach D
  meshctl route D`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "f", "meshctl.toml",
		"path to the configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&opts.from, "from", "",
		"node routes are computed from (defaults to the configured node)")
	cmd.PersistentFlags().StringVarP(&opts.action, "action", "a", protocol.ActionEcho,
		"application action, echo or chat")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newSendCommand(&opts))
	cmd.AddCommand(newBroadcastCommand(&opts))
	cmd.AddCommand(newRouteCommand(&opts))
	cmd.AddCommand(newWaitCommand(&opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *options) setup() (*env, error) {
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", o.configFile, err)
	}

	backend := log.NewDiscard()
	if o.verbose {
		if backend, err = log.New("", cfg.Logging.Level, false); err != nil {
			return nil, err
		}
	}

	verifier := trust.NewClient(cfg.Authority.Address)
	verifier.Timeout = time.Duration(cfg.Authority.Timeout) * time.Millisecond
	client := network.NewClient(cfg.StaticDirectory(), verifier, backend)
	client.Timeout = time.Duration(cfg.Client.Timeout) * time.Millisecond
	if cfg.Node != nil {
		client.MaxPacketSize = cfg.Node.MaxPacketSize
	}

	if o.from == "" && cfg.Node != nil {
		o.from = cfg.Node.Name
	}
	return &env{cfg: cfg, backend: backend, graph: cfg.Graph(), client: client}, nil
}

func (o *options) origin() (string, error) {
	if o.from == "" {
		return "", errors.New("no origin node, set --from or a Node section")
	}
	return o.from, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSendCommand(opts *options) *cobra.Command {
	var (
		to    string
		route []string
	)
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send one request along a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.backend.Close()

			if len(route) == 0 {
				if to == "" {
					return errors.New("either --to or --route is required")
				}
				from, err := opts.origin()
				if err != nil {
					return err
				}
				if route = e.graph.FindRoute(from, to, nil); route == nil {
					return fmt.Errorf("no route from %v to %v", from, to)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()
			res := e.client.Send(ctx, route, &protocol.AppRequest{Action: opts.action, Message: args[0]})
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed() {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&to, "to", "t", "", "destination node, routed over the topology")
	cmd.Flags().StringSliceVarP(&route, "route", "r", nil, "explicit comma separated route, entry node first")
	return cmd
}

func newBroadcastCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast MESSAGE",
		Short: "Send a request to every reachable node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.backend.Close()
			from, err := opts.origin()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			b := network.NewBroadcaster(e.graph, e.client, e.backend)
			summary := b.Broadcast(ctx, from, &protocol.AppRequest{Action: opts.action, Message: args[0]})
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newRouteCommand(opts *options) *cobra.Command {
	var exclude []string
	cmd := &cobra.Command{
		Use:   "route NODE",
		Short: "Print the shortest route to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.backend.Close()
			from, err := opts.origin()
			if err != nil {
				return err
			}

			excluded := make(map[string]bool, len(exclude))
			for _, n := range exclude {
				excluded[n] = true
			}
			route := e.graph.FindRoute(from, args[0], excluded)
			if route == nil {
				return fmt.Errorf("no route from %v to %v", from, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(route, " -> "))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "x", nil, "nodes the route must avoid")
	return cmd
}

func newWaitCommand(opts *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait NODE...",
		Short: "Wait until nodes accept connections",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.backend.Close()

			ctx, cancel := signalContext()
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
			defer cancelTimeout()

			dir := e.cfg.StaticDirectory()
			for _, node := range args {
				if err := network.WaitForNode(ctx, dir, node); err != nil {
					return fmt.Errorf("%v: %w", node, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is up\n", node)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait in total")
	return cmd
}
