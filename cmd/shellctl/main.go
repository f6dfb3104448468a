// Command shellctl inspects and drives a running shellstate daemon over its
// bridge.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shellstate/internal/bridge"
	"shellstate/internal/config"
)

const defaultAddr = "127.0.0.1:7725"

type options struct {
	addr    string
	timeout time.Duration
	verbose bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	addr := os.Getenv(config.EnvListen)
	if addr == "" {
		addr = defaultAddr
	}

	cmd := &cobra.Command{
		Use:          "shellctl",
		Short:        "Query and control the shellstate daemon",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", addr, "bridge address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log bridge traffic to stderr")

	cmd.AddCommand(
		newStateCommand(opts),
		newWatchCommand(opts),
		newCommandCommand(opts),
		newHealthCommand(opts),
	)
	return cmd
}

func (o *options) client() *bridge.Client {
	logger := zap.NewNop()
	if o.verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	return bridge.NewClient(o.addr, logger)
}

func stdoutPrinter() *printer {
	fd := os.Stdout.Fd()
	return &printer{
		out:    os.Stdout,
		pretty: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

func newStateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state [service]",
		Short: "Print the current snapshot of one or every service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			c := opts.client()
			if len(args) == 1 {
				data, err := c.ServiceState(ctx, args[0])
				if err != nil {
					return err
				}
				return stdoutPrinter().Print(data)
			}
			all, err := c.State(ctx)
			if err != nil {
				return err
			}
			return stdoutPrinter().Print(all)
		},
	}
}

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [service]",
		Short: "Stream snapshots until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) == 1 {
				service = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c := opts.client()
			connectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			err := c.Connect(connectCtx)
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			p := stdoutPrinter()
			sub := c.SubscribeSnapshots(service, func(service string, data json.RawMessage) {
				if err := p.Snapshot(service, data); err != nil {
					fmt.Fprintf(os.Stderr, "shellctl: %v\n", err)
				}
			})
			defer sub.Unsubscribe()

			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return bridge.ErrDisconnected
			}
		},
	}
}

func newCommandCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "command <service> <name> [key=value...]",
		Short: "Send a command to a service",
		Long: `Send a command to a service. Values are decoded as JSON when they
parse as JSON and passed as strings otherwise, so id=3 is a number and
name=scratch is a string.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseArgs(args[2:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			c := opts.client()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			return c.Command(ctx, args[0], args[1], cmdArgs)
		},
	}
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print daemon health and per-service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			health, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			return stdoutPrinter().Print(health)
		},
	}
}
