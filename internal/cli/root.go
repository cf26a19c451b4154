// Package cli implements keyvoxctl, a terminal client for a running Keyvox
// engine.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keyvoxdesk/internal/bootstrap"
)

const closeTimeout = 5 * time.Second

type rootOptions struct {
	configPath  string
	metricsAddr string
	spawn       bool
	verbose     bool
}

// NewRootCommand returns the keyvoxctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "keyvoxctl",
		Short: "Inspect and control a Keyvox dictation engine",
		Long: `keyvoxctl attaches to a Keyvox engine on the loopback interface, reusing the
port the desktop app last bound. It never launches an engine unless --spawn
is given, in which case the engine is stopped again on exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Configuration file (toml, yaml or json)")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	root.PersistentFlags().BoolVar(&opts.spawn, "spawn", false, "Launch the engine when none is reachable")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(
		newStatusCommand(opts),
		newWatchCommand(opts),
		newSendCommand(opts),
		newDictCommand(opts),
		newDownloadCommand(opts),
		newValidateCommand(opts),
		newPreviewCommand(opts),
		newHistoryCommand(opts),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// openSession builds the service graph and connects to the engine. The
// returned close function releases everything openSession acquired.
func openSession(ctx context.Context, opts *rootOptions) (*bootstrap.Services, func(), error) {
	buildOpts := bootstrap.Options{ConfigPath: opts.configPath, NoCache: true}
	if !opts.verbose {
		buildOpts.Logger = zap.NewNop()
	}
	services, err := bootstrap.Build(buildOpts)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := services.Close(closeCtx); err != nil {
			services.Logger.Warn("close incomplete", zap.Error(err))
		}
	}

	if opts.metricsAddr != "" {
		if err := services.ServeMetrics(opts.metricsAddr); err != nil {
			closeFn()
			return nil, nil, err
		}
	}

	if opts.spawn {
		err = services.Start(ctx)
	} else {
		services.RunStore(ctx)
		_, err = services.Attach(ctx)
	}
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("engine unavailable: %w", err)
	}
	return services, closeFn, nil
}
