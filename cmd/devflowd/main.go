// Package main implements devflowd, the pipeline orchestration daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devflow/internal/config"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/store"
	"github.com/fyrsmithlabs/devflow/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	configPath string
	storePath  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "devflowd",
		Short: "Pipeline orchestration daemon",
		Long: `devflowd sequences plan, code, review, test, debug and publish stages,
suspends runs at human approval gates, and records every transition in an
append-only audit log.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/devflow/config.yaml)")
	root.PersistentFlags().StringVar(&opts.storePath, "store", "", "override store.path")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSweepCmd(opts))
	root.AddCommand(newReplayCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "devflowd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.storePath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = opts.storePath
	}
	return cfg, nil
}

// initLogger builds the daemon logger, bridged to OpenTelemetry when
// telemetry provides a log provider.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	return logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
}

// openStore opens the configured run store.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.OpenSQLite(cfg.Store.Path)
	}
}
