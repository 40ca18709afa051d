package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devflow/internal/bus"
	"github.com/fyrsmithlabs/devflow/internal/engine"
	"github.com/fyrsmithlabs/devflow/internal/logging"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/stage"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

func newSweepCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fire every gate whose deadline has passed, then exit",
		Long: `Fire every pending gate whose deadline has passed and apply its timeout
policy. Runs that resume are handed to the advance workers over NATS when
the bus is enabled; otherwise the daemon picks them up on its next start.

Examples:
  # Sweep using the configured store
  devflowd sweep

  # Sweep as if it were a given time
  devflowd sweep --at 2026-03-02T09:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log, err := initLogger(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			var dispatch engine.Dispatcher = noopDispatcher{}
			if cfg.NATS.Enabled && !cfg.NATS.Embedded {
				nc, err := bus.Connect(cfg.NATS.URL, "devflowd-sweep", log.Underlying())
				if err != nil {
					return err
				}
				defer nc.Close()
				dispatch = bus.NewDispatcher(nc, cfg.NATS.Prefix)
			}

			n, err := sweepOnce(cmd.Context(), st, dispatch, log, now, cfg.Policy, cfg.Flow())
			fmt.Fprintf(cmd.OutOrStdout(), "fired %d gate(s)\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "sweep as of this RFC3339 time instead of now")
	return cmd
}

// sweepOnce fires expired gates against st and hands resumed runs to
// dispatch.
func sweepOnce(ctx context.Context, st store.Store, dispatch engine.Dispatcher, log *logging.Logger, now time.Time, policy pipeline.Policy, flow pipeline.Flow) (int, error) {
	eng, err := engine.New(st, stage.NewRegistry(),
		engine.WithLogger(log.Named("sweep")),
		engine.WithPolicy(policy),
		engine.WithDefaultFlow(flow),
	)
	if err != nil {
		return 0, err
	}
	eng.SetDispatcher(dispatch)
	return eng.SweepExpired(ctx, now)
}

// noopDispatcher leaves resumed runs for the daemon's startup re-dispatch.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, string) error { return nil }
