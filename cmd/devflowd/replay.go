package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/devflow/internal/audit"
	"github.com/fyrsmithlabs/devflow/internal/pipeline"
	"github.com/fyrsmithlabs/devflow/internal/store"
)

func newReplayCmd(opts *options) *cobra.Command {
	var (
		all    bool
		export string
	)
	cmd := &cobra.Command{
		Use:   "replay [run-id]",
		Short: "Verify that a run's audit log reproduces its stored state",
		Long: `Fold a run's audit log from scratch and compare the result with the
stored projection. Sequence gaps and any difference are reported as errors.

Examples:
  # Verify one run
  devflowd replay 6f1c2a9e-0d7b-4a57-9f55-1f2f0b3c9d10

  # Verify every run and export the full log as JSONL
  devflowd replay --all --export audit.jsonl`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass a run id or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("a run id is required unless --all is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return replay(cmd.Context(), st, runID, export, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every run")
	cmd.Flags().StringVar(&export, "export", "", "also write the verified entries to this JSONL file")
	return cmd
}

// replay verifies runID, or every run when runID is empty, printing one
// line per run. It keeps going after a failed run and returns all failures.
func replay(ctx context.Context, st store.Store, runID, export string, out io.Writer) error {
	entries, err := st.Entries(ctx, store.Query{RunID: runID})
	if err != nil {
		return err
	}
	if runID != "" && len(entries) == 0 {
		return fmt.Errorf("run %s: %w", runID, pipeline.ErrUnknownRun)
	}

	var errs []error
	for id, log := range audit.ByRun(entries) {
		snap, err := st.Load(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
			continue
		}
		report, err := audit.Verify(log, snap.Projection)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", id, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s seq=%d status=%s gates=%d invocations=%d\n",
			report.RunID, report.LastSeq, report.Status, report.Gates, report.Records)
	}

	if export != "" {
		f, err := os.OpenFile(export, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := audit.WriteJSONL(f, entries); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
