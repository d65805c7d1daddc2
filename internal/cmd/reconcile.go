package cmd

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/evalfleet/pkg/runid"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile, merge and publish the shards of an existing run",
	Long: `Reconcile the shard set of a run that has already finished (or was
interrupted), then merge and publish it.

Unlike 'run', the results location may be an s3:// URL here, since nothing is
written by workers. The expected shard count defaults to the world size of
the manifest's plan.

Example:
  evalfleet reconcile --job fleet.yaml --run-id 20260118_0930
  evalfleet reconcile --job fleet.yaml --run-id 20260118_0930 --expected 6 --no-publish
  evalfleet reconcile --job fleet.yaml --run-id 20260118_0930 --json`,
	RunE: runReconcile,
}

var (
	reconcileJobPath   string
	reconcileRunID     string
	reconcileExpected  int
	reconcileNoPublish bool
	reconcileEvents    string
	reconcileJSON      bool
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().StringVarP(&reconcileJobPath, "job", "j", "", "Path to fleet manifest (required)")
	reconcileCmd.Flags().StringVar(&reconcileRunID, "run-id", "", "Run id to reconcile (required)")
	reconcileCmd.Flags().IntVar(&reconcileExpected, "expected", 0, "Expected shard count (default: plan world size)")
	reconcileCmd.Flags().BoolVar(&reconcileNoPublish, "no-publish", false, "Merge but do not publish")
	reconcileCmd.Flags().StringVarP(&reconcileEvents, "events", "o", "-", "JSONL event destination: stdout, - (discard) or a file path")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "Print the finalize report as JSON")
	_ = reconcileCmd.MarkFlagRequired("job")
	_ = reconcileCmd.MarkFlagRequired("run-id")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	started := time.Now()

	id, err := runid.Parse(reconcileRunID)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
	}
	m, err := loadManifest(reconcileJobPath)
	if err != nil {
		return err
	}

	expected := reconcileExpected
	if expected < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --expected", errNegativeExpected)
	}
	if expected == 0 {
		view, err := buildClusterView(m)
		if err != nil {
			return err
		}
		expected = view.Plan.WorldSize
	}

	writer, cleanup, err := createWriter(reconcileEvents, id.String(), "reconcile")
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	db := openLedger(ctx)
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	pipe, err := buildPipeline(ctx, m, db, writer, !reconcileNoPublish)
	if err != nil {
		return err
	}
	defer pipe.Close()

	report, ferr := pipe.finalizer.Finalize(ctx, id.String(), expected)
	writeSummary(ctx, writer, expected, m.Topology.TotalNodes, 0, report, started)

	if reconcileJSON && report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return exitError(exitFailure, "Failed to encode report", err)
		}
	}
	return finalizeExit(report, ferr)
}

var errNegativeExpected = errors.New("expected shard count must be >= 0")
