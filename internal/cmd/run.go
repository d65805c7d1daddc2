package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/internal/observability"
	"github.com/3leaps/evalfleet/pkg/fanout"
	"github.com/3leaps/evalfleet/pkg/finalize"
	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/ledger"
	"github.com/3leaps/evalfleet/pkg/manifest"
	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/publish"
	"github.com/3leaps/evalfleet/pkg/runid"
	"github.com/3leaps/evalfleet/pkg/shard"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fleet evaluation end to end",
	Long: `Run a distributed evaluation as defined in a fleet manifest.

The run:
  1. validates the manifest and plans the cluster
  2. mints a run id (YYYYMMDD_HHMM) unless --run-id is given
  3. preflights the results location and the publish destination
  4. starts one node agent per node (locally or through srun)
  5. waits for every node, then reconciles the shard set
  6. merges the shards and publishes the merged results

A partial shard set is merged with a warning. An empty shard set skips merge
and publish and exits non-zero.

Example:
  evalfleet run --job fleet.yaml
  evalfleet run --job fleet.yaml --no-publish --events run.jsonl
  evalfleet run --job fleet.yaml --dry-run`,
	RunE: runRun,
}

var (
	runJobPath       string
	runRunID         string
	runEvents        string
	runDryRun        bool
	runNoPublish     bool
	runPreflightMode string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to fleet manifest (required)")
	runCmd.Flags().StringVar(&runRunID, "run-id", "", "Use this run id instead of minting one")
	runCmd.Flags().StringVarP(&runEvents, "events", "o", "", "JSONL event destination: stdout, - (discard) or a file path")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate the manifest and show the plan without launching")
	runCmd.Flags().BoolVar(&runNoPublish, "no-publish", false, "Merge but do not publish")
	runCmd.Flags().StringVar(&runPreflightMode, "preflight", "", "Override preflight mode (plan-only|read-safe|write-probe)")
	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger
	started := time.Now()

	m, err := loadManifest(runJobPath)
	if err != nil {
		return err
	}
	view, err := buildClusterView(m)
	if err != nil {
		return err
	}
	if runDryRun {
		return printPlan(cmd.OutOrStdout(), m, view)
	}

	resultsDir, err := localResultsDir(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid results location", err)
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create results directory", err)
	}
	jobPath, err := filepath.Abs(runJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest path", err)
	}

	id := runid.Mint(started)
	if runRunID != "" {
		if id, err = runid.Parse(runRunID); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
		}
	}

	writer, cleanup, err := createWriter(runEvents, id.String(), "coordinator")
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	db := openLedger(ctx)
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	pipe, err := buildPipeline(ctx, m, db, writer, !runNoPublish)
	if err != nil {
		return err
	}
	defer pipe.Close()

	spec, err := preflightSpec(m, runPreflightMode)
	if err != nil {
		return err
	}
	if err := runPreflight(ctx, pipe, spec, writer); err != nil {
		return err
	}

	if db != nil {
		if _, err := ledger.StartRun(ctx, db, ledger.RunParams{
			RunID:           id.String(),
			Model:           m.Model.Name,
			Variant:         publish.SanitizeVariant(m.Publish.Variant),
			Manifest:        jobPath,
			ResultsLocation: m.Results.Location,
			WorldSize:       view.Plan.WorldSize,
			NodesTotal:      m.Topology.TotalNodes,
		}); err != nil {
			log.Warn("ledger: start run failed", zap.Error(err))
		}
	}

	log.Info("Starting fleet run",
		zap.String("run_id", id.String()),
		zap.String("model", m.Model.Name),
		zap.Int("nodes", m.Topology.TotalNodes),
		zap.Int("world_size", view.Plan.WorldSize),
		zap.String("launcher", m.Launcher.Type))

	launcher, err := buildLauncher(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid launcher", err)
	}
	cluster := fanout.RunCluster(ctx, launcher, fanout.LaunchRequest{
		RunID:    id.String(),
		Nodes:    m.Topology.TotalNodes,
		NodeArgs: nodeAgentArgs(jobPath, id),
		Env:      []string{id.Environ()},
	}, fanout.ClusterOptions{Logger: log, Events: writer})

	bg := context.WithoutCancel(ctx)
	if cluster.Err != nil {
		if db != nil {
			_ = ledger.FinishRun(bg, db, id.String(), ledger.Completion{Status: ledger.RunStatusFailed})
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to launch node agents", cluster.Err)
	}
	if db != nil {
		if err := ledger.RecordNodes(bg, db, id.String(), m.Topology.TotalNodes, cluster.Failed); err != nil {
			log.Warn("ledger: record nodes failed", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		if db != nil {
			_ = ledger.FinishRun(bg, db, id.String(), ledger.Completion{Status: ledger.RunStatusFailed})
		}
		return exitError(foundry.ExitSignalInt, "Run cancelled", ctx.Err())
	}

	report, ferr := pipe.finalizer.Finalize(ctx, id.String(), view.Plan.WorldSize)
	writeSummary(ctx, writer, view.Plan.WorldSize, m.Topology.TotalNodes, cluster.Failed, report, started)
	return finalizeExit(report, ferr)
}

func buildLauncher(m *manifest.Manifest) (fanout.Launcher, error) {
	ex := jobregistry.NewExecutor(appConfig.Registry.Root)
	switch m.Launcher.Type {
	case manifest.LauncherSlurm:
		return &fanout.SlurmLauncher{
			Executor:  ex,
			Srun:      m.Launcher.Srun,
			ExtraArgs: m.Launcher.ExtraArgs,
			Logger:    observability.CLILogger,
		}, nil
	case "", manifest.LauncherLocal:
		return &fanout.LocalLauncher{Executor: ex, Logger: observability.CLILogger}, nil
	}
	return nil, errors.New("unknown launcher type " + strconv.Quote(m.Launcher.Type))
}

// nodeAgentArgs returns the argv of the node agent for each node index.
// Logging flags given to the coordinator are passed down.
func nodeAgentArgs(jobPath string, id runid.ID) func(int) []string {
	return func(node int) []string {
		args := []string{"node", "--job", jobPath, "--run-id", id.String(), "--node-index", strconv.Itoa(node)}
		if verbose {
			args = append(args, "--verbose")
		}
		if logLevel != "" {
			args = append(args, "--log-level", logLevel)
		}
		if logFormat != "" {
			args = append(args, "--log-format", logFormat)
		}
		return args
	}
}

func writeSummary(ctx context.Context, w output.Writer, worldSize, nodes, failedNodes int, report *finalize.Report, started time.Time) {
	d := time.Since(started)
	sum := &output.SummaryRecord{
		WorldSize:     worldSize,
		NodesTotal:    nodes,
		NodesFailed:   failedNodes,
		Duration:      d,
		DurationHuman: d.Round(time.Second).String(),
	}
	if report != nil {
		sum.Outcome = string(report.Reconciliation.Outcome)
		if report.Publish != nil {
			sum.Published = len(report.Publish.Uploaded)
		}
	}
	if err := w.WriteSummary(context.WithoutCancel(ctx), sum); err != nil {
		observability.CLILogger.Warn("Failed to write summary record", zap.Error(err))
	}
}

// finalizeExit maps a finalize outcome to the command's result.
func finalizeExit(report *finalize.Report, err error) error {
	log := observability.CLILogger
	if report != nil {
		for _, w := range report.Warnings {
			log.Warn(w, zap.String("run_id", report.RunID))
		}
	}
	switch {
	case err == nil:
		fields := []zap.Field{
			zap.String("run_id", report.RunID),
			zap.String("status", string(report.Status)),
			zap.Int("observed", report.Reconciliation.ObservedCount()),
			zap.Int("expected", report.Reconciliation.Expected),
		}
		if report.Publish != nil {
			fields = append(fields,
				zap.String("target", report.Publish.TargetDir),
				zap.Int("uploaded", len(report.Publish.Uploaded)),
				zap.Int("skipped", len(report.Publish.Skipped)))
		}
		log.Info("Run finalized", fields...)
		return nil
	case errors.Is(err, shard.ErrEmptyShardSet):
		return exitError(exitFailure, "No shards were produced; merge and publish skipped", err)
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Finalize cancelled", err)
	case report != nil && report.Merge != nil:
		return exitError(foundry.ExitExternalServiceUnavailable, "Publish failed", err)
	default:
		return exitError(exitFailure, "Finalize failed", err)
	}
}
