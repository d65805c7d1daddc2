package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/internal/observability"
	"github.com/3leaps/evalfleet/pkg/fanout"
	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/manifest"
	"github.com/3leaps/evalfleet/pkg/runid"
	"github.com/3leaps/evalfleet/pkg/supervisor"
	"github.com/3leaps/evalfleet/pkg/topology"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the instances of one node (invoked by the launcher)",
	Long: `Run every inference server and evaluation worker assigned to one node,
wait for all of them, and exit non-zero if any instance failed.

'evalfleet run' starts one node agent per node; the agent is rarely run by
hand. The run id comes from --run-id or EVALFLEET_RUN_ID; the node index from
--node-index or SLURM_NODEID.

Example:
  evalfleet node --job fleet.yaml --run-id 20260118_0930 --node-index 1`,
	RunE: runNode,
}

var (
	nodeJobPath        string
	nodeRunID          string
	nodeIndex          int
	nodeVisibleDevices string
	nodeEvents         string
	nodeServe          bool
)

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&nodeJobPath, "job", "j", "", "Path to fleet manifest (required)")
	nodeCmd.Flags().StringVar(&nodeRunID, "run-id", "", "Run id (default $"+runid.EnvVar+")")
	nodeCmd.Flags().IntVar(&nodeIndex, "node-index", -1, "Node index (default $SLURM_NODEID)")
	nodeCmd.Flags().StringVar(&nodeVisibleDevices, "visible-devices", "", "Physical GPU ids for this node (default $CUDA_VISIBLE_DEVICES, then manifest)")
	nodeCmd.Flags().StringVar(&nodeEvents, "events", "", "JSONL event destination: stdout, - (discard) or a file path")
	nodeCmd.Flags().BoolVar(&nodeServe, "serve", false, "Serve /health and /workers for this node while it runs")
	_ = nodeCmd.MarkFlagRequired("job")
}

func resolveRunID(flagValue string) (runid.ID, error) {
	if strings.TrimSpace(flagValue) != "" {
		return runid.Parse(flagValue)
	}
	return runid.FromEnv()
}

func resolveNodeIndex(flagValue int) (int, error) {
	if flagValue >= 0 {
		return flagValue, nil
	}
	raw := strings.TrimSpace(os.Getenv("SLURM_NODEID"))
	if raw == "" {
		return 0, fmt.Errorf("--node-index is required outside a Slurm step")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("SLURM_NODEID %q is not a node index", raw)
	}
	return n, nil
}

func runNode(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	m, err := loadManifest(nodeJobPath)
	if err != nil {
		return err
	}
	id, err := resolveRunID(nodeRunID)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run id", err)
	}
	node, err := resolveNodeIndex(nodeIndex)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid node index", err)
	}

	plans, err := nodeInstances(m, node, firstNonEmpty(nodeVisibleDevices, os.Getenv("CUDA_VISIBLE_DEVICES")))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid topology", err)
	}
	policy, err := fanout.ParsePolicy(m.Policy.OnInstanceFailure)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid policy", err)
	}
	resultsDir, err := localResultsDir(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid results location", err)
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create results directory", err)
	}

	writer, cleanup, err := createWriter(nodeEvents, id.String(), fmt.Sprintf("node-%d", node))
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	store := jobregistry.NewStore(appConfig.Registry.Root)
	sup, err := supervisor.New(supervisor.Config{
		Model:                m.Model.Name,
		MaxModelLen:          m.Model.MaxModelLen,
		TensorParallelSize:   m.Topology.TensorParallelSize,
		PipelineParallelSize: m.Topology.PipelineParallelSize,
		ServerCommand:        m.Server.Command,
		Host:                 m.Server.Host,
		APIPath:              m.Server.APIPath,
		ReadinessPath:        m.Server.ReadinessPath,
		ProbeInterval:        m.Server.ProbeInterval.Std(),
		StartupTimeout:       m.Server.StartupTimeout.Std(),
		StopGracePeriod:      m.Server.StopGracePeriod.Std(),
		EvalCommand:          m.Eval.Command,
		EvalConfigTemplate:   m.Eval.ConfigTemplate,
		EvalEnv:              m.Eval.Env,
		ResultsDir:           resultsDir,
		WorkDir:              store.NodeDir(id.String(), node),
		Registry:             store,
		Events:               writer,
		Logger:               log,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid supervisor configuration", err)
	}

	if nodeServe && appConfig.Health.Enabled {
		stop := startStatusServer(ctx, store, id.String())
		defer stop()
	}

	log.Info("Node agent starting",
		zap.String("run_id", id.String()),
		zap.Int("node", node),
		zap.Int("instances", len(plans)),
		zap.String("policy", string(policy)))

	res := fanout.RunNode(ctx, sup, plans, id.String(), fanout.NodeOptions{
		Policy:         policy,
		LaunchInterval: m.Policy.LaunchInterval.Std(),
		Logger:         log,
		Events:         writer,
	})

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Node agent cancelled", ctx.Err())
	}
	if !res.OK() {
		return exitError(exitFailure, "Node finished with failed instances",
			fmt.Errorf("%d of %d instances failed on node %d", res.Failed, len(res.Results), node))
	}
	return nil
}

func nodeInstances(m *manifest.Manifest, node int, visible string) ([]topology.InstancePlan, error) {
	plan, err := topology.PlanCluster(m.ClusterTopology())
	if err != nil {
		return nil, err
	}
	opts, err := m.NodeOptions(visible)
	if err != nil {
		return nil, err
	}
	return plan.Instances(node, opts)
}

// startStatusServer serves the worker registry of runID until the returned
// stop function is called.
func startStatusServer(ctx context.Context, store *jobregistry.Store, runID string) func() {
	srv := newStatusServer(store, runID)

	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(srvCtx); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
