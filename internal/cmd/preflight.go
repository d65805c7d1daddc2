package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/evalfleet/internal/observability"
	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/preflight"
	"github.com/3leaps/evalfleet/pkg/runid"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Probe the results location and publish destination",
	Long: `Probe the results location and publish destination of a fleet manifest
without starting any node. 'run' performs the same checks before launching.

It emits JSONL preflight records (evalfleet.preflight.v1) on stdout.

Modes:
  plan-only    no provider calls
  read-safe    list and head only
  write-probe  a minimal write under the probe prefix, cleaned up immediately

Examples:
  evalfleet preflight --job fleet.yaml
  evalfleet preflight --job fleet.yaml --mode read-safe
  evalfleet preflight --job fleet.yaml --mode plan-only`,
	RunE: runPreflightCmd,
}

var (
	preflightJobPath string
	preflightMode    string
)

func init() {
	rootCmd.AddCommand(preflightCmd)
	preflightCmd.Flags().StringVarP(&preflightJobPath, "job", "j", "", "Path to fleet manifest (required)")
	preflightCmd.Flags().StringVar(&preflightMode, "mode", "", "Preflight mode (plan-only|read-safe|write-probe); default from manifest")
	_ = preflightCmd.MarkFlagRequired("job")
}

func runPreflightCmd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := loadManifest(preflightJobPath)
	if err != nil {
		return err
	}
	spec, err := preflightSpec(m, preflightMode)
	if err != nil {
		return err
	}

	w := output.NewJSONLWriter(os.Stdout, runid.Mint(time.Now()).String(), "preflight")
	defer func() { _ = w.Close() }()

	// Plan-only must not open providers or touch the filesystem.
	if spec.Mode == preflight.ModePlanOnly {
		return w.WritePreflight(ctx, &output.PreflightRecord{
			Mode:          string(spec.Mode),
			ProbeStrategy: string(spec.ProbeStrategy),
			ProbePrefix:   spec.ProbePrefix,
			Results:       []output.PreflightCheckResult{},
		})
	}

	pipe, err := buildPipeline(ctx, m, nil, w, true)
	if err != nil {
		return err
	}
	defer pipe.Close()

	if err := runPreflight(ctx, pipe, spec, w); err != nil {
		return err
	}
	if pipe.publisher == nil {
		observability.CLILogger.Info("Publishing disabled; destination not probed")
	}
	return nil
}
