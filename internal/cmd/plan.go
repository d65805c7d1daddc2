package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/evalfleet/pkg/manifest"
	"github.com/3leaps/evalfleet/pkg/topology"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the instance layout of a fleet manifest",
	Long: `Validate a fleet manifest and print the cluster plan: instances per node,
world size, and for every instance its global rank, GPU ids and port.

Nothing is started. Configuration errors are reported here exactly as 'run'
would report them.

Example:
  evalfleet plan --job fleet.yaml
  evalfleet plan --job fleet.yaml --json`,
	RunE: runPlan,
}

var (
	planJobPath string
	planJSON    bool
)

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().StringVarP(&planJobPath, "job", "j", "", "Path to fleet manifest (required)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Output as JSON")
	_ = planCmd.MarkFlagRequired("job")
}

// clusterView is the plan with every node's instances expanded.
type clusterView struct {
	Plan      topology.Plan           `json:"plan"`
	Instances []topology.InstancePlan `json:"instances"`
	Policy    string                  `json:"on_instance_failure"`
	Launcher  string                  `json:"launcher"`
	Results   string                  `json:"results"`
	Publish   string                  `json:"publish,omitempty"`
}

func buildClusterView(m *manifest.Manifest) (*clusterView, error) {
	plan, err := topology.PlanCluster(m.ClusterTopology())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid topology", err)
	}
	opts, err := m.NodeOptions("")
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid visible_devices", err)
	}

	view := &clusterView{
		Plan:     plan,
		Policy:   m.Policy.OnInstanceFailure,
		Launcher: m.Launcher.Type,
		Results:  m.Results.Location,
	}
	if m.PublishEnabled() {
		view.Publish = m.Publish.Destination
	}
	for node := 0; node < plan.Topology.TotalNodes; node++ {
		instances, err := plan.Instances(node, opts)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid topology", err)
		}
		view.Instances = append(view.Instances, instances...)
	}
	return view, nil
}

func runPlan(cmd *cobra.Command, _ []string) error {
	m, err := loadManifest(planJobPath)
	if err != nil {
		return err
	}
	view, err := buildClusterView(m)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	return printPlan(out, m, view)
}

func printPlan(out io.Writer, m *manifest.Manifest, view *clusterView) error {
	p := view.Plan
	_, _ = fmt.Fprintln(out, "=== Fleet Plan ===")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "Model:              %s\n", m.Model.Name)
	_, _ = fmt.Fprintf(out, "Nodes:              %d x %d GPUs\n", p.Topology.TotalNodes, p.Topology.GPUsPerNode)
	_, _ = fmt.Fprintf(out, "Parallelism:        tp=%d pp=%d (%d GPUs per instance)\n",
		p.Topology.TensorParallelSize, p.Topology.PipelineParallelSize, p.Topology.GPUsPerInstance())
	_, _ = fmt.Fprintf(out, "Instances per node: %d\n", p.InstancesPerNode)
	_, _ = fmt.Fprintf(out, "World size:         %d\n", p.WorldSize)
	if p.UnusedGPUsPerNode > 0 {
		_, _ = fmt.Fprintf(out, "Unused GPUs:        %d per node\n", p.UnusedGPUsPerNode)
	}
	_, _ = fmt.Fprintf(out, "Failure policy:     %s\n", view.Policy)
	_, _ = fmt.Fprintf(out, "Launcher:           %s\n", view.Launcher)
	_, _ = fmt.Fprintf(out, "Results:            %s\n", view.Results)
	if view.Publish != "" {
		_, _ = fmt.Fprintf(out, "Publish:            %s (variant %s)\n", view.Publish, m.Publish.Variant)
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RANK\tNODE\tLOCAL\tGPUS\tPORT")
	for _, inst := range view.Instances {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%d\n",
			inst.GlobalRank, inst.NodeIndex, inst.LocalIndex, topology.FormatGPUIDs(inst.GPUIDs), inst.Port)
	}
	return w.Flush()
}
