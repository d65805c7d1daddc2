package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/runid"
	"github.com/3leaps/evalfleet/pkg/topology"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-rank worker state from the local registry",
	Long: `Show the worker records node agents keep in the local registry.

Without --run-id every run in the registry is summarised, newest first. With
--run-id each rank of that run is listed with its state, port, GPUs and last
heartbeat. Workers whose agent vanished are shown as unknown.

Example:
  evalfleet status
  evalfleet status --run-id 20260118_0930
  evalfleet status --run-id 20260118_0930 --json`,
	RunE: runStatus,
}

var (
	statusRunID string
	statusJSON  bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "Show the workers of this run")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	store := jobregistry.NewStore(appConfig.Registry.Root)
	out := cmd.OutOrStdout()

	if statusRunID == "" {
		runs, err := store.Runs()
		if err != nil {
			return exitError(exitFailure, "Failed to read registry", err)
		}
		if statusJSON {
			return writeJSONOut(out, runs)
		}
		return printRuns(out, runs)
	}

	id, err := runid.Parse(statusRunID)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --run-id", err)
	}
	workers, err := store.List(id.String())
	if err != nil {
		return exitError(exitFailure, "Failed to read registry", err)
	}
	if len(workers) == 0 {
		return exitError(foundry.ExitFileNotFound, "No workers recorded for run", fmt.Errorf("run %s", id))
	}
	if statusJSON {
		return writeJSONOut(out, workers)
	}
	return printWorkers(out, workers, time.Now())
}

func writeJSONOut(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(exitFailure, "Failed to encode output", err)
	}
	return nil
}

func printRuns(out io.Writer, runs []jobregistry.RunSummary) error {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs in registry")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tWORKERS\tSTATES\tSTARTED")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.RunID, r.Workers, formatStates(r.States), r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printWorkers(out io.Writer, workers []jobregistry.WorkerRecord, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RANK\tNODE\tLOCAL\tPORT\tGPUS\tSTATE\tREASON\tHEARTBEAT")
	for _, w := range workers {
		reason := w.Reason
		if reason == "" {
			reason = "-"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			w.Rank, w.NodeIndex, w.LocalIndex, w.Port, topology.FormatGPUIDs(w.GPUIDs), w.State, reason, heartbeatAge(w.LastHeartbeat, now))
	}
	return tw.Flush()
}

// formatStates renders state counts in a stable order, e.g. "failed=1 running=3".
func formatStates(states map[jobregistry.WorkerState]int) string {
	keys := make([]string, 0, len(states))
	for s := range states {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, states[jobregistry.WorkerState(k)]))
	}
	return strings.Join(parts, " ")
}

func heartbeatAge(t *time.Time, now time.Time) string {
	if t == nil {
		return "-"
	}
	return now.Sub(*t).Round(time.Second).String() + " ago"
}
