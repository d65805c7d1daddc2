package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/evalfleet/pkg/ledger"
	"github.com/3leaps/evalfleet/pkg/shard"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List run history from the ledger",
	Long: `List runs recorded in the run ledger, newest first.

The ledger lives at ledger.path (default: <data dir>/ledger.db) or at a
remote libsql URL given by ledger.url.

Example:
  evalfleet runs
  evalfleet runs --status partial --limit 5
  evalfleet runs show 20260118_0930`,
	RunE: runRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its shards and events",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var (
	runsStatus string
	runsLimit  int
	runsJSON   bool
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Output as JSON")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Only runs with this status (running|complete|partial|empty|failed)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list (0 = all)")
}

func requireLedger(cmd *cobra.Command) (*sql.DB, error) {
	db := openLedger(cmd.Context())
	if db == nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Run ledger unavailable", nil)
	}
	return db, nil
}

func parseRunStatus(s string) (ledger.RunStatus, error) {
	switch st := ledger.RunStatus(s); st {
	case "", ledger.RunStatusRunning, ledger.RunStatusComplete, ledger.RunStatusPartial,
		ledger.RunStatusEmpty, ledger.RunStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

func runRuns(cmd *cobra.Command, _ []string) error {
	status, err := parseRunStatus(runsStatus)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
	}
	db, err := requireLedger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs, err := ledger.ListRuns(cmd.Context(), db, ledger.ListOptions{Status: status, Limit: runsLimit})
	if err != nil {
		return exitError(exitFailure, "Failed to list runs", err)
	}
	if runsJSON {
		return writeJSONOut(cmd.OutOrStdout(), runs)
	}
	return printRunHistory(cmd.OutOrStdout(), runs)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	db, err := requireLedger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	run, err := ledger.GetRun(ctx, db, args[0])
	if errors.Is(err, ledger.ErrRunNotFound) {
		return exitError(foundry.ExitFileNotFound, "Run not found", err)
	}
	if err != nil {
		return exitError(exitFailure, "Failed to read run", err)
	}
	shards, err := ledger.ListShards(ctx, db, run.RunID)
	if err != nil {
		return exitError(exitFailure, "Failed to read shards", err)
	}
	events, err := ledger.ListEvents(ctx, db, run.RunID)
	if err != nil {
		return exitError(exitFailure, "Failed to read events", err)
	}

	if runsJSON {
		return writeJSONOut(cmd.OutOrStdout(), struct {
			Run    *ledger.Run    `json:"run"`
			Shards []shard.Shard  `json:"shards"`
			Events []ledger.Event `json:"events"`
		}{run, shards, events})
	}
	return printRunDetail(cmd.OutOrStdout(), run, shards, events)
}

func printRunHistory(out io.Writer, runs []ledger.Run) error {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN ID\tSTATUS\tMODEL\tSHARDS\tNODES\tPUBLISHED\tSTARTED\tDURATION")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d/%d\t%d\t%s\t%s\n",
			r.RunID, r.Status, dash(r.Model), r.Observed, r.WorldSize,
			r.NodesTotal-r.NodesFailed, r.NodesTotal, r.Published,
			r.StartedAt.Local().Format("2006-01-02 15:04"), runDuration(r))
	}
	return tw.Flush()
}

func printRunDetail(out io.Writer, r *ledger.Run, shards []shard.Shard, events []ledger.Event) error {
	_, _ = fmt.Fprintf(out, "=== Run %s ===\n\n", r.RunID)
	_, _ = fmt.Fprintf(out, "Status:     %s\n", r.Status)
	if r.Outcome != "" {
		_, _ = fmt.Fprintf(out, "Outcome:    %s (%d of %d shards)\n", r.Outcome, r.Observed, r.Expected)
	}
	if len(r.MissingRanks) > 0 {
		_, _ = fmt.Fprintf(out, "Missing:    ranks %v\n", r.MissingRanks)
	}
	_, _ = fmt.Fprintf(out, "Model:      %s\n", dash(r.Model))
	_, _ = fmt.Fprintf(out, "Variant:    %s\n", dash(r.Variant))
	_, _ = fmt.Fprintf(out, "Manifest:   %s\n", dash(r.Manifest))
	_, _ = fmt.Fprintf(out, "Results:    %s\n", dash(r.ResultsLocation))
	_, _ = fmt.Fprintf(out, "Nodes:      %d (%d failed)\n", r.NodesTotal, r.NodesFailed)
	_, _ = fmt.Fprintf(out, "Result:     %s\n", dash(r.ResultKey))
	if r.PublishTarget != "" {
		_, _ = fmt.Fprintf(out, "Published:  %d object(s) to %s\n", r.Published, r.PublishTarget)
	}
	_, _ = fmt.Fprintf(out, "Duration:   %s\n", runDuration(*r))

	if len(shards) > 0 {
		_, _ = fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RANK\tNODE\tSIZE\tKEY")
		for _, s := range shards {
			_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", s.Rank, s.NodeIndex, s.Size, s.Key)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(events) > 0 {
		_, _ = fmt.Fprintln(out)
		for _, e := range events {
			_, _ = fmt.Fprintf(out, "%s  %-7s  %s", e.OccurredAt.Local().Format(time.TimeOnly), e.Category, e.Type)
			if e.Detail != "" {
				_, _ = fmt.Fprintf(out, ": %s", e.Detail)
			}
			_, _ = fmt.Fprintln(out)
		}
	}
	return nil
}

func runDuration(r ledger.Run) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
