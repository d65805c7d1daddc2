// Package finalize runs the post-fan-out steps of a fleet run: reconcile the
// shard set, merge it, publish the merged artifacts and record the outcome in
// the run ledger.
package finalize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/pkg/ledger"
	"github.com/3leaps/evalfleet/pkg/merge"
	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/publish"
	"github.com/3leaps/evalfleet/pkg/shard"
)

// Config configures a Finalizer.
type Config struct {
	Reconciler *shard.Reconciler
	Merger     *merge.Merger

	// Publisher is optional; nil skips publishing.
	Publisher *publish.Publisher

	// Ledger is optional; nil skips run history.
	Ledger *sql.DB

	Logger *zap.Logger
	Events output.Writer
}

// Report describes what Finalize did.
type Report struct {
	RunID          string                      `json:"run_id"`
	Reconciliation shard.Reconciliation        `json:"reconciliation"`
	Status         ledger.RunStatus            `json:"status"`
	SingleNode     bool                        `json:"single_node,omitempty"`
	Merge          *merge.Result               `json:"merge,omitempty"`
	Publish        *publish.Report             `json:"publish,omitempty"`
	Warnings       []string                    `json:"warnings,omitempty"`
	Partial        *shard.PartialShardSetError `json:"-"`
}

// Finalizer runs reconcile, merge and publish for one run at a time.
type Finalizer struct {
	cfg    Config
	log    *zap.Logger
	events output.Writer
}

// New validates cfg.
func New(cfg Config) (*Finalizer, error) {
	if cfg.Reconciler == nil {
		return nil, errors.New("finalize: reconciler is required")
	}
	if cfg.Merger == nil {
		return nil, errors.New("finalize: merger is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = output.NopWriter{}
	}
	return &Finalizer{cfg: cfg, log: log, events: events}, nil
}

// Finalize reconciles runID against expected shards and, unless the shard
// set is empty, merges and publishes it.
//
// A partial shard set is not an error: the merge proceeds on the subset and
// the report carries the warning. An empty shard set returns
// shard.ErrEmptyShardSet and neither merges nor publishes. When the
// reconciler reports the run's merged document as its only shard (world
// size one), that document is published as is.
func (f *Finalizer) Finalize(ctx context.Context, runID string, expected int) (*Report, error) {
	log := f.log.With(zap.String("run_id", runID))

	rec, err := f.cfg.Reconciler.Reconcile(ctx, runID, expected)
	report := &Report{RunID: runID, Reconciliation: rec}

	var partial *shard.PartialShardSetError
	if err != nil && !errors.As(err, &partial) && !errors.Is(err, shard.ErrEmptyShardSet) {
		f.finish(ctx, runID, ledger.Completion{Status: ledger.RunStatusFailed})
		return report, err
	}
	f.recordReconciliation(ctx, rec)

	if errors.Is(err, shard.ErrEmptyShardSet) {
		return f.finalizeEmpty(ctx, report)
	}
	if rec.Merged {
		log.Info("merged results already present; publishing single-node output", zap.String("key", rec.Observed[0].Key))
		report.SingleNode = true
		report.Status = ledger.RunStatusComplete
		return f.publishAndFinish(ctx, log, report, rec.Observed[0].Key)
	}
	if partial != nil {
		report.Partial = partial
		report.Warnings = append(report.Warnings, partial.Error())
		f.recordEvent(ctx, ledger.Event{
			RunID:     runID,
			Type:      "partial_shard_set",
			Category:  ledger.EventCategoryWarning,
			Detail:    partial.Error(),
			ErrorCode: output.ErrCodePartialShardSet,
		})
	}

	res, err := f.cfg.Merger.Merge(ctx, runID, rec.Keys())
	if err != nil {
		f.finish(ctx, runID, ledger.Completion{Status: ledger.RunStatusFailed})
		return report, fmt.Errorf("finalize: merge: %w", err)
	}
	report.Merge = res
	report.Status = ledger.StatusForOutcome(rec.Outcome)

	return f.publishAndFinish(ctx, log, report, res.ResultKey)
}

func (f *Finalizer) finalizeEmpty(ctx context.Context, report *Report) (*Report, error) {
	report.Status = ledger.RunStatusEmpty
	f.finish(ctx, report.RunID, ledger.Completion{Status: ledger.RunStatusEmpty})
	_ = f.events.WriteError(ctx, &output.ErrorRecord{
		Code:    output.ErrCodeEmptyShardSet,
		Message: "no shards found; merge and publish skipped",
	})
	return report, shard.ErrEmptyShardSet
}

func (f *Finalizer) publishAndFinish(ctx context.Context, log *zap.Logger, report *Report, resultKey string) (*Report, error) {
	completion := ledger.Completion{Status: report.Status, ResultKey: resultKey}

	if f.cfg.Publisher != nil {
		pub, err := f.cfg.Publisher.Publish(ctx, report.RunID)
		report.Publish = pub
		if err != nil {
			report.Status = ledger.RunStatusFailed
			completion.Status = ledger.RunStatusFailed
			completion.PublishTarget = f.cfg.Publisher.TargetDir()
			f.finish(ctx, report.RunID, completion)
			return report, fmt.Errorf("finalize: publish: %w", err)
		}
		completion.PublishTarget = pub.TargetDir
		completion.Published = len(pub.Uploaded)
		for _, item := range pub.Skipped {
			f.recordEvent(ctx, ledger.Event{
				RunID:    report.RunID,
				Type:     "publish_skipped",
				Category: ledger.EventCategoryWarning,
				Detail:   item.Destination + " already exists",
			})
		}
	}

	f.finish(ctx, report.RunID, completion)
	log.Info("run finalized",
		zap.String("status", string(report.Status)),
		zap.String("result_key", resultKey),
		zap.Int("published", completion.Published))
	return report, nil
}

// Ledger writes are best-effort; failures are logged and the run goes on.
func (f *Finalizer) recordReconciliation(ctx context.Context, rec shard.Reconciliation) {
	if f.cfg.Ledger == nil {
		return
	}
	if err := ledger.RecordReconciliation(ctx, f.cfg.Ledger, rec); err != nil {
		f.log.Warn("ledger: record reconciliation failed", zap.Error(err))
	}
}

func (f *Finalizer) recordEvent(ctx context.Context, e ledger.Event) {
	if f.cfg.Ledger == nil {
		return
	}
	if err := ledger.RecordEvent(ctx, f.cfg.Ledger, e); err != nil {
		f.log.Warn("ledger: record event failed", zap.Error(err))
	}
}

func (f *Finalizer) finish(ctx context.Context, runID string, c ledger.Completion) {
	if f.cfg.Ledger == nil {
		return
	}
	if err := ledger.FinishRun(ctx, f.cfg.Ledger, runID, c); err != nil {
		f.log.Warn("ledger: finish run failed", zap.Error(err))
	}
}
