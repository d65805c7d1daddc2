package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/evalfleet/pkg/shard"
)

// ErrRunNotFound is returned when a run id has no ledger row.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle status of a run in the ledger.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"

	// RunStatusComplete means every expected shard was merged.
	RunStatusComplete RunStatus = "complete"

	// RunStatusPartial means the merge ran on a subset of shards.
	RunStatusPartial RunStatus = "partial"

	// RunStatusEmpty means no shard was produced and nothing was merged.
	RunStatusEmpty RunStatus = "empty"

	RunStatusFailed RunStatus = "failed"
)

// StatusForOutcome maps a reconciliation outcome to the run status it implies.
func StatusForOutcome(o shard.Outcome) RunStatus {
	switch o {
	case shard.OutcomeComplete:
		return RunStatusComplete
	case shard.OutcomePartial:
		return RunStatusPartial
	case shard.OutcomeEmpty:
		return RunStatusEmpty
	default:
		return RunStatusFailed
	}
}

// Run is one ledger row.
type Run struct {
	RunID           string
	Model           string
	Variant         string
	Manifest        string
	ResultsLocation string
	WorldSize       int
	NodesTotal      int
	NodesFailed     int
	Status          RunStatus

	// Outcome, Expected and Observed are zero until reconciliation ran.
	Outcome      shard.Outcome
	Expected     int
	Observed     int
	MissingRanks []int

	ResultKey     string
	PublishTarget string
	Published     int

	StartedAt time.Time
	EndedAt   *time.Time
}

// RunParams describes a run at launch time.
type RunParams struct {
	RunID           string
	Model           string
	Variant         string
	Manifest        string
	ResultsLocation string
	WorldSize       int
	NodesTotal      int
}

// StartRun inserts a run in running status. Starting a run id that already
// exists resets it to running and refreshes the launch fields.
func StartRun(ctx context.Context, db *sql.DB, p RunParams) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(p.RunID) == "" {
		return nil, errors.New("run id is required")
	}

	now := time.Now().UTC()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs
		 (run_id, model, variant, manifest, results_location, world_size, nodes_total, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   model = excluded.model,
		   variant = excluded.variant,
		   manifest = excluded.manifest,
		   results_location = excluded.results_location,
		   world_size = excluded.world_size,
		   nodes_total = excluded.nodes_total,
		   status = excluded.status,
		   started_at = excluded.started_at,
		   ended_at = NULL`,
		p.RunID, p.Model, p.Variant, p.Manifest, p.ResultsLocation, p.WorldSize, p.NodesTotal,
		string(RunStatusRunning), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	return &Run{
		RunID:           p.RunID,
		Model:           p.Model,
		Variant:         p.Variant,
		Manifest:        p.Manifest,
		ResultsLocation: p.ResultsLocation,
		WorldSize:       p.WorldSize,
		NodesTotal:      p.NodesTotal,
		Status:          RunStatusRunning,
		StartedAt:       now,
	}, nil
}

// RecordNodes stores the cluster join outcome.
func RecordNodes(ctx context.Context, db *sql.DB, runID string, total, failed int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ensureRun(ctx, db, runID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`UPDATE runs SET nodes_total = ?, nodes_failed = ? WHERE run_id = ?`,
		total, failed, runID)
	if err != nil {
		return fmt.Errorf("record nodes: %w", err)
	}
	return nil
}

// RecordReconciliation stores a reconciliation outcome and replaces the
// run's shard rows with the observed set. Reconciliation is idempotent, so
// recording it again for the same run overwrites the previous rows.
//
// A run that was never started (standalone reconcile) gets a row created.
func RecordReconciliation(ctx context.Context, db *sql.DB, rec shard.Reconciliation) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rec.RunID == "" {
		return errors.New("run id is required")
	}

	missing, err := json.Marshal(nonNil(rec.MissingRanks))
	if err != nil {
		return fmt.Errorf("encode missing ranks: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		rec.RunID, string(RunStatusRunning), formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs
		 SET outcome = ?, expected = ?, observed = ?, missing_ranks = ?,
		     world_size = CASE WHEN world_size = 0 THEN ? ELSE world_size END
		 WHERE run_id = ?`,
		string(rec.Outcome), rec.Expected, rec.ObservedCount(), string(missing),
		rec.Expected, rec.RunID); err != nil {
		return fmt.Errorf("update reconciliation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM shards WHERE run_id = ?`, rec.RunID); err != nil {
		return fmt.Errorf("clear shards: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO shards (run_id, shard_key, node_index, rank, size_bytes, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare shard insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range rec.Observed {
		if _, err := stmt.ExecContext(ctx, rec.RunID, s.Key, s.NodeIndex, s.Rank, s.Size, nullTime(s.LastModified)); err != nil {
			return fmt.Errorf("insert shard %s: %w", s.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconciliation: %w", err)
	}
	return nil
}

// Completion is the terminal state of a run.
type Completion struct {
	Status        RunStatus
	ResultKey     string
	PublishTarget string
	Published     int
}

// FinishRun stamps the terminal status and end time.
func FinishRun(ctx context.Context, db *sql.DB, runID string, c Completion) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ensureRun(ctx, db, runID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`UPDATE runs
		 SET status = ?, result_key = ?, publish_target = ?, published = ?, ended_at = ?
		 WHERE run_id = ?`,
		string(c.Status), nullString(c.ResultKey), nullString(c.PublishTarget), c.Published,
		formatTime(time.Now().UTC()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

const runColumns = `run_id, model, variant, manifest, results_location, world_size,
	nodes_total, nodes_failed, status, outcome, expected, observed, missing_ranks,
	result_key, publish_target, published, started_at, ended_at`

// GetRun retrieves a run by id.
func GetRun(ctx context.Context, db *sql.DB, runID string) (*Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListOptions filters ListRuns. Zero values mean no filter.
type ListOptions struct {
	Status RunStatus
	Limit  int
}

// ListRuns returns runs newest first.
func ListRuns(ctx context.Context, db *sql.DB, opts ListOptions) ([]Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY started_at DESC, run_id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListShards returns the shards recorded for a run ordered by rank.
func ListShards(ctx context.Context, db *sql.DB, runID string) ([]shard.Shard, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT shard_key, node_index, rank, size_bytes, last_modified
		 FROM shards WHERE run_id = ?
		 ORDER BY rank ASC, shard_key ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []shard.Shard
	for rows.Next() {
		var s shard.Shard
		var lastModified sql.NullString
		if err := rows.Scan(&s.Key, &s.NodeIndex, &s.Rank, &s.Size, &lastModified); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		if lastModified.Valid {
			s.LastModified, _ = parseTime(lastModified.String)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r                                  Run
		status                             string
		outcome, missing, resultKey, pubTo sql.NullString
		expected, observed                 sql.NullInt64
		startedAt                          string
		endedAt                            sql.NullString
	)
	err := s.Scan(
		&r.RunID, &r.Model, &r.Variant, &r.Manifest, &r.ResultsLocation, &r.WorldSize,
		&r.NodesTotal, &r.NodesFailed, &status, &outcome, &expected, &observed, &missing,
		&resultKey, &pubTo, &r.Published, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	r.Status = RunStatus(status)
	r.Outcome = shard.Outcome(outcome.String)
	r.Expected = int(expected.Int64)
	r.Observed = int(observed.Int64)
	r.ResultKey = resultKey.String
	r.PublishTarget = pubTo.String
	if missing.Valid && missing.String != "" {
		if err := json.Unmarshal([]byte(missing.String), &r.MissingRanks); err != nil {
			return nil, fmt.Errorf("decode missing ranks: %w", err)
		}
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		r.EndedAt = &t
	}
	return &r, nil
}

func ensureRun(ctx context.Context, db *sql.DB, runID string) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("lookup run: %w", err)
	}
	return nil
}

// EventCategory groups events.
type EventCategory string

const (
	EventCategoryInfo    EventCategory = "info"
	EventCategoryWarning EventCategory = "warning"
	EventCategoryError   EventCategory = "error"
)

// Event is a structured note attached to a run.
type Event struct {
	EventID    string
	RunID      string
	OccurredAt time.Time
	Type       string
	Category   EventCategory
	Detail     string
	Rank       *int
	ErrorCode  string
}

// RecordEvent appends an event to a run. EventID and OccurredAt are filled in
// when empty.
func RecordEvent(ctx context.Context, db *sql.DB, e Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Category == "" {
		e.Category = EventCategoryInfo
	}

	var rank sql.NullInt64
	if e.Rank != nil {
		rank = sql.NullInt64{Int64: int64(*e.Rank), Valid: true}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO run_events
		 (event_id, run_id, occurred_at, event_type, event_category, detail, rank, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.RunID, formatTime(e.OccurredAt), e.Type, string(e.Category),
		nullString(e.Detail), rank, nullString(e.ErrorCode))
	if err != nil {
		return fmt.Errorf("record run event: %w", err)
	}
	return nil
}

// ListEvents returns a run's events oldest first.
func ListEvents(ctx context.Context, db *sql.DB, runID string) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := db.QueryContext(ctx,
		`SELECT event_id, run_id, occurred_at, event_type, event_category, detail, rank, error_code
		 FROM run_events WHERE run_id = ?
		 ORDER BY occurred_at ASC, rowid ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e                 Event
			occurredAt        string
			category          string
			detail, errorCode sql.NullString
			rank              sql.NullInt64
		)
		if err := rows.Scan(&e.EventID, &e.RunID, &occurredAt, &e.Type, &category, &detail, &rank, &errorCode); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Category = EventCategory(category)
		e.Detail = detail.String
		e.ErrorCode = errorCode.String
		if rank.Valid {
			v := int(rank.Int64)
			e.Rank = &v
		}
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return events, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNil(ranks []int) []int {
	if ranks == nil {
		return []int{}
	}
	return ranks
}
