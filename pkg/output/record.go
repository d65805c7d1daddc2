// Package output provides JSONL event output for fleet runs.
//
// Output is structured as typed record envelopes describing worker
// transitions, node results, reconciliation outcomes and errors. Each line is
// a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: evalfleet.<type>.v<version>
const (
	// TypeWorker identifies worker state transition records.
	TypeWorker = "evalfleet.worker.v1"

	// TypeNode identifies per-node aggregate records.
	TypeNode = "evalfleet.node.v1"

	// TypeReconcile identifies shard reconciliation records.
	TypeReconcile = "evalfleet.reconcile.v1"

	// TypePublish identifies published artifact records.
	TypePublish = "evalfleet.publish.v1"

	// TypePreflight identifies publish destination preflight records.
	TypePreflight = "evalfleet.preflight.v1"

	// TypeError identifies error records.
	TypeError = "evalfleet.error.v1"

	// TypeSummary identifies final run summary records.
	TypeSummary = "evalfleet.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// The type field determines how to interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "evalfleet.worker.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the run identity shared by every node and worker.
	RunID string `json:"run_id"`

	// Source identifies the emitter ("controller" or "node-<i>").
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// WorkerRecord is the data payload for a worker state transition.
type WorkerRecord struct {
	Rank       int    `json:"rank"`
	WorldSize  int    `json:"world_size"`
	NodeIndex  int    `json:"node_index"`
	LocalIndex int    `json:"local_index"`
	Port       int    `json:"port"`
	GPUIDs     []int  `json:"gpu_ids"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

// NodeRecord is the data payload for a node's aggregated result.
type NodeRecord struct {
	NodeIndex int    `json:"node_index"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// ReconcileRecord is the data payload for a reconciliation outcome.
type ReconcileRecord struct {
	Outcome      string   `json:"outcome"`
	Expected     int      `json:"expected"`
	Observed     int      `json:"observed"`
	MissingRanks []int    `json:"missing_ranks,omitempty"`
	Shards       []string `json:"shards,omitempty"`
}

// PublishRecord is the data payload for one artifact handed to the
// publish destination.
type PublishRecord struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Bytes       int64  `json:"bytes"`
	Skipped     bool   `json:"skipped,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// PreflightRecord is the data payload for publish preflight checks.
//
// Preflight records are emitted before any worker is launched so that a
// destination that cannot be written is caught early.
type PreflightRecord struct {
	Mode          string                 `json:"mode"`
	ProbeStrategy string                 `json:"probe_strategy,omitempty"`
	ProbePrefix   string                 `json:"probe_prefix,omitempty"`
	Results       []PreflightCheckResult `json:"results"`
}

// PreflightCheckResult is a single capability check result.
type PreflightCheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole run, so a
// failed instance still leaves its siblings' output intact.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Rank is the global rank related to this error, if applicable.
	Rank *int `json:"rank,omitempty"`

	// Key is the shard or artifact key related to this error, if applicable.
	Key string `json:"key,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeConfiguration   = "CONFIGURATION"
	ErrCodeStartupTimeout  = "STARTUP_TIMEOUT"
	ErrCodeServerExited    = "SERVER_EXITED"
	ErrCodeWorkerFailure   = "WORKER_PROCESS_FAILURE"
	ErrCodeEmptyShardSet   = "EMPTY_SHARD_SET"
	ErrCodePartialShardSet = "PARTIAL_SHARD_SET"
	ErrCodeAccessDenied    = "ACCESS_DENIED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeThrottled       = "THROTTLED"
	ErrCodeInternal        = "INTERNAL"
)

// SummaryRecord is the data payload for the final run summary.
type SummaryRecord struct {
	WorldSize     int           `json:"world_size"`
	NodesTotal    int           `json:"nodes_total"`
	NodesFailed   int           `json:"nodes_failed"`
	Outcome       string        `json:"outcome"`
	Published     int           `json:"published"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
