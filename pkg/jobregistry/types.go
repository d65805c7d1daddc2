package jobregistry

import "time"

// WorkerState is the lifecycle state of one supervised instance.
//
// NOTE: These values are persisted in worker.json and are part of the stable
// on-disk contract.
type WorkerState string

const (
	WorkerStateStarting WorkerState = "starting"
	WorkerStateReady    WorkerState = "ready"
	WorkerStateRunning  WorkerState = "running"
	WorkerStateFailed   WorkerState = "failed"
	WorkerStateStopped  WorkerState = "stopped"

	// WorkerStateUnknown marks a record whose supervising process vanished
	// before it reached a terminal state.
	WorkerStateUnknown WorkerState = "unknown"
)

// Terminal reports whether s is an end state.
func (s WorkerState) Terminal() bool {
	switch s {
	case WorkerStateFailed, WorkerStateStopped, WorkerStateUnknown:
		return true
	}
	return false
}

// WorkerRecord is the persistent record written to worker.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type WorkerRecord struct {
	RunID      string      `json:"run_id"`
	AttemptID  string      `json:"attempt_id,omitempty"`
	Rank       int         `json:"rank"`
	WorldSize  int         `json:"world_size"`
	NodeIndex  int         `json:"node_index"`
	LocalIndex int         `json:"local_index"`
	Port       int         `json:"port"`
	GPUIDs     []int       `json:"gpu_ids"`
	Hostname   string      `json:"hostname,omitempty"`
	State      WorkerState `json:"state"`
	Reason     string      `json:"reason,omitempty"`

	// AgentPID is the node agent supervising this worker.
	AgentPID  int  `json:"agent_pid,omitempty"`
	ServerPID int  `json:"server_pid,omitempty"`
	EvalPID   int  `json:"eval_pid,omitempty"`
	ExitCode  *int `json:"exit_code,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	ReadyAt       *time.Time `json:"ready_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	ServerLogPath string `json:"server_log_path,omitempty"`
	EvalLogPath   string `json:"eval_log_path,omitempty"`
}

// RunSummary aggregates the worker records of one run.
type RunSummary struct {
	RunID     string              `json:"run_id"`
	Workers   int                 `json:"workers"`
	States    map[WorkerState]int `json:"states"`
	StartedAt time.Time           `json:"started_at"`
}
