package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Store persists and loads WorkerRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<run_id>/rank-<rank>/worker.json
//	<root>/<run_id>/rank-<rank>/server.log
//	<root>/<run_id>/rank-<rank>/eval.log
//	<root>/<run_id>/node-<index>/stdout.log
//	<root>/<run_id>/node-<index>/stderr.log
//
// Root is expected to be under the app data dir or a shared filesystem.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) WorkerDir(runID string, rank int) string {
	return filepath.Join(s.RunDir(runID), "rank-"+strconv.Itoa(rank))
}

func (s *Store) WorkerPath(runID string, rank int) string {
	return filepath.Join(s.WorkerDir(runID, rank), "worker.json")
}

func (s *Store) NodeDir(runID string, nodeIndex int) string {
	return filepath.Join(s.RunDir(runID), "node-"+strconv.Itoa(nodeIndex))
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("worker registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write atomically replaces the record's worker.json.
func (s *Store) Write(record *WorkerRecord) error {
	if record == nil {
		return fmt.Errorf("worker record is nil")
	}
	runID := strings.TrimSpace(record.RunID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if record.Rank < 0 {
		return fmt.Errorf("rank must be >= 0")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.WorkerDir(runID, record.Rank)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create worker dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "worker.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp worker file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp worker file: %w", err)
	}

	if err := os.Rename(tmpName, s.WorkerPath(runID, record.Rank)); err != nil {
		return fmt.Errorf("rename worker file: %w", err)
	}
	return nil
}

// Get loads one worker record.
//
// A record that claims a live state while its node agent is gone is
// rewritten as unknown.
func (s *Store) Get(runID string, rank int) (*WorkerRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	b, err := os.ReadFile(s.WorkerPath(runID, rank))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("worker.json is empty")
	}

	var record WorkerRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse worker.json: %w", err)
	}

	if !record.State.Terminal() && record.AgentPID > 0 && !isProcessAlive(record.AgentPID) {
		record.State = WorkerStateUnknown
		record.Reason = "agent_vanished"
		now := time.Now().UTC()
		record.LastHeartbeat = &now
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns the worker records of runID ordered by rank.
func (s *Store) List(runID string) ([]WorkerRecord, error) {
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	out := make([]WorkerRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "rank-") {
			continue
		}
		rank, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "rank-"))
		if err != nil {
			continue
		}
		r, err := s.Get(runID, rank)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// Runs summarises every run in the registry, newest first.
func (s *Store) Runs() ([]RunSummary, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read registry root: %w", err)
	}

	out := make([]RunSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workers, err := s.List(entry.Name())
		if err != nil || len(workers) == 0 {
			continue
		}
		sum := RunSummary{RunID: entry.Name(), Workers: len(workers), States: map[WorkerState]int{}}
		for _, w := range workers {
			sum.States[w.State]++
			if sum.StartedAt.IsZero() || w.CreatedAt.Before(sum.StartedAt) {
				sum.StartedAt = w.CreatedAt.UTC()
			}
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering a signal.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
