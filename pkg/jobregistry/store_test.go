package jobregistry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	rec := &WorkerRecord{
		RunID:      "20260119_1200",
		Rank:       6,
		WorldSize:  8,
		NodeIndex:  1,
		LocalIndex: 2,
		Port:       8002,
		GPUIDs:     []int{4, 5},
		State:      WorkerStateRunning,
		AgentPID:   os.Getpid(),
		CreatedAt:  now,
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Get("20260119_1200", 6)
	require.NoError(t, err)
	assert.Equal(t, WorkerStateRunning, got.State)
	assert.Equal(t, []int{4, 5}, got.GPUIDs)
	assert.Equal(t, 8002, got.Port)
	assert.FileExists(t, filepath.Join(s.RootDir(), "20260119_1200", "rank-6", "worker.json"))
}

func TestStore_WriteRequiresRunID(t *testing.T) {
	s := NewStore(t.TempDir())
	require.Error(t, s.Write(&WorkerRecord{Rank: 0}))
	require.Error(t, s.Write(nil))
	require.Error(t, s.Write(&WorkerRecord{RunID: "r", Rank: -1}))
}

func TestStore_ListSortsByRank(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, rank := range []int{3, 0, 2, 1} {
		require.NoError(t, s.Write(&WorkerRecord{RunID: "run", Rank: rank, State: WorkerStateStopped}))
	}

	got, err := s.List("run")
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, r := range got {
		assert.Equal(t, i, r.Rank)
	}

	none, err := s.List("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_ZombieDetection(t *testing.T) {
	s := NewStore(t.TempDir())

	// A finished child's pid is no longer alive once reaped.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	require.NoError(t, s.Write(&WorkerRecord{RunID: "run", Rank: 0, State: WorkerStateRunning, AgentPID: deadPID}))
	require.NoError(t, s.Write(&WorkerRecord{RunID: "run", Rank: 1, State: WorkerStateFailed, AgentPID: deadPID, Reason: "startup_timeout"}))

	got, err := s.Get("run", 0)
	require.NoError(t, err)
	assert.Equal(t, WorkerStateUnknown, got.State)
	assert.Equal(t, "agent_vanished", got.Reason)

	got, err = s.Get("run", 1)
	require.NoError(t, err)
	assert.Equal(t, WorkerStateFailed, got.State)
	assert.Equal(t, "startup_timeout", got.Reason)
}

func TestStore_RunsNewestFirst(t *testing.T) {
	s := NewStore(t.TempDir())
	t1 := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 19, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(&WorkerRecord{RunID: "a", Rank: 0, State: WorkerStateStopped, CreatedAt: t1}))
	require.NoError(t, s.Write(&WorkerRecord{RunID: "b", Rank: 0, State: WorkerStateStopped, CreatedAt: t2}))
	require.NoError(t, s.Write(&WorkerRecord{RunID: "b", Rank: 1, State: WorkerStateFailed, CreatedAt: t2}))

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
	assert.Equal(t, 2, runs[0].Workers)
	assert.Equal(t, 1, runs[0].States[WorkerStateFailed])
	assert.Equal(t, "a", runs[1].RunID)
}

func TestWorkerState_Terminal(t *testing.T) {
	assert.False(t, WorkerStateStarting.Terminal())
	assert.False(t, WorkerStateReady.Terminal())
	assert.False(t, WorkerStateRunning.Terminal())
	assert.True(t, WorkerStateFailed.Terminal())
	assert.True(t, WorkerStateStopped.Terminal())
	assert.True(t, WorkerStateUnknown.Terminal())
}

func TestTracker_UpdateAndHeartbeat(t *testing.T) {
	s := NewStore(t.TempDir())
	tr, err := NewTracker(s, WorkerRecord{RunID: "run", Rank: 2, State: WorkerStateStarting})
	require.NoError(t, err)

	require.NoError(t, tr.Update(func(r *WorkerRecord) { r.State = WorkerStateRunning }))

	stop := tr.StartHeartbeat(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		got, err := s.Get("run", 2)
		return err == nil && got.LastHeartbeat != nil
	}, 2*time.Second, 10*time.Millisecond)
	stop()
	stop()

	snap := tr.Snapshot()
	assert.Equal(t, WorkerStateRunning, snap.State)
}

func TestTracker_NilStore(t *testing.T) {
	tr, err := NewTracker(nil, WorkerRecord{RunID: "run"})
	require.NoError(t, err)
	require.NoError(t, tr.Update(func(r *WorkerRecord) { r.State = WorkerStateStopped }))
	tr.StartHeartbeat(context.Background(), time.Millisecond)()
	assert.Equal(t, WorkerStateStopped, tr.Snapshot().State)
}
