package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/topology"
)

// readinessServer answers /v1/models with status() and returns the port.
func readinessServer(t *testing.T, status func() int) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status())
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

func testPlan(port int) topology.InstancePlan {
	return topology.InstancePlan{NodeIndex: 1, LocalIndex: 2, GPUIDs: []int{4, 5}, Port: port, GlobalRank: 6, WorldSize: 8}
}

func baseConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Model:              "org/model",
		MaxModelLen:        4096,
		TensorParallelSize: 2,
		ServerCommand:      []string{"/bin/sh", "-c", "sleep 30"},
		ProbeInterval:      20 * time.Millisecond,
		StartupTimeout:     5 * time.Second,
		StopGracePeriod:    time.Second,
		ResultsDir:         filepath.Join(t.TempDir(), "results"),
		WorkDir:            t.TempDir(),
		Registry:           jobregistry.NewStore(t.TempDir()),
	}
}

func assertProcessGone(t *testing.T, pid int) {
	t.Helper()
	require.Greater(t, pid, 0)
	err := syscall.Kill(pid, 0)
	assert.Error(t, err, "process %d should have been reaped", pid)
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-rank temp dirs must be removed")
}

func TestSupervise_Success(t *testing.T) {
	port := readinessServer(t, func() int { return http.StatusOK })
	cfg := baseConfig(t)
	cfg.EvalCommand = []string{"/bin/sh", "-c",
		`echo "$EVALFLEET_RANK $EVALFLEET_WORLD_SIZE $EVALFLEET_NODE_INDEX $SLURM_NODEID $EVALFLEET_RUN_ID $EVALFLEET_BASE_URL" > "$EVALFLEET_RESULTS_DIR/env_{{.Rank}}.txt" && cp "$EVALFLEET_CONFIG" "$EVALFLEET_RESULTS_DIR/descriptor.json"`}

	s, err := New(cfg)
	require.NoError(t, err)

	res := s.Supervise(context.Background(), testPlan(port), "20260118_0930")
	require.True(t, res.OK(), "result: %+v", res)
	assert.Equal(t, StateStopped, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)

	env, err := os.ReadFile(filepath.Join(cfg.ResultsDir, "env_6.txt"))
	require.NoError(t, err)
	assert.Equal(t, "6 8 1 1 20260118_0930 http://127.0.0.1:"+strconv.Itoa(port)+"/v1\n", string(env))

	desc, err := os.ReadFile(filepath.Join(cfg.ResultsDir, "descriptor.json"))
	require.NoError(t, err)
	assert.Contains(t, string(desc), `"gpus": "4,5"`)
	assert.Contains(t, string(desc), `"rank": 6`)

	rec, err := cfg.Registry.Get("20260118_0930", 6)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.WorkerStateStopped, rec.State)
	assert.NotNil(t, rec.ReadyAt)
	assert.NotNil(t, rec.EndedAt)
	assert.NotEmpty(t, rec.AttemptID)
	assertProcessGone(t, rec.ServerPID)
	assertWorkDirEmpty(t, cfg.WorkDir)
}

func TestSupervise_StartupTimeout(t *testing.T) {
	var probes atomic.Int32
	port := readinessServer(t, func() int {
		probes.Add(1)
		return http.StatusServiceUnavailable
	})
	cfg := baseConfig(t)
	cfg.StartupTimeout = 200 * time.Millisecond
	marker := filepath.Join(t.TempDir(), "ran")
	cfg.EvalCommand = []string{"/bin/sh", "-c", "touch " + marker}

	s, err := New(cfg)
	require.NoError(t, err)

	res := s.Supervise(context.Background(), testPlan(port), "run")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonStartupTimeout, res.Reason)
	assert.ErrorIs(t, res.Err, ErrStartupTimeout)
	assert.Greater(t, probes.Load(), int32(1))
	assert.NoFileExists(t, marker, "evaluation must not run without readiness")

	rec, err := cfg.Registry.Get("run", 6)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.WorkerStateFailed, rec.State)
	assert.Equal(t, "startup_timeout", rec.Reason)
	assertProcessGone(t, rec.ServerPID)
	assertWorkDirEmpty(t, cfg.WorkDir)
}

func TestSupervise_ServerExitsBeforeReady(t *testing.T) {
	port := readinessServer(t, func() int { return http.StatusServiceUnavailable })
	cfg := baseConfig(t)
	cfg.ServerCommand = []string{"/bin/sh", "-c", "exit 7"}
	cfg.EvalCommand = []string{"true"}

	s, err := New(cfg)
	require.NoError(t, err)

	res := s.Supervise(context.Background(), testPlan(port), "run")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonServerExited, res.Reason)
	assert.ErrorIs(t, res.Err, ErrServerExited)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 7, *res.ExitCode)
}

func TestSupervise_WorkerProcessFailure(t *testing.T) {
	port := readinessServer(t, func() int { return http.StatusOK })
	cfg := baseConfig(t)
	cfg.EvalCommand = []string{"/bin/sh", "-c", "exit 3"}

	s, err := New(cfg)
	require.NoError(t, err)

	res := s.Supervise(context.Background(), testPlan(port), "run")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonWorkerProcessFailure, res.Reason)

	var wpe *WorkerProcessError
	require.True(t, errors.As(res.Err, &wpe))
	assert.Equal(t, 3, wpe.ExitCode)
	assert.Equal(t, 6, wpe.Rank)

	rec, err := cfg.Registry.Get("run", 6)
	require.NoError(t, err)
	assertProcessGone(t, rec.ServerPID)
	assertWorkDirEmpty(t, cfg.WorkDir)
}

func TestSupervise_LaunchFailure(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ServerCommand = []string{"/nonexistent/vllm"}
	cfg.EvalCommand = []string{"true"}

	s, err := New(cfg)
	require.NoError(t, err)

	res := s.Supervise(context.Background(), testPlan(1), "run")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonLaunchFailure, res.Reason)
	assertWorkDirEmpty(t, cfg.WorkDir)
}

func TestSupervise_Cancelled(t *testing.T) {
	port := readinessServer(t, func() int { return http.StatusOK })
	cfg := baseConfig(t)
	cfg.EvalCommand = []string{"/bin/sh", "-c", "sleep 30"}

	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			rec, err := cfg.Registry.Get("run", 6)
			if err == nil && rec.State == jobregistry.WorkerStateRunning {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	start := time.Now()
	res := s.Supervise(ctx, testPlan(port), "run")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)

	rec, err := cfg.Registry.Get("run", 6)
	require.NoError(t, err)
	assertProcessGone(t, rec.ServerPID)
	assertProcessGone(t, rec.EvalPID)
}

func TestNew_RequiresEvalCommand(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRenderCommand_Default(t *testing.T) {
	argv, err := RenderCommand(DefaultServerCommand, TemplateData{
		Model: "org/model", Host: "0.0.0.0", Port: 8003,
		TensorParallelSize: 2, PipelineParallelSize: 1, MaxModelLen: 8192,
	})
	require.NoError(t, err)
	assert.Equal(t, "vllm serve org/model --host 0.0.0.0 --port 8003 --tensor-parallel-size 2 --pipeline-parallel-size 1 --max-model-len 8192",
		strings.Join(argv, " "))
}

func TestRenderCommand_Errors(t *testing.T) {
	_, err := RenderCommand(nil, TemplateData{})
	require.Error(t, err)

	_, err = RenderCommand([]string{"{{.Nope}}"}, TemplateData{})
	require.Error(t, err)

	_, err = RenderCommand([]string{"{{.Model}}"}, TemplateData{})
	require.Error(t, err, "empty program name")
}

func TestRenderDescriptor_Template(t *testing.T) {
	b, err := renderDescriptor("rank={{.Rank}} of {{.WorldSize}}\n", TemplateData{Rank: 3, WorldSize: 4})
	require.NoError(t, err)
	assert.Equal(t, "rank=3 of 4\n", string(b))
}
