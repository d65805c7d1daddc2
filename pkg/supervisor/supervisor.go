// Package supervisor runs one inference instance from launch to teardown.
//
// Supervise starts the inference server on the instance's GPU set, gates on
// readiness, runs the evaluation worker against the ready server and always
// tears the server's process group down before returning. Each instance is
// supervised independently; a failure is reported in the Result and never
// affects sibling instances.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/pkg/jobregistry"
	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/topology"
)

// State is the lifecycle state of a supervised instance.
type State = jobregistry.WorkerState

const (
	StateStarting = jobregistry.WorkerStateStarting
	StateReady    = jobregistry.WorkerStateReady
	StateRunning  = jobregistry.WorkerStateRunning
	StateFailed   = jobregistry.WorkerStateFailed
	StateStopped  = jobregistry.WorkerStateStopped
)

// Reason explains a failed Result.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonLaunchFailure        Reason = "launch_failure"
	ReasonStartupTimeout       Reason = "startup_timeout"
	ReasonServerExited         Reason = "server_exited"
	ReasonWorkerProcessFailure Reason = "worker_process_failure"
	ReasonCancelled            Reason = "cancelled"
)

// Sentinel errors.
var (
	// ErrStartupTimeout means the server never answered its readiness probe
	// within the startup ceiling.
	ErrStartupTimeout = errors.New("inference server did not become ready before the startup timeout")

	// ErrServerExited means the server process ended while readiness was
	// being awaited.
	ErrServerExited = errors.New("inference server exited before becoming ready")
)

// WorkerProcessError reports a non-zero exit of the evaluation worker.
type WorkerProcessError struct {
	Rank     int
	ExitCode int
	Err      error
}

func (e *WorkerProcessError) Error() string {
	return fmt.Sprintf("evaluation worker rank %d exited with code %d", e.Rank, e.ExitCode)
}

func (e *WorkerProcessError) Unwrap() error { return e.Err }

// Defaults.
const (
	DefaultHost            = "127.0.0.1"
	DefaultAPIPath         = "/v1"
	DefaultReadinessPath   = "/models"
	DefaultProbeInterval   = 5 * time.Second
	DefaultStartupTimeout  = 3600 * time.Second
	DefaultStopGracePeriod = 30 * time.Second
)

// Config configures a Supervisor. Zero values take the package defaults.
type Config struct {
	Model                string
	MaxModelLen          int
	TensorParallelSize   int
	PipelineParallelSize int

	// ServerCommand is the inference server argv; each element is a
	// text/template rendered against TemplateData.
	ServerCommand []string
	Host          string

	// APIPath is appended to http://host:port to form the base URL handed to
	// the evaluation worker; ReadinessPath is appended to the base URL.
	APIPath       string
	ReadinessPath string

	ProbeInterval   time.Duration
	StartupTimeout  time.Duration
	StopGracePeriod time.Duration

	// EvalCommand is the evaluation worker argv, rendered like ServerCommand.
	EvalCommand []string

	// EvalConfigTemplate renders the per-rank descriptor. Empty writes the
	// JSON form of TemplateData.
	EvalConfigTemplate string
	EvalEnv            map[string]string

	// ResultsDir is where the evaluation worker writes its shard.
	ResultsDir string

	// WorkDir hosts the per-rank temp directories. Empty uses os.TempDir().
	WorkDir string

	Registry          *jobregistry.Store
	HeartbeatInterval time.Duration

	Events     output.Writer
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Supervisor supervises instances. It is safe for concurrent use; one
// Supervise call per instance.
type Supervisor struct {
	cfg    Config
	log    *zap.Logger
	client *http.Client
	events output.Writer
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Supervisor, error) {
	if len(cfg.EvalCommand) == 0 {
		return nil, fmt.Errorf("supervisor: evaluation command is required")
	}
	if len(cfg.ServerCommand) == 0 {
		cfg.ServerCommand = DefaultServerCommand
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.APIPath == "" {
		cfg.APIPath = DefaultAPIPath
	}
	if cfg.ReadinessPath == "" {
		cfg.ReadinessPath = DefaultReadinessPath
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = DefaultStopGracePeriod
	}

	s := &Supervisor{cfg: cfg, log: cfg.Logger, client: cfg.HTTPClient, events: cfg.Events}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.events == nil {
		s.events = output.NopWriter{}
	}
	return s, nil
}

// Result is the terminal outcome of one instance.
type Result struct {
	Plan      topology.InstancePlan
	State     State
	Reason    Reason
	ExitCode  *int
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// OK reports whether the instance completed its evaluation.
func (r Result) OK() bool {
	return r.State == StateStopped && r.Reason == ReasonNone
}

// instance is the live state of one supervised instance.
type instance struct {
	plan    topology.InstancePlan
	runID   string
	tracker *jobregistry.Tracker
}

// Supervise runs plan to completion. It always returns a Result with a
// terminal state and never leaves the server process group running.
func (s *Supervisor) Supervise(ctx context.Context, plan topology.InstancePlan, runID string) Result {
	res := Result{Plan: plan, StartedAt: time.Now().UTC()}
	log := s.log.With(
		zap.String("run_id", runID),
		zap.Int("rank", plan.GlobalRank),
		zap.Int("node", plan.NodeIndex),
		zap.Int("local", plan.LocalIndex),
		zap.Int("port", plan.Port),
		zap.String("gpus", topology.FormatGPUIDs(plan.GPUIDs)),
	)

	h := &instance{plan: plan, runID: runID}
	if tr, err := s.newTracker(plan, runID); err != nil {
		log.Warn("worker registry unavailable", zap.Error(err))
	} else if tr != nil {
		h.tracker = tr
		stop := tr.StartHeartbeat(ctx, s.cfg.HeartbeatInterval)
		defer stop()
	}

	finish := func(state State, reason Reason, err error, code *int) Result {
		res.State, res.Reason, res.Err, res.ExitCode = state, reason, err, code
		res.EndedAt = time.Now().UTC()
		s.transition(ctx, h, state, reason, code)
		if reason != ReasonNone {
			log.Error("worker failed", zap.String("reason", string(reason)), zap.Error(err))
		} else {
			log.Info("worker finished", zap.Duration("elapsed", res.EndedAt.Sub(res.StartedAt)))
		}
		return res
	}

	s.transition(ctx, h, StateStarting, ReasonNone, nil)

	tmpDir, err := s.makeTempDir(plan)
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, err, nil)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	data := s.templateData(plan, runID)

	serverArgv, err := RenderCommand(s.cfg.ServerCommand, data)
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, err, nil)
	}
	serverLog, err := s.openLog(h, tmpDir, "server.log")
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, err, nil)
	}
	defer func() { _ = serverLog.Close() }()

	serverCmd := exec.Command(serverArgv[0], serverArgv[1:]...)
	serverCmd.Stdout = serverLog
	serverCmd.Stderr = serverLog
	serverCmd.Env = append(os.Environ(), "CUDA_VISIBLE_DEVICES="+data.GPUs)

	server, err := startProcess(serverCmd)
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, fmt.Errorf("start inference server: %w", err), nil)
	}
	defer server.terminate(s.cfg.StopGracePeriod)
	s.update(h, func(r *jobregistry.WorkerRecord) { r.ServerPID = server.pid() })
	log.Info("inference server started", zap.Int("pid", server.pid()), zap.Strings("argv", serverArgv))

	readyURL := data.BaseURL + s.cfg.ReadinessPath
	if err := s.waitReady(ctx, readyURL, server); err != nil {
		switch {
		case errors.Is(err, ErrStartupTimeout):
			return finish(StateFailed, ReasonStartupTimeout, err, nil)
		case errors.Is(err, ErrServerExited):
			code := server.exitCode()
			return finish(StateFailed, ReasonServerExited, err, &code)
		default:
			return finish(StateFailed, ReasonCancelled, err, nil)
		}
	}
	s.update(h, func(r *jobregistry.WorkerRecord) {
		now := time.Now().UTC()
		r.ReadyAt = &now
	})
	s.transition(ctx, h, StateReady, ReasonNone, nil)
	log.Info("inference server ready", zap.String("base_url", data.BaseURL))

	descriptor := filepath.Join(tmpDir, "eval-config")
	body, err := renderDescriptor(s.cfg.EvalConfigTemplate, data)
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, err, nil)
	}
	if err := os.WriteFile(descriptor, body, 0o600); err != nil {
		return finish(StateFailed, ReasonLaunchFailure, fmt.Errorf("write descriptor: %w", err), nil)
	}
	data.ConfigPath = descriptor

	evalArgv, err := RenderCommand(s.cfg.EvalCommand, data)
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, err, nil)
	}
	evalLog, err := s.openLog(h, tmpDir, "eval.log")
	if err != nil {
		return finish(StateFailed, ReasonLaunchFailure, err, nil)
	}
	defer func() { _ = evalLog.Close() }()

	evalCmd := exec.Command(evalArgv[0], evalArgv[1:]...)
	evalCmd.Stdout = evalLog
	evalCmd.Stderr = evalLog
	evalCmd.Env = append(os.Environ(), s.evalEnv(data)...)
	if s.cfg.ResultsDir != "" {
		if err := os.MkdirAll(s.cfg.ResultsDir, 0o755); err != nil {
			return finish(StateFailed, ReasonLaunchFailure, fmt.Errorf("create results dir: %w", err), nil)
		}
	}

	worker, err := startProcess(evalCmd)
	if err != nil {
		return finish(StateFailed, ReasonWorkerProcessFailure, fmt.Errorf("start evaluation worker: %w", err), nil)
	}
	defer worker.terminate(s.cfg.StopGracePeriod)
	s.update(h, func(r *jobregistry.WorkerRecord) { r.EvalPID = worker.pid() })
	s.transition(ctx, h, StateRunning, ReasonNone, nil)
	log.Info("evaluation worker started", zap.Int("pid", worker.pid()), zap.Strings("argv", evalArgv))

	select {
	case <-worker.exited:
	case <-ctx.Done():
		worker.terminate(s.cfg.StopGracePeriod)
		return finish(StateFailed, ReasonCancelled, ctx.Err(), nil)
	}

	code := worker.exitCode()
	if code != 0 {
		return finish(StateFailed, ReasonWorkerProcessFailure,
			&WorkerProcessError{Rank: plan.GlobalRank, ExitCode: code, Err: worker.err}, &code)
	}
	return finish(StateStopped, ReasonNone, nil, &code)
}

func (s *Supervisor) baseURL(plan topology.InstancePlan) string {
	return "http://" + s.cfg.Host + ":" + strconv.Itoa(plan.Port) + strings.TrimRight(s.cfg.APIPath, "/")
}

func (s *Supervisor) evalEnv(data TemplateData) []string {
	env := []string{
		"EVALFLEET_BASE_URL=" + data.BaseURL,
		"EVALFLEET_RANK=" + strconv.Itoa(data.Rank),
		"EVALFLEET_WORLD_SIZE=" + strconv.Itoa(data.WorldSize),
		"EVALFLEET_NODE_INDEX=" + strconv.Itoa(data.NodeIndex),
		"EVALFLEET_RUN_ID=" + data.RunID,
		"EVALFLEET_CONFIG=" + data.ConfigPath,
		"EVALFLEET_RESULTS_DIR=" + data.ResultsDir,
		"SLURM_NODEID=" + strconv.Itoa(data.NodeIndex),
	}
	for k, v := range s.cfg.EvalEnv {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Supervisor) makeTempDir(plan topology.InstancePlan) (string, error) {
	base := s.cfg.WorkDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, fmt.Sprintf("evalfleet-rank%d-", plan.GlobalRank))
	if err != nil {
		return "", fmt.Errorf("create rank temp dir: %w", err)
	}
	return dir, nil
}

// openLog opens a process log in the worker registry, or in the rank temp
// dir when no registry is configured.
func (s *Supervisor) openLog(h *instance, tmpDir, name string) (io.WriteCloser, error) {
	dir := tmpDir
	if s.cfg.Registry != nil {
		dir = s.cfg.Registry.WorkerDir(h.runID, h.plan.GlobalRank)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create worker dir: %w", err)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	s.update(h, func(r *jobregistry.WorkerRecord) {
		switch name {
		case "server.log":
			r.ServerLogPath = path
		case "eval.log":
			r.EvalLogPath = path
		}
	})
	return f, nil
}

func (s *Supervisor) newTracker(plan topology.InstancePlan, runID string) (*jobregistry.Tracker, error) {
	if s.cfg.Registry == nil {
		return nil, nil
	}
	host, _ := os.Hostname()
	return jobregistry.NewTracker(s.cfg.Registry, jobregistry.WorkerRecord{
		RunID:      runID,
		AttemptID:  uuid.New().String(),
		Rank:       plan.GlobalRank,
		WorldSize:  plan.WorldSize,
		NodeIndex:  plan.NodeIndex,
		LocalIndex: plan.LocalIndex,
		Port:       plan.Port,
		GPUIDs:     plan.GPUIDs,
		Hostname:   host,
		State:      StateStarting,
		AgentPID:   os.Getpid(),
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Supervisor) update(h *instance, fn func(r *jobregistry.WorkerRecord)) {
	if h.tracker == nil {
		return
	}
	if err := h.tracker.Update(fn); err != nil {
		s.log.Warn("persist worker record", zap.Int("rank", h.plan.GlobalRank), zap.Error(err))
	}
}

func (s *Supervisor) transition(ctx context.Context, h *instance, state State, reason Reason, code *int) {
	s.update(h, func(r *jobregistry.WorkerRecord) {
		r.State = state
		r.Reason = string(reason)
		r.ExitCode = code
		if state.Terminal() {
			now := time.Now().UTC()
			r.EndedAt = &now
		}
	})

	// Events outlive a cancelled supervise context.
	_ = s.events.WriteWorker(context.WithoutCancel(ctx), &output.WorkerRecord{
		Rank:       h.plan.GlobalRank,
		WorldSize:  h.plan.WorldSize,
		NodeIndex:  h.plan.NodeIndex,
		LocalIndex: h.plan.LocalIndex,
		Port:       h.plan.Port,
		GPUIDs:     h.plan.GPUIDs,
		State:      string(state),
		Reason:     string(reason),
		ExitCode:   code,
	})
}
