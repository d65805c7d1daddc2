package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Executor spawns node agents as local child processes, capturing
// stdout/stderr to per-node log files in the registry.
type Executor struct {
	store *Store

	// Executable overrides the binary to spawn. Empty means os.Executable().
	Executable string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(runID string, nodeIndex int) string {
	return filepath.Join(e.store.NodeDir(runID, nodeIndex), "stdout.log")
}

func (e *Executor) StderrPath(runID string, nodeIndex int) string {
	return filepath.Join(e.store.NodeDir(runID, nodeIndex), "stderr.log")
}

// SelfPath is the agent binary: Executable when set, else os.Executable().
func (e *Executor) SelfPath() (string, error) {
	if exe := strings.TrimSpace(e.Executable); exe != "" {
		return exe, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

// NodeSpawn describes one node agent process.
type NodeSpawn struct {
	RunID     string
	NodeIndex int

	// Program overrides the executable for this spawn (for example srun
	// wrapping the agent).
	Program string

	// Args are passed to the program verbatim.
	Args []string

	// Env is appended to the current environment.
	Env []string
}

// NodeProcess is a started node agent.
type NodeProcess struct {
	Cmd        *exec.Cmd
	StdoutPath string
	StderrPath string

	files []*os.File
}

// StartNode starts a node agent and returns once the child is running.
// Cancelling ctx kills the child.
func (e *Executor) StartNode(ctx context.Context, spec NodeSpawn) (*NodeProcess, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if strings.TrimSpace(spec.RunID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	dir := e.store.NodeDir(spec.RunID, spec.NodeIndex)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create node dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(spec.RunID, spec.NodeIndex))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(e.StderrPath(spec.RunID, spec.NodeIndex))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	exe := strings.TrimSpace(spec.Program)
	if exe == "" {
		exe, err = e.SelfPath()
		if err != nil {
			_ = stdoutFile.Close()
			_ = stderrFile.Close()
			return nil, err
		}
	}

	cmd := exec.CommandContext(ctx, exe, spec.Args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("start node agent %d: %w", spec.NodeIndex, err)
	}

	return &NodeProcess{
		Cmd:        cmd,
		StdoutPath: stdoutFile.Name(),
		StderrPath: stderrFile.Name(),
		files:      []*os.File{stdoutFile, stderrFile},
	}, nil
}

// Wait blocks until the node agent exits and returns its exit code.
// A non-nil error means the status could not be determined.
func (p *NodeProcess) Wait() (int, error) {
	defer func() {
		for _, f := range p.files {
			_ = f.Close()
		}
	}()

	err := p.Cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
