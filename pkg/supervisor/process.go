package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// process is a child started in its own process group so that the whole
// tree can be signalled at once.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func startProcess(cmd *exec.Cmd) (*process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitCode is valid once exited is closed.
func (p *process) exitCode() int {
	if p.err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// terminate sends SIGTERM to the group, waits up to grace, then SIGKILLs the
// group and reaps the leader. Safe to call on an already exited process.
func (p *process) terminate(grace time.Duration) {
	if p == nil {
		return
	}
	pgid := p.pid()

	select {
	case <-p.exited:
		// The leader is gone; stragglers in its group are not.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	default:
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	<-p.exited
}
