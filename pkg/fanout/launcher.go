package fanout

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/pkg/jobregistry"
)

// LocalLauncher runs every node agent as a child process of this host. It
// serves single-host runs and tests.
type LocalLauncher struct {
	Executor *jobregistry.Executor
	Logger   *zap.Logger
}

// Launch implements Launcher.
func (l *LocalLauncher) Launch(ctx context.Context, req LaunchRequest) (<-chan NodeReport, error) {
	if l.Executor == nil {
		return nil, fmt.Errorf("local launcher: executor is required")
	}
	return spawnAll(ctx, l.Executor, l.logger(), req, func(node int, args []string) jobregistry.NodeSpawn {
		return jobregistry.NodeSpawn{RunID: req.RunID, NodeIndex: node, Args: args, Env: req.Env}
	})
}

func (l *LocalLauncher) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

// SlurmLauncher runs one srun step per node inside the current allocation.
type SlurmLauncher struct {
	Executor *jobregistry.Executor

	// Srun is the srun binary; empty means "srun" on PATH.
	Srun string

	// ExtraArgs are inserted before the agent command (e.g. --gpus-per-task).
	ExtraArgs []string

	Logger *zap.Logger
}

// Launch implements Launcher.
func (l *SlurmLauncher) Launch(ctx context.Context, req LaunchRequest) (<-chan NodeReport, error) {
	if l.Executor == nil {
		return nil, fmt.Errorf("slurm launcher: executor is required")
	}
	if err := checkAllocation(req.Nodes); err != nil {
		return nil, err
	}
	self, err := l.Executor.SelfPath()
	if err != nil {
		return nil, err
	}
	srun := strings.TrimSpace(l.Srun)
	if srun == "" {
		srun = "srun"
	}

	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return spawnAll(ctx, l.Executor, log, req, func(node int, args []string) jobregistry.NodeSpawn {
		return jobregistry.NodeSpawn{
			RunID:     req.RunID,
			NodeIndex: node,
			Program:   srun,
			Args:      SrunArgs(node, l.ExtraArgs, self, args),
			Env:       req.Env,
		}
	})
}

// SrunArgs builds the srun argv that pins one task to the node at relative
// index node.
func SrunArgs(node int, extra []string, program string, args []string) []string {
	out := []string{
		"--nodes=1",
		"--ntasks=1",
		"--relative=" + strconv.Itoa(node),
		"--kill-on-bad-exit=0",
	}
	out = append(out, extra...)
	out = append(out, program)
	return append(out, args...)
}

// checkAllocation fails when running under Slurm with fewer nodes than the
// run needs. Outside an allocation srun reports its own error.
func checkAllocation(nodes int) error {
	v := strings.TrimSpace(os.Getenv("SLURM_JOB_NUM_NODES"))
	if v == "" {
		v = strings.TrimSpace(os.Getenv("SLURM_NNODES"))
	}
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	if n < nodes {
		return fmt.Errorf("slurm allocation has %d nodes but the run needs %d", n, nodes)
	}
	return nil
}

// spawnAll starts one process per node and reports each exit on the returned
// channel. Spawn errors are reported as launch failures for that node only.
func spawnAll(ctx context.Context, ex *jobregistry.Executor, log *zap.Logger, req LaunchRequest, spawn func(node int, args []string) jobregistry.NodeSpawn) (<-chan NodeReport, error) {
	if req.NodeArgs == nil {
		return nil, fmt.Errorf("launch request has no node arguments")
	}

	ch := make(chan NodeReport, req.Nodes)
	var wg conc.WaitGroup
	for node := 0; node < req.Nodes; node++ {
		wg.Go(func() {
			spec := spawn(node, req.NodeArgs(node))
			proc, err := ex.StartNode(ctx, spec)
			if err != nil {
				ch <- NodeReport{NodeIndex: node, ExitCode: -1, Reason: NodeReasonLaunchFailed, Err: err}
				return
			}
			log.Info("node agent started",
				zap.Int("node", node),
				zap.Int("pid", proc.Cmd.Process.Pid),
				zap.String("stdout", proc.StdoutPath),
				zap.String("stderr", proc.StderrPath))

			code, err := proc.Wait()
			ch <- NodeReport{NodeIndex: node, ExitCode: code, Err: err}
		})
	}

	go func() {
		defer close(ch)
		wg.Wait()
	}()
	return ch, nil
}
