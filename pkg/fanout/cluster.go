package fanout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/pkg/output"
)

// Node report reasons.
const (
	NodeReasonFailed       = "node_failed"
	NodeReasonLaunchFailed = "launch_failed"
	NodeReasonNoReport     = "no_report"
)

// LaunchRequest asks a Launcher to run one node agent per node.
type LaunchRequest struct {
	RunID string
	Nodes int

	// NodeArgs returns the agent arguments for nodeIndex.
	NodeArgs func(nodeIndex int) []string

	// Env is added to every agent's environment.
	Env []string
}

// NodeReport is a node agent's terminal status.
type NodeReport struct {
	NodeIndex int
	ExitCode  int
	Reason    string
	Err       error
}

// OK reports whether the node agent exited zero.
func (r NodeReport) OK() bool {
	return r.Err == nil && r.ExitCode == 0 && r.Reason == ""
}

// Launcher dispatches node agents and streams one NodeReport per node. The
// channel is closed once every dispatched agent has been reported.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (<-chan NodeReport, error)
}

// ClusterResult aggregates every node of a run.
type ClusterResult struct {
	Nodes  []NodeReport
	Failed int

	// Err is set when the launcher itself failed.
	Err error
}

// OK reports whether every node agent succeeded.
func (r ClusterResult) OK() bool {
	return r.Err == nil && r.Failed == 0
}

// ClusterOptions configures RunCluster.
type ClusterOptions struct {
	Logger *zap.Logger
	Events output.Writer
}

// RunCluster dispatches the node agents and waits for every node. One node
// failing never cancels its siblings; nodes that never report are recorded
// as failed.
func RunCluster(ctx context.Context, launcher Launcher, req LaunchRequest, opts ClusterOptions) ClusterResult {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = output.NopWriter{}
	}

	var res ClusterResult
	reports := make(map[int]NodeReport, req.Nodes)

	if req.Nodes <= 0 {
		res.Err = fmt.Errorf("node count must be >= 1 (got %d)", req.Nodes)
		return res
	}

	ch, err := launcher.Launch(ctx, req)
	if err != nil {
		res.Err = fmt.Errorf("launch nodes: %w", err)
		log.Error("launcher failed", zap.Error(err))
		for i := 0; i < req.Nodes; i++ {
			reports[i] = NodeReport{NodeIndex: i, ExitCode: -1, Reason: NodeReasonLaunchFailed, Err: err}
		}
	} else {
		for rep := range ch {
			if rep.NodeIndex < 0 || rep.NodeIndex >= req.Nodes {
				log.Warn("ignoring report for unknown node", zap.Int("node", rep.NodeIndex))
				continue
			}
			if _, seen := reports[rep.NodeIndex]; seen {
				log.Warn("duplicate node report", zap.Int("node", rep.NodeIndex))
				continue
			}
			if rep.Reason == "" && (rep.ExitCode != 0 || rep.Err != nil) {
				rep.Reason = NodeReasonFailed
			}
			reports[rep.NodeIndex] = rep
			logNode(log, rep)
		}
	}

	for i := 0; i < req.Nodes; i++ {
		rep, ok := reports[i]
		if !ok {
			rep = NodeReport{NodeIndex: i, ExitCode: -1, Reason: NodeReasonNoReport}
			logNode(log, rep)
		}
		if !rep.OK() {
			res.Failed++
		}
		res.Nodes = append(res.Nodes, rep)

		code := rep.ExitCode
		_ = events.WriteNode(context.WithoutCancel(ctx), &output.NodeRecord{
			NodeIndex: rep.NodeIndex,
			Reason:    rep.Reason,
			ExitCode:  &code,
		})
	}

	log.Info("cluster joined", zap.Int("nodes", req.Nodes), zap.Int("failed", res.Failed))
	return res
}

func logNode(log *zap.Logger, rep NodeReport) {
	if rep.OK() {
		log.Info("node finished", zap.Int("node", rep.NodeIndex))
		return
	}
	log.Warn("node failed",
		zap.Int("node", rep.NodeIndex),
		zap.Int("exit_code", rep.ExitCode),
		zap.String("reason", rep.Reason),
		zap.Error(rep.Err))
}
