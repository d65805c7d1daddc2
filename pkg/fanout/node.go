// Package fanout runs supervised instances in parallel on one node and node
// agents in parallel across a cluster.
//
// Lanes never share failure: under the default best-effort policy one
// instance failing, timing out or panicking leaves its siblings running, and
// the join waits for every lane before aggregating.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/supervisor"
	"github.com/3leaps/evalfleet/pkg/topology"
)

// Lane supervises one instance. *supervisor.Supervisor satisfies it.
type Lane interface {
	Supervise(ctx context.Context, plan topology.InstancePlan, runID string) supervisor.Result
}

// Policy decides what a lane failure does to its siblings.
type Policy string

const (
	// PolicyBestEffort lets siblings finish; partial output is reconciled.
	PolicyBestEffort Policy = "best-effort"

	// PolicyFailFast cancels the remaining lanes on the first failure.
	PolicyFailFast Policy = "fail-fast"
)

// ParsePolicy maps a manifest value to a Policy. Empty is best-effort.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBestEffort:
		return PolicyBestEffort, nil
	case PolicyFailFast:
		return PolicyFailFast, nil
	}
	return "", fmt.Errorf("unknown instance failure policy %q", s)
}

// ReasonPanic marks a lane whose supervisor panicked.
const ReasonPanic supervisor.Reason = "panic"

// NodeOptions configures RunNode.
type NodeOptions struct {
	Policy Policy

	// LaunchInterval spaces lane starts; zero starts all lanes at once.
	LaunchInterval time.Duration

	Logger *zap.Logger
	Events output.Writer
}

// NodeResult aggregates every lane of one node.
type NodeResult struct {
	NodeIndex int
	Results   []supervisor.Result
	Succeeded int
	Failed    int
}

// OK reports whether every lane completed its evaluation.
func (r NodeResult) OK() bool {
	return r.Failed == 0 && r.Succeeded == len(r.Results)
}

// RunNode supervises plans concurrently and returns after every lane has
// reached a terminal state. Results are ordered like plans.
func RunNode(ctx context.Context, lane Lane, plans []topology.InstancePlan, runID string, opts NodeOptions) NodeResult {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	events := opts.Events
	if events == nil {
		events = output.NopWriter{}
	}

	nodeIndex := -1
	if len(plans) > 0 {
		nodeIndex = plans[0].NodeIndex
	}

	laneCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter *rate.Limiter
	if opts.LaunchInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.LaunchInterval), 1)
	}

	results := make([]supervisor.Result, len(plans))
	var wg conc.WaitGroup
	for i, plan := range plans {
		wg.Go(func() {
			results[i] = runLane(laneCtx, lane, plan, runID, limiter)
			if !results[i].OK() && opts.Policy == PolicyFailFast {
				log.Warn("fail-fast: cancelling sibling lanes", zap.Int("rank", plan.GlobalRank))
				cancel()
			}
		})
	}
	wg.Wait()

	res := NodeResult{NodeIndex: nodeIndex, Results: results}
	for _, r := range results {
		if r.OK() {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	log.Info("node lanes joined",
		zap.Int("node", nodeIndex),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	_ = events.WriteNode(context.WithoutCancel(ctx), &output.NodeRecord{
		NodeIndex: nodeIndex,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
	})
	return res
}

func runLane(ctx context.Context, lane Lane, plan topology.InstancePlan, runID string, limiter *rate.Limiter) supervisor.Result {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return failed(plan, supervisor.ReasonCancelled, err)
		}
	}

	var res supervisor.Result
	var catcher panics.Catcher
	catcher.Try(func() {
		res = lane.Supervise(ctx, plan, runID)
	})
	if r := catcher.Recovered(); r != nil {
		return failed(plan, ReasonPanic, r.AsError())
	}
	return res
}

func failed(plan topology.InstancePlan, reason supervisor.Reason, err error) supervisor.Result {
	now := time.Now().UTC()
	return supervisor.Result{
		Plan:      plan,
		State:     supervisor.StateFailed,
		Reason:    reason,
		Err:       err,
		StartedAt: now,
		EndedAt:   now,
	}
}
