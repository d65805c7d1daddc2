// Package topology partitions the GPUs of a cluster into inference instances.
//
// A cluster is described by its node count, GPUs per node and the tensor and
// pipeline parallel sizes of the model. Each instance owns a contiguous,
// exclusive set of TP*PP GPUs on one node; GPUs that do not fill a whole
// instance are left unused.
//
// Planning is pure: the same topology always yields the same instances, ranks
// and GPU sets, which is what keeps shard naming stable across nodes.
package topology

import (
	"fmt"
)

// ClusterTopology describes the hardware a run is planned against.
type ClusterTopology struct {
	TotalNodes           int `json:"total_nodes" yaml:"total_nodes"`
	GPUsPerNode          int `json:"gpus_per_node" yaml:"gpus_per_node"`
	TensorParallelSize   int `json:"tensor_parallel_size" yaml:"tensor_parallel_size"`
	PipelineParallelSize int `json:"pipeline_parallel_size" yaml:"pipeline_parallel_size"`
}

// GPUsPerInstance is the number of GPUs one instance occupies (TP*PP).
func (t ClusterTopology) GPUsPerInstance() int {
	return t.TensorParallelSize * t.PipelineParallelSize
}

// ConfigurationError reports a topology that cannot host any instance.
type ConfigurationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "topology: " + e.Field + ": " + e.Message
}

// Plan is the validated result of planning a ClusterTopology.
type Plan struct {
	Topology ClusterTopology `json:"topology"`

	// InstancesPerNode is floor(GPUsPerNode / (TP*PP)); always >= 1.
	InstancesPerNode int `json:"instances_per_node"`

	// WorldSize is TotalNodes * InstancesPerNode.
	WorldSize int `json:"world_size"`

	// UnusedGPUsPerNode is the remainder left idle on every node.
	UnusedGPUsPerNode int `json:"unused_gpus_per_node"`
}

// PlanCluster validates t and derives the per-node instance count and the
// world size.
func PlanCluster(t ClusterTopology) (Plan, error) {
	switch {
	case t.TotalNodes <= 0:
		return Plan{}, &ConfigurationError{Field: "total_nodes", Message: fmt.Sprintf("must be >= 1 (got %d)", t.TotalNodes)}
	case t.GPUsPerNode <= 0:
		return Plan{}, &ConfigurationError{Field: "gpus_per_node", Message: fmt.Sprintf("must be >= 1 (got %d)", t.GPUsPerNode)}
	case t.TensorParallelSize <= 0:
		return Plan{}, &ConfigurationError{Field: "tensor_parallel_size", Message: fmt.Sprintf("must be >= 1 (got %d)", t.TensorParallelSize)}
	case t.PipelineParallelSize <= 0:
		return Plan{}, &ConfigurationError{Field: "pipeline_parallel_size", Message: fmt.Sprintf("must be >= 1 (got %d)", t.PipelineParallelSize)}
	}

	per := t.GPUsPerInstance()
	if per > t.GPUsPerNode {
		return Plan{}, &ConfigurationError{
			Field:   "tensor_parallel_size*pipeline_parallel_size",
			Message: fmt.Sprintf("instance needs %d GPUs but a node only has %d", per, t.GPUsPerNode),
		}
	}

	instances := t.GPUsPerNode / per
	return Plan{
		Topology:          t,
		InstancesPerNode:  instances,
		WorldSize:         t.TotalNodes * instances,
		UnusedGPUsPerNode: t.GPUsPerNode - instances*per,
	}, nil
}

// InstancePlan is the immutable identity of one instance within a run.
type InstancePlan struct {
	NodeIndex  int   `json:"node_index"`
	LocalIndex int   `json:"local_index"`
	GPUIDs     []int `json:"gpu_ids"`
	Port       int   `json:"port"`
	GlobalRank int   `json:"global_rank"`
	WorldSize  int   `json:"world_size"`
}

// NodeOptions controls how a node's instances are materialised.
type NodeOptions struct {
	// BasePort is the port of local instance 0; instance i listens on BasePort+i.
	BasePort int

	// VisibleDevices optionally maps logical GPU slots to physical device ids
	// (for example the node's CUDA_VISIBLE_DEVICES). When empty, slot i is GPU i.
	VisibleDevices []int
}

// Instances returns the InstancePlans hosted on nodeIndex, ordered by local index.
func (p Plan) Instances(nodeIndex int, opts NodeOptions) ([]InstancePlan, error) {
	if nodeIndex < 0 || nodeIndex >= p.Topology.TotalNodes {
		return nil, &ConfigurationError{Field: "node_index", Message: fmt.Sprintf("%d is outside [0, %d)", nodeIndex, p.Topology.TotalNodes)}
	}
	if opts.BasePort <= 0 || opts.BasePort+p.InstancesPerNode-1 > 65535 {
		return nil, &ConfigurationError{Field: "base_port", Message: fmt.Sprintf("%d cannot host %d instances", opts.BasePort, p.InstancesPerNode)}
	}
	if len(opts.VisibleDevices) > 0 && len(opts.VisibleDevices) < p.Topology.GPUsPerNode {
		return nil, &ConfigurationError{
			Field:   "visible_devices",
			Message: fmt.Sprintf("%d devices visible but gpus_per_node is %d", len(opts.VisibleDevices), p.Topology.GPUsPerNode),
		}
	}

	per := p.Topology.GPUsPerInstance()
	out := make([]InstancePlan, 0, p.InstancesPerNode)
	for local := 0; local < p.InstancesPerNode; local++ {
		ids := make([]int, per)
		for j := 0; j < per; j++ {
			slot := local*per + j
			if len(opts.VisibleDevices) > 0 {
				ids[j] = opts.VisibleDevices[slot]
			} else {
				ids[j] = slot
			}
		}
		a := Assign(nodeIndex, local, p.InstancesPerNode, p.Topology.TotalNodes)
		out = append(out, InstancePlan{
			NodeIndex:  nodeIndex,
			LocalIndex: local,
			GPUIDs:     ids,
			Port:       opts.BasePort + local,
			GlobalRank: a.GlobalRank,
			WorldSize:  a.WorldSize,
		})
	}
	return out, nil
}
