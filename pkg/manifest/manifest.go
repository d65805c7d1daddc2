// Package manifest provides loading and validation of evalfleet fleet manifests.
//
// A fleet manifest is a YAML or JSON file that describes one distributed
// evaluation run: the model, the cluster topology, the inference server and
// evaluation worker commands, where shards land and where merged results are
// published.
//
// Manifests are validated against an embedded JSON Schema before they are
// decoded. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	model:
//	  name: meta-llama/Llama-3.1-8B-Instruct
//	  max_model_len: 8192
//	topology:
//	  total_nodes: 2
//	  gpus_per_node: 8
//	  tensor_parallel_size: 2
//	eval:
//	  command: ["twinkle-eval", "--config", "{{.ConfigPath}}"]
//	results:
//	  location: /shared/results
//	publish:
//	  destination: s3://eval-artifacts/
//	  variant: nightly
package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/evalfleet/pkg/shard"
	"github.com/3leaps/evalfleet/pkg/topology"
)

// Manifest represents a validated fleet manifest.
//
// Required sections are Model, Topology, Eval and Results. Everything else is
// optional with defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Model    ModelConfig    `json:"model" yaml:"model"`
	Topology TopologyConfig `json:"topology" yaml:"topology"`
	Server   ServerConfig   `json:"server,omitempty" yaml:"server,omitempty"`
	Eval     EvalConfig     `json:"eval" yaml:"eval"`
	Results  ResultsConfig  `json:"results" yaml:"results"`
	Storage  StorageConfig  `json:"storage,omitempty" yaml:"storage,omitempty"`
	Publish  PublishConfig  `json:"publish,omitempty" yaml:"publish,omitempty"`
	Policy   PolicyConfig   `json:"policy,omitempty" yaml:"policy,omitempty"`
	Launcher LauncherConfig `json:"launcher,omitempty" yaml:"launcher,omitempty"`
}

// ModelConfig names the model every instance serves.
type ModelConfig struct {
	Name        string `json:"name" yaml:"name"`
	MaxModelLen int    `json:"max_model_len,omitempty" yaml:"max_model_len,omitempty"`
}

// TopologyConfig describes the allocation. TensorParallelSize and
// PipelineParallelSize default to 1.
type TopologyConfig struct {
	TotalNodes           int `json:"total_nodes" yaml:"total_nodes"`
	GPUsPerNode          int `json:"gpus_per_node" yaml:"gpus_per_node"`
	TensorParallelSize   int `json:"tensor_parallel_size,omitempty" yaml:"tensor_parallel_size,omitempty"`
	PipelineParallelSize int `json:"pipeline_parallel_size,omitempty" yaml:"pipeline_parallel_size,omitempty"`

	// BasePort is the port of local instance 0. Default: 8000.
	BasePort int `json:"base_port,omitempty" yaml:"base_port,omitempty"`

	// VisibleDevices maps logical GPU slots to physical ids, e.g. "4,5,6,7".
	VisibleDevices string `json:"visible_devices,omitempty" yaml:"visible_devices,omitempty"`
}

// ServerConfig configures the inference server and its readiness gate.
type ServerConfig struct {
	// Command is the server argv. Each element is a text/template. Empty uses
	// the built-in vllm command.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	Host          string `json:"host,omitempty" yaml:"host,omitempty"`
	APIPath       string `json:"api_path,omitempty" yaml:"api_path,omitempty"`
	ReadinessPath string `json:"readiness_path,omitempty" yaml:"readiness_path,omitempty"`

	ProbeInterval   Duration `json:"probe_interval,omitempty" yaml:"probe_interval,omitempty"`
	StartupTimeout  Duration `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty"`
	StopGracePeriod Duration `json:"stop_grace_period,omitempty" yaml:"stop_grace_period,omitempty"`
}

// EvalConfig configures the evaluation worker started once the server is ready.
type EvalConfig struct {
	Command []string `json:"command" yaml:"command"`

	// ConfigTemplate renders the per-rank descriptor handed to the worker as
	// {{.ConfigPath}}. Empty writes the JSON form of the template data.
	ConfigTemplate string `json:"config_template,omitempty" yaml:"config_template,omitempty"`

	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// ResultsConfig configures the shared results location.
type ResultsConfig struct {
	// Location is a local path, file:// URL or s3://bucket/prefix.
	Location string `json:"location" yaml:"location"`

	// ShardPattern must contain {run_id}.
	ShardPattern string `json:"shard_pattern,omitempty" yaml:"shard_pattern,omitempty"`

	// CleanupShards removes shard inputs after a successful merge.
	CleanupShards bool `json:"cleanup_shards,omitempty" yaml:"cleanup_shards,omitempty"`

	ReadConcurrency int `json:"read_concurrency,omitempty" yaml:"read_concurrency,omitempty"`
}

// StorageConfig carries S3 connection settings shared by the results
// location and the publish destination.
type StorageConfig struct {
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile  string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// PublishConfig configures where merged results are uploaded. An empty
// Destination disables publishing.
type PublishConfig struct {
	Destination string          `json:"destination,omitempty" yaml:"destination,omitempty"`
	Variant     string          `json:"variant,omitempty" yaml:"variant,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Preflight   PreflightConfig `json:"preflight,omitempty" yaml:"preflight,omitempty"`
}

// PreflightConfig controls how aggressively the publish destination is
// probed before any worker starts.
//
// - plan-only: no provider calls
// - read-safe: list and head only
// - write-probe: a minimal write that is cleaned up immediately
type PreflightConfig struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// ProbeStrategy is multipart-abort or put-delete. Empty picks
	// multipart-abort when the destination supports it.
	ProbeStrategy string `json:"probe_strategy,omitempty" yaml:"probe_strategy,omitempty"`
	ProbePrefix   string `json:"probe_prefix,omitempty" yaml:"probe_prefix,omitempty"`
}

// PolicyConfig configures failure handling across lanes.
type PolicyConfig struct {
	OnInstanceFailure string   `json:"on_instance_failure,omitempty" yaml:"on_instance_failure,omitempty"`
	LaunchInterval    Duration `json:"launch_interval,omitempty" yaml:"launch_interval,omitempty"`
}

// LauncherConfig selects how node agents are dispatched.
type LauncherConfig struct {
	Type      string   `json:"type,omitempty" yaml:"type,omitempty"`
	Srun      string   `json:"srun,omitempty" yaml:"srun,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// Default values for optional configuration fields.
const (
	DefaultVersion         = "1.0"
	DefaultParallelSize    = 1
	DefaultBasePort        = 8000
	DefaultProbeInterval   = 5 * time.Second
	DefaultStartupTimeout  = 3600 * time.Second
	DefaultStopGracePeriod = 30 * time.Second
	DefaultReadConcurrency = 8
	DefaultVariant         = "default"
	DefaultMaxAttempts     = 3

	// DefaultPreflightMode probes the publish destination with a real write,
	// since publishing is the only write a run makes.
	DefaultPreflightMode = "write-probe"

	DefaultProbePrefix = "_evalfleet/probe/"
	DefaultPolicy      = "best-effort"
	DefaultLauncher    = "local"
)

// Launcher types.
const (
	LauncherLocal = "local"
	LauncherSlurm = "slurm"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Topology.TensorParallelSize == 0 {
		m.Topology.TensorParallelSize = DefaultParallelSize
	}
	if m.Topology.PipelineParallelSize == 0 {
		m.Topology.PipelineParallelSize = DefaultParallelSize
	}
	if m.Topology.BasePort == 0 {
		m.Topology.BasePort = DefaultBasePort
	}

	if m.Server.ProbeInterval == 0 {
		m.Server.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if m.Server.StartupTimeout == 0 {
		m.Server.StartupTimeout = Duration(DefaultStartupTimeout)
	}
	if m.Server.StopGracePeriod == 0 {
		m.Server.StopGracePeriod = Duration(DefaultStopGracePeriod)
	}

	if m.Results.ShardPattern == "" {
		m.Results.ShardPattern = shard.DefaultPattern
	}
	if m.Results.ReadConcurrency == 0 {
		m.Results.ReadConcurrency = DefaultReadConcurrency
	}

	if m.Publish.Variant == "" {
		m.Publish.Variant = DefaultVariant
	}
	if m.Publish.MaxAttempts == 0 {
		m.Publish.MaxAttempts = DefaultMaxAttempts
	}
	if m.Publish.Preflight.Mode == "" {
		m.Publish.Preflight.Mode = DefaultPreflightMode
	}
	if m.Publish.Preflight.ProbePrefix == "" {
		m.Publish.Preflight.ProbePrefix = DefaultProbePrefix
	}

	if m.Policy.OnInstanceFailure == "" {
		m.Policy.OnInstanceFailure = DefaultPolicy
	}
	if m.Launcher.Type == "" {
		m.Launcher.Type = DefaultLauncher
	}
}

// ClusterTopology returns the planner input described by the manifest.
func (m *Manifest) ClusterTopology() topology.ClusterTopology {
	return topology.ClusterTopology{
		TotalNodes:           m.Topology.TotalNodes,
		GPUsPerNode:          m.Topology.GPUsPerNode,
		TensorParallelSize:   m.Topology.TensorParallelSize,
		PipelineParallelSize: m.Topology.PipelineParallelSize,
	}
}

// NodeOptions returns the per-node planning options. A non-empty override
// (typically the node's CUDA_VISIBLE_DEVICES) replaces the manifest's
// visible device list.
func (m *Manifest) NodeOptions(visibleOverride string) (topology.NodeOptions, error) {
	devices := m.Topology.VisibleDevices
	if visibleOverride != "" {
		devices = visibleOverride
	}
	ids, err := topology.ParseGPUIDs(devices)
	if err != nil {
		return topology.NodeOptions{}, err
	}
	return topology.NodeOptions{BasePort: m.Topology.BasePort, VisibleDevices: ids}, nil
}

// PublishEnabled reports whether merged results should be uploaded.
func (m *Manifest) PublishEnabled() bool {
	return m.Publish.Destination != ""
}

// Duration is a time.Duration written as a Go duration string ("5s", "1h").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
