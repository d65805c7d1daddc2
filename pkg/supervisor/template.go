package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/3leaps/evalfleet/pkg/topology"
)

// DefaultServerCommand starts a vLLM OpenAI-compatible server for one instance.
var DefaultServerCommand = []string{
	"vllm", "serve", "{{.Model}}",
	"--host", "{{.Host}}",
	"--port", "{{.Port}}",
	"--tensor-parallel-size", "{{.TensorParallelSize}}",
	"--pipeline-parallel-size", "{{.PipelineParallelSize}}",
	"--max-model-len", "{{.MaxModelLen}}",
}

// TemplateData is the value every command and descriptor template is
// rendered against.
type TemplateData struct {
	RunID                string `json:"run_id"`
	Model                string `json:"model"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	BaseURL              string `json:"base_url"`
	Rank                 int    `json:"rank"`
	WorldSize            int    `json:"world_size"`
	NodeIndex            int    `json:"node_index"`
	LocalIndex           int    `json:"local_index"`
	GPUs                 string `json:"gpus"`
	TensorParallelSize   int    `json:"tensor_parallel_size"`
	PipelineParallelSize int    `json:"pipeline_parallel_size"`
	MaxModelLen          int    `json:"max_model_len"`
	ResultsDir           string `json:"results_dir"`

	// ConfigPath is the rendered per-rank descriptor. Empty while the
	// descriptor itself is being rendered.
	ConfigPath string `json:"config_path,omitempty"`
}

func (s *Supervisor) templateData(plan topology.InstancePlan, runID string) TemplateData {
	return TemplateData{
		RunID:                runID,
		Model:                s.cfg.Model,
		Host:                 s.cfg.Host,
		Port:                 plan.Port,
		BaseURL:              s.baseURL(plan),
		Rank:                 plan.GlobalRank,
		WorldSize:            plan.WorldSize,
		NodeIndex:            plan.NodeIndex,
		LocalIndex:           plan.LocalIndex,
		GPUs:                 topology.FormatGPUIDs(plan.GPUIDs),
		TensorParallelSize:   s.cfg.TensorParallelSize,
		PipelineParallelSize: s.cfg.PipelineParallelSize,
		MaxModelLen:          s.cfg.MaxModelLen,
		ResultsDir:           s.cfg.ResultsDir,
	}
}

// RenderCommand renders each argv element as a text/template.
func RenderCommand(argv []string, data TemplateData) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	out := make([]string, 0, len(argv))
	for i, arg := range argv {
		rendered, err := renderString(fmt.Sprintf("arg%d", i), arg, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	if strings.TrimSpace(out[0]) == "" {
		return nil, fmt.Errorf("command renders to an empty program name")
	}
	return out, nil
}

// renderDescriptor renders the per-rank evaluation descriptor. Without a
// template the descriptor is the JSON form of data.
func renderDescriptor(tmpl string, data TemplateData) ([]byte, error) {
	if strings.TrimSpace(tmpl) == "" {
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
	s, err := renderString("descriptor", tmpl, data)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func renderString(name, text string, data TemplateData) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}
