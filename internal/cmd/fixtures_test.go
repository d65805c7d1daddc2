package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalfleet/pkg/merge"
)

const testRunID = "20260118_0930"

type fleetOptions struct {
	nodes, gpus, tp int
	results         string
	publish         string
	extra           string
}

// writeManifest writes a fleet manifest into a temp dir and returns its path.
func writeManifest(t *testing.T, o fleetOptions) string {
	t.Helper()
	if o.nodes == 0 {
		o.nodes = 1
	}
	if o.gpus == 0 {
		o.gpus = 2
	}
	if o.tp == 0 {
		o.tp = 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, `version: "1.0"
model:
  name: org/model-7b
topology:
  total_nodes: %d
  gpus_per_node: %d
  tensor_parallel_size: %d
eval:
  command: ["twinkle-eval", "--config", "{{.ConfigPath}}"]
results:
  location: %s
`, o.nodes, o.gpus, o.tp, o.results)
	if o.publish != "" {
		fmt.Fprintf(&b, `publish:
  destination: %s
  variant: nightly
  preflight:
    mode: read-safe
`, o.publish)
	}
	b.WriteString(o.extra)
	return writeFile(t, filepath.Join(t.TempDir(), "fleet.yaml"), b.String())
}

// writeShards writes one result shard and one detail file per rank.
func writeShards(t *testing.T, dir string, nodes, perNode int) {
	t.Helper()
	for node := 0; node < nodes; node++ {
		for local := 0; local < perNode; local++ {
			rank := node*perNode + local
			detail := fmt.Sprintf("eval_results_%s_rank%d_run0.jsonl", testRunID, rank)
			writeFile(t, filepath.Join(dir, detail),
				fmt.Sprintf(`{"question_id": %d, "source_file": "gsm8k/test.jsonl", "is_correct": true}`+"\n", rank))

			body, err := json.Marshal(merge.ShardResult{
				Timestamp: testRunID,
				Config:    map[string]any{"model": map[string]any{"name": "org/model-7b"}},
				DatasetResults: map[string]merge.DatasetResult{
					"gsm8k": {Results: []merge.FileResult{{
						File:           "gsm8k/test.jsonl",
						IndividualRuns: merge.IndividualRuns{Accuracies: []float64{1}, Results: []string{detail}},
					}}},
				},
			})
			require.NoError(t, err)
			writeFile(t, filepath.Join(dir, fmt.Sprintf("results_%s_node%d_rank%d.json", testRunID, node, rank)), string(body))
		}
	}
}
