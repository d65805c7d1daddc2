package merge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalfleet/pkg/provider/file"
)

const runID = "20260118_0930"

type fixture struct {
	t   *testing.T
	dir string
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, dir: t.TempDir()}
}

func (f *fixture) write(name string, body string) {
	f.t.Helper()
	require.NoError(f.t, os.WriteFile(filepath.Join(f.dir, name), []byte(body), 0o644))
}

// shard writes one rank's results JSON with two runs over one dataset file.
func (f *fixture) shard(node, rank int, accs []float64, details map[int][]string) string {
	f.t.Helper()
	var results []string
	for runIdx := 0; runIdx < len(accs); runIdx++ {
		name := fmt.Sprintf("eval_results_%s_rank%d_run%d.jsonl", runID, rank, runIdx)
		f.write(name, strings.Join(details[runIdx], "\n")+"\n")
		results = append(results, "results/"+name)
	}
	doc := ShardResult{
		Timestamp:       runID,
		Config:          map[string]any{"model": map[string]any{"name": "org/model-7b"}},
		DurationSeconds: float64(10 * (rank + 1)),
		DatasetResults: map[string]DatasetResult{
			"mmlu": {Results: []FileResult{{
				File:           "mmlu/test.jsonl",
				IndividualRuns: IndividualRuns{Accuracies: accs, Results: results},
			}}},
		},
	}
	b, err := json.Marshal(doc)
	require.NoError(f.t, err)
	key := fmt.Sprintf("results_%s_node%d_rank%d.json", runID, node, rank)
	f.write(key, string(b))
	return key
}

func (f *fixture) merger(cleanup bool) *Merger {
	f.t.Helper()
	store, err := file.New(file.Config{BaseDir: f.dir})
	require.NoError(f.t, err)
	m, err := New(Config{Store: store, Cleanup: cleanup})
	require.NoError(f.t, err)
	return m
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = fh.Close() }()

	var out []map[string]any
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func line(qid any, correct bool) string {
	b, _ := json.Marshal(map[string]any{"question_id": qid, "source_file": "mmlu/test.jsonl", "is_correct": correct})
	return string(b)
}

func TestMerge_SortsAndRecomputes(t *testing.T) {
	f := newFixture(t)
	k0 := f.shard(0, 0, []float64{0.9, 0.9}, map[int][]string{
		0: {line(3, true), line(1, true)},
		1: {line(1, false), line(3, true)},
	})
	k1 := f.shard(0, 1, []float64{0.1, 0.1}, map[int][]string{
		0: {line("2", false), line(0, true)},
		1: {line(2, true), line(0, true)},
	})

	res, err := f.merger(false).Merge(context.Background(), runID, []string{k1, k0})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Shards)
	assert.Equal(t, 2, res.Runs)
	assert.Equal(t, 8, res.Records)
	assert.Equal(t, "results_"+runID+".json", res.ResultKey)
	assert.Equal(t, []string{
		"eval_results_" + runID + "_run0.jsonl",
		"eval_results_" + runID + "_run1.jsonl",
	}, res.DetailKeys)

	run0 := readLines(t, filepath.Join(f.dir, res.DetailKeys[0]))
	require.Len(t, run0, 4)
	for i, want := range []float64{0, 1, 2, 3} {
		qid := run0[i]["question_id"]
		if s, ok := qid.(string); ok {
			assert.Equal(t, "2", s)
			continue
		}
		assert.Equal(t, want, qid)
	}

	// run0: 3 of 4 correct; run1: 3 of 4 correct.
	fr := res.Merged.DatasetResults["mmlu"].Results
	require.Len(t, fr, 1)
	assert.Equal(t, []float64{0.75, 0.75}, fr[0].IndividualRuns.Accuracies)
	assert.InDelta(t, 0.75, fr[0].AccuracyMean, 1e-9)
	assert.InDelta(t, 0, fr[0].AccuracyStd, 1e-9)
	assert.Equal(t, res.DetailKeys, fr[0].IndividualRuns.Results)
	assert.InDelta(t, 0.75, res.Merged.DatasetResults["mmlu"].AverageAccuracy, 1e-9)

	assert.Equal(t, "org/model-7b", res.Merged.ModelName())
	assert.Equal(t, float64(10), res.Merged.DurationSeconds, "first shard by key provides duration")

	var onDisk ShardResult
	b, err := os.ReadFile(filepath.Join(f.dir, res.ResultKey))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &onDisk))
	assert.Equal(t, runID, onDisk.Timestamp)

	assert.FileExists(t, filepath.Join(f.dir, k0), "shards kept without cleanup")
}

func TestMerge_PopulationStd(t *testing.T) {
	f := newFixture(t)
	k := f.shard(0, 0, []float64{0, 0}, map[int][]string{
		0: {line(0, true), line(1, true)},
		1: {line(0, false), line(1, false)},
	})

	res, err := f.merger(false).Merge(context.Background(), runID, []string{k})
	require.NoError(t, err)

	fr := res.Merged.DatasetResults["mmlu"].Results[0]
	assert.Equal(t, []float64{1, 0}, fr.IndividualRuns.Accuracies)
	assert.InDelta(t, 0.5, fr.AccuracyMean, 1e-9)
	assert.InDelta(t, 0.5, fr.AccuracyStd, 1e-9)
}

func TestMerge_FallsBackToShardAccuracy(t *testing.T) {
	f := newFixture(t)
	noSource := func(qid int) string { return fmt.Sprintf(`{"question_id":%d,"is_correct":true}`, qid) }
	k0 := f.shard(0, 0, []float64{0.2}, map[int][]string{0: {noSource(0)}})
	k1 := f.shard(0, 1, []float64{0.6}, map[int][]string{0: {noSource(1)}})

	res, err := f.merger(false).Merge(context.Background(), runID, []string{k0, k1})
	require.NoError(t, err)

	fr := res.Merged.DatasetResults["mmlu"].Results[0]
	require.Len(t, fr.IndividualRuns.Accuracies, 1)
	assert.InDelta(t, 0.4, fr.IndividualRuns.Accuracies[0], 1e-9)
	assert.InDelta(t, 0, fr.AccuracyStd, 1e-9)
}

func TestMerge_SkipsMissingDetailFiles(t *testing.T) {
	f := newFixture(t)
	k := f.shard(0, 0, []float64{1}, map[int][]string{0: {line(0, true)}})
	require.NoError(t, os.Remove(filepath.Join(f.dir, fmt.Sprintf("eval_results_%s_rank0_run0.jsonl", runID))))

	res, err := f.merger(false).Merge(context.Background(), runID, []string{k})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Records)
	assert.Equal(t, []float64{1}, res.Merged.DatasetResults["mmlu"].Results[0].IndividualRuns.Accuracies)
}

func TestMerge_Cleanup(t *testing.T) {
	f := newFixture(t)
	k0 := f.shard(0, 0, []float64{1}, map[int][]string{0: {line(0, true)}})
	k1 := f.shard(1, 1, []float64{1}, map[int][]string{0: {line(1, true)}})

	res, err := f.merger(true).Merge(context.Background(), runID, []string{k0, k1})
	require.NoError(t, err)
	assert.Len(t, res.Removed, 4)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"results_" + runID + ".json", "eval_results_" + runID + "_run0.jsonl"}, names)
}

func TestMerge_Errors(t *testing.T) {
	f := newFixture(t)
	m := f.merger(false)

	_, err := m.Merge(context.Background(), runID, nil)
	require.ErrorIs(t, err, ErrNoShards)

	f.write("results_"+runID+"_node0_rank0.json", "{not json")
	_, err = m.Merge(context.Background(), runID, []string{"results_" + runID + "_node0_rank0.json"})
	var shardErr *ShardError
	require.ErrorAs(t, err, &shardErr)
	assert.Equal(t, "results_"+runID+"_node0_rank0.json", shardErr.Key)

	f.write("results_"+runID+"_node0_rank1.json", `{"dataset_results":{"d":{"results":[{"file":"f","individual_runs":{"results":["bad.jsonl"]}}]}}}`)
	f.write("bad.jsonl", "{\"question_id\":1}\nnot json\n")
	_, err = m.Merge(context.Background(), runID, []string{"results_" + runID + "_node0_rank1.json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestQuestionIDDecoding(t *testing.T) {
	tests := map[string]questionID{
		`{"question_id": 7}`:     7,
		`{"question_id": "12"}`:  12,
		`{"question_id": 3.0}`:   3,
		`{"question_id": "abc"}`: 0,
		`{"question_id": null}`:  0,
		`{}`:                     0,
	}
	for in, want := range tests {
		var d detail
		require.NoError(t, json.Unmarshal([]byte(in), &d), in)
		assert.Equal(t, want, d.QuestionID, in)
	}
}

func TestMeanStd(t *testing.T) {
	m, s := meanStd(nil)
	assert.Zero(t, m)
	assert.Zero(t, s)

	m, s = meanStd([]float64{0.4})
	assert.InDelta(t, 0.4, m, 1e-12)
	assert.Zero(t, s)

	m, s = meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, m, 1e-12)
	assert.InDelta(t, 2, s, 1e-12)
}
