package merge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/3leaps/evalfleet/pkg/provider"
)

// ErrNoShards is returned when Merge is called with no shard keys.
var ErrNoShards = errors.New("merge: no shards to merge")

// DefaultReadConcurrency bounds parallel shard reads.
const DefaultReadConcurrency = 8

// Store is the results location the merger reads from and writes to.
type Store interface {
	provider.Provider
	provider.ObjectGetter
	provider.ObjectPutter
}

// Config configures a Merger.
type Config struct {
	Store Store

	// Prefix is the results location within Store ("" or "dir/").
	Prefix string

	// Cleanup deletes the rank shards and their detail files after a
	// successful merge. Store must implement provider.ObjectDeleter.
	Cleanup bool

	ReadConcurrency int

	Logger *zap.Logger
}

// Merger merges the shards of one run.
type Merger struct {
	cfg Config
	log *zap.Logger
}

// Result describes a completed merge.
type Result struct {
	RunID   string
	Shards  int
	Runs    int
	Records int

	// ResultKey is the merged results document.
	ResultKey string

	// DetailKeys are the merged per-run JSONL files, by run index.
	DetailKeys []string

	// Removed lists keys deleted by cleanup.
	Removed []string

	Merged *ShardResult
}

// Outputs returns every key written by the merge.
func (r *Result) Outputs() []string {
	return append([]string{r.ResultKey}, r.DetailKeys...)
}

// New validates cfg. Cleanup requires a Store that can delete objects.
func New(cfg Config) (*Merger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("merge: store is required")
	}
	if cfg.Cleanup {
		if _, ok := cfg.Store.(provider.ObjectDeleter); !ok {
			return nil, fmt.Errorf("merge: cleanup requires a store that can delete objects")
		}
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = DefaultReadConcurrency
	}
	cfg.Prefix = provider.NormalizePrefix(cfg.Prefix)
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{cfg: cfg, log: log}, nil
}

// ResultKey is the merged results document for runID.
func (m *Merger) ResultKey(runID string) string {
	return m.cfg.Prefix + "results_" + runID + ".json"
}

// DetailKey is the merged detail file for one run index.
func (m *Merger) DetailKey(runID string, runIndex int) string {
	return fmt.Sprintf("%seval_results_%s_run%d.jsonl", m.cfg.Prefix, runID, runIndex)
}

type loadedShard struct {
	key    string
	result ShardResult
}

// Merge merges the given shard keys. Keys are processed in sorted order so
// the first shard (by key) provides config and duration.
func (m *Merger) Merge(ctx context.Context, runID string, shardKeys []string) (*Result, error) {
	if len(shardKeys) == 0 {
		return nil, ErrNoShards
	}
	keys := append([]string(nil), shardKeys...)
	sort.Strings(keys)

	shards, err := m.loadShards(ctx, keys)
	if err != nil {
		return nil, err
	}

	// Pass 1: which run indexes each dataset file has, and which detail
	// files feed each run index.
	type fileRuns struct {
		order []string
		runs  map[string]map[int]bool
	}
	datasets := map[string]*fileRuns{}
	runSources := map[int][]string{}
	seenSource := map[string]bool{}

	for _, sh := range shards {
		for dsName, ds := range sh.result.DatasetResults {
			fr := datasets[dsName]
			if fr == nil {
				fr = &fileRuns{runs: map[string]map[int]bool{}}
				datasets[dsName] = fr
			}
			for _, f := range ds.Results {
				if fr.runs[f.File] == nil {
					fr.runs[f.File] = map[int]bool{}
					fr.order = append(fr.order, f.File)
				}
				for runIdx, p := range f.IndividualRuns.Results {
					fr.runs[f.File][runIdx] = true
					k := fmt.Sprintf("%d\x00%s", runIdx, p)
					if !seenSource[k] {
						seenSource[k] = true
						runSources[runIdx] = append(runSources[runIdx], p)
					}
				}
			}
		}
	}

	// Pass 2: merge detail files per run index, sorted by question id.
	runIndexes := make([]int, 0, len(runSources))
	for idx := range runSources {
		runIndexes = append(runIndexes, idx)
	}
	sort.Ints(runIndexes)

	res := &Result{RunID: runID, Shards: len(shards), Runs: len(runIndexes), ResultKey: m.ResultKey(runID)}
	detailKeyByRun := map[int]string{}
	correct := map[int]map[string][]bool{}
	var consumed []string

	for _, runIdx := range runIndexes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, used, err := m.readDetails(ctx, runSources[runIdx])
		if err != nil {
			return nil, err
		}
		consumed = append(consumed, used...)

		sort.SliceStable(lines, func(i, j int) bool { return lines[i].meta.QuestionID < lines[j].meta.QuestionID })

		var buf bytes.Buffer
		tally := map[string][]bool{}
		for _, l := range lines {
			buf.Write(l.raw)
			buf.WriteByte('\n')
			if src := l.meta.source(); src != "" {
				tally[src] = append(tally[src], l.meta.IsCorrect)
			}
		}
		correct[runIdx] = tally

		key := m.DetailKey(runID, runIdx)
		if err := m.cfg.Store.PutObject(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
			return nil, fmt.Errorf("merge: write %s: %w", key, err)
		}
		detailKeyByRun[runIdx] = key
		res.DetailKeys = append(res.DetailKeys, key)
		res.Records += len(lines)

		m.log.Info("merged run detail",
			zap.Int("run_index", runIdx),
			zap.Int("sources", len(runSources[runIdx])),
			zap.Int("records", len(lines)),
			zap.String("key", key))
	}

	// Pass 3: assemble the merged document.
	base := shards[0].result
	merged := &ShardResult{
		Timestamp:       runID,
		Config:          base.Config,
		DurationSeconds: base.DurationSeconds,
		DatasetResults:  make(map[string]DatasetResult, len(datasets)),
	}

	for dsName, fr := range datasets {
		ds := DatasetResult{Results: []FileResult{}}
		for _, file := range fr.order {
			runs := sortedRuns(fr.runs[file])
			f := FileResult{File: file, IndividualRuns: IndividualRuns{Accuracies: []float64{}, Results: []string{}}}
			for _, runIdx := range runs {
				if k, ok := detailKeyByRun[runIdx]; ok {
					f.IndividualRuns.Results = append(f.IndividualRuns.Results, k)
				}
				acc, ok := accuracy(correct[runIdx][file])
				if !ok {
					acc = shardAccuracy(shards, dsName, file, runIdx)
				}
				f.IndividualRuns.Accuracies = append(f.IndividualRuns.Accuracies, acc)
			}
			f.AccuracyMean, f.AccuracyStd = meanStd(f.IndividualRuns.Accuracies)
			ds.Results = append(ds.Results, f)
		}
		means := make([]float64, len(ds.Results))
		stds := make([]float64, len(ds.Results))
		for i, f := range ds.Results {
			means[i] = f.AccuracyMean
			stds[i] = f.AccuracyStd
		}
		ds.AverageAccuracy = mean(means)
		ds.AverageStd = mean(stds)
		merged.DatasetResults[dsName] = ds
	}
	res.Merged = merged

	doc, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merge: encode result: %w", err)
	}
	if err := m.cfg.Store.PutObject(ctx, res.ResultKey, bytes.NewReader(doc), int64(len(doc))); err != nil {
		return nil, fmt.Errorf("merge: write %s: %w", res.ResultKey, err)
	}

	m.log.Info("merge complete",
		zap.String("run_id", runID),
		zap.Int("shards", res.Shards),
		zap.Int("runs", res.Runs),
		zap.Int("records", res.Records),
		zap.String("result", res.ResultKey))

	if m.cfg.Cleanup {
		res.Removed = m.cleanup(ctx, append(keys, consumed...), res.Outputs())
	}
	return res, nil
}

func (m *Merger) loadShards(ctx context.Context, keys []string) ([]loadedShard, error) {
	mapper := iter.Mapper[string, loadedShard]{MaxGoroutines: m.cfg.ReadConcurrency}
	return mapper.MapErr(keys, func(key *string) (loadedShard, error) {
		var sh ShardResult
		if err := m.readJSON(ctx, *key, &sh); err != nil {
			return loadedShard{}, &ShardError{Key: *key, Err: err}
		}
		return loadedShard{key: *key, result: sh}, nil
	})
}

func (m *Merger) readJSON(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, _, err := m.cfg.Store.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	return json.NewDecoder(body).Decode(v)
}

type detailLine struct {
	raw  []byte
	meta detail
}

// readDetails reads every detail file of one run index. Detail paths in
// shards are resolved by base name against the results location; missing
// files are skipped.
func (m *Merger) readDetails(ctx context.Context, sources []string) ([]detailLine, []string, error) {
	var lines []detailLine
	var used []string
	for _, src := range sources {
		key := m.resolve(src)
		body, _, err := m.cfg.Store.GetObject(ctx, key)
		if err != nil {
			if provider.IsNotFound(err) {
				m.log.Warn("detail file missing; skipped", zap.String("key", key))
				continue
			}
			return nil, nil, fmt.Errorf("merge: read %s: %w", key, err)
		}
		read, err := scanDetails(body)
		_ = body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("merge: read %s: %w", key, err)
		}
		lines = append(lines, read...)
		used = append(used, key)
	}
	return lines, used, nil
}

func scanDetails(r io.Reader) ([]detailLine, error) {
	var out []detailLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var meta detail
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, detailLine{raw: compact.Bytes(), meta: meta})
	}
	return out, sc.Err()
}

func (m *Merger) resolve(p string) string {
	return m.cfg.Prefix + path.Base(strings.ReplaceAll(p, "\\", "/"))
}

// cleanup deletes merged inputs, never the outputs. Failures are logged.
func (m *Merger) cleanup(ctx context.Context, keys, keep []string) []string {
	deleter := m.cfg.Store.(provider.ObjectDeleter)
	protected := make(map[string]bool, len(keep))
	for _, k := range keep {
		protected[k] = true
	}
	var removed []string
	for _, k := range keys {
		if protected[k] {
			continue
		}
		if err := deleter.DeleteObject(ctx, k); err != nil {
			m.log.Warn("cleanup failed", zap.String("key", k), zap.Error(err))
			continue
		}
		protected[k] = true
		removed = append(removed, k)
	}
	m.log.Info("removed rank shards", zap.Int("count", len(removed)))
	return removed
}

func sortedRuns(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// accuracy is the fraction of true values; ok is false when vals is nil.
func accuracy(vals []bool) (float64, bool) {
	if vals == nil {
		return 0, false
	}
	if len(vals) == 0 {
		return 0, true
	}
	n := 0
	for _, v := range vals {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(vals)), true
}

// shardAccuracy averages the accuracies the shards themselves reported for
// one file and run index.
func shardAccuracy(shards []loadedShard, dsName, file string, runIdx int) float64 {
	var accs []float64
	for _, sh := range shards {
		for _, f := range sh.result.DatasetResults[dsName].Results {
			if f.File == file && runIdx < len(f.IndividualRuns.Accuracies) {
				accs = append(accs, f.IndividualRuns.Accuracies[runIdx])
			}
		}
	}
	return mean(accs)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// meanStd returns the mean and population standard deviation; the
// deviation of fewer than two values is zero.
func meanStd(x []float64) (float64, float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.PopMeanStdDev(x, nil)
}
