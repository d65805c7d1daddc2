// Package merge recombines the per-rank shards of a fleet run into one
// result set.
//
// Each rank writes a results JSON naming the per-run JSONL detail files it
// produced. The merger concatenates the detail files per run index, sorts
// them by question id, recomputes per-file accuracy and writes
// results_<run>.json next to eval_results_<run>_run<i>.jsonl.
package merge

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ShardResult is the results document written by one rank, and the shape of
// the merged document.
type ShardResult struct {
	Timestamp       string                   `json:"timestamp"`
	Config          map[string]any           `json:"config"`
	DurationSeconds float64                  `json:"duration_seconds"`
	DatasetResults  map[string]DatasetResult `json:"dataset_results"`
}

// DatasetResult holds per-file results for one dataset.
type DatasetResult struct {
	Results         []FileResult `json:"results"`
	AverageAccuracy float64      `json:"average_accuracy"`
	AverageStd      float64      `json:"average_std"`
}

// FileResult holds the accuracy of one dataset file across runs.
type FileResult struct {
	File           string         `json:"file"`
	AccuracyMean   float64        `json:"accuracy_mean"`
	AccuracyStd    float64        `json:"accuracy_std"`
	IndividualRuns IndividualRuns `json:"individual_runs"`
}

// IndividualRuns lists one accuracy and one detail file per run index.
type IndividualRuns struct {
	Accuracies []float64 `json:"accuracies"`
	Results    []string  `json:"results"`
}

// ModelName returns config.model.name, or "" when absent.
func (r *ShardResult) ModelName() string {
	model, ok := r.Config["model"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := model["name"].(string)
	return name
}

// detail is the subset of a JSONL detail line the merger reads. The full
// line is carried through untouched.
type detail struct {
	QuestionID questionID `json:"question_id"`
	SourceFile string     `json:"source_file"`
	File       string     `json:"file"`
	IsCorrect  bool       `json:"is_correct"`
}

// questionID accepts numbers and numeric strings. Anything else sorts as 0.
type questionID int64

func (q *questionID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			*q = questionID(v)
			return nil
		}
		if f, err := n.Float64(); err == nil {
			*q = questionID(int64(f))
			return nil
		}
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			*q = questionID(v)
			return nil
		}
	}
	*q = 0
	return nil
}

// source is the dataset file a detail line belongs to.
func (d detail) source() string {
	if d.SourceFile != "" {
		return d.SourceFile
	}
	return d.File
}

// ShardError reports a shard that could not be read or decoded.
type ShardError struct {
	Key string
	Err error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("merge: shard %s: %v", e.Key, e.Err)
}

func (e *ShardError) Unwrap() error { return e.Err }
