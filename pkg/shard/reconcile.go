// Package shard decides whether the output of a fleet run is complete
// enough to merge.
//
// Reconciliation runs once, after every node has been joined. It lists the
// results location, selects the run's shards by name and compares the
// observed count against the world size. Listing is read-only, so calling
// Reconcile repeatedly yields the same answer.
package shard

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/provider"
)

// DefaultPattern names one shard per rank; {run_id} is substituted.
const DefaultPattern = "results_{run_id}_node*_rank*.json"

// DefaultMergedName is the merged results document of a run.
const DefaultMergedName = "results_{run_id}.json"

// RunIDPlaceholder is replaced by the run identity in patterns.
const RunIDPlaceholder = "{run_id}"

// Outcome classifies a reconciliation.
type Outcome string

const (
	OutcomeEmpty    Outcome = "empty"
	OutcomePartial  Outcome = "partial"
	OutcomeComplete Outcome = "complete"
)

// ErrEmptyShardSet means no shard of the run exists. The merge must not run.
var ErrEmptyShardSet = errors.New("no shards found for run")

// PartialShardSetError is a warning: fewer shards than ranks were found.
// The merge proceeds on the subset.
type PartialShardSetError struct {
	RunID        string
	Expected     int
	Observed     int
	MissingRanks []int
}

func (e *PartialShardSetError) Error() string {
	msg := fmt.Sprintf("run %s: %d of %d shards present", e.RunID, e.Observed, e.Expected)
	if len(e.MissingRanks) > 0 {
		msg += fmt.Sprintf(" (missing ranks %v)", e.MissingRanks)
	}
	return msg
}

// Shard is one observed shard object.
type Shard struct {
	Key          string    `json:"key"`
	NodeIndex    int       `json:"node_index"`
	Rank         int       `json:"rank"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Inventory is the set of shards observed for a run.
type Inventory struct {
	RunID    string  `json:"run_id"`
	Expected int     `json:"expected"`
	Observed []Shard `json:"observed"`
}

// Reconciliation is the classified inventory.
type Reconciliation struct {
	Inventory
	Outcome Outcome `json:"outcome"`

	// MissingRanks lists ranks in [0, Expected) with no shard. Only ranks
	// encoded in shard names can be accounted for.
	MissingRanks []int `json:"missing_ranks,omitempty"`

	// UnexpectedRanks lists encoded ranks outside [0, Expected).
	UnexpectedRanks []int `json:"unexpected_ranks,omitempty"`

	// Merged is set when the single observed object is the run's merged
	// results document rather than a rank shard. Only a world size of one
	// is reconciled this way; the worker merges in-process there.
	Merged bool `json:"merged,omitempty"`
}

// ObservedCount is the number of shard objects matched.
func (r Reconciliation) ObservedCount() int { return len(r.Observed) }

// ShouldMerge reports whether the merger may run.
func (r Reconciliation) ShouldMerge() bool { return r.Outcome != OutcomeEmpty }

// Keys returns the observed shard keys in order.
func (r Reconciliation) Keys() []string {
	out := make([]string, len(r.Observed))
	for i, s := range r.Observed {
		out[i] = s.Key
	}
	return out
}

// Config configures a Reconciler.
type Config struct {
	// Provider lists the results location.
	Provider provider.Provider

	// Prefix is the results location within the provider ("" or "dir/").
	Prefix string

	// Pattern is a doublestar pattern relative to Prefix.
	Pattern string

	// MergedName names the merged results document relative to Prefix;
	// {run_id} is substituted. Defaults to DefaultMergedName.
	MergedName string

	Logger *zap.Logger

	// Events receives one reconcile record per call.
	Events output.Writer
}

// Reconciler classifies the shards of a run.
type Reconciler struct {
	cfg Config
	log *zap.Logger
}

// New validates cfg.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("shard: provider is required")
	}
	if strings.TrimSpace(cfg.Pattern) == "" {
		cfg.Pattern = DefaultPattern
	}
	if !strings.Contains(cfg.Pattern, RunIDPlaceholder) {
		return nil, fmt.Errorf("shard: pattern %q must contain %s", cfg.Pattern, RunIDPlaceholder)
	}
	probe := strings.ReplaceAll(cfg.Pattern, RunIDPlaceholder, "x")
	if !doublestar.ValidatePattern(probe) {
		return nil, fmt.Errorf("shard: invalid pattern %q", cfg.Pattern)
	}
	if strings.TrimSpace(cfg.MergedName) == "" {
		cfg.MergedName = DefaultMergedName
	}
	cfg.Prefix = provider.NormalizePrefix(cfg.Prefix)

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = output.NopWriter{}
	}
	return &Reconciler{cfg: cfg, log: log}, nil
}

// Pattern returns the shard pattern for runID.
func (r *Reconciler) Pattern(runID string) string {
	return strings.ReplaceAll(r.cfg.Pattern, RunIDPlaceholder, runID)
}

// Reconcile builds the run's inventory and classifies it.
//
// The error is ErrEmptyShardSet for an empty outcome and a
// *PartialShardSetError for a partial one; both come with a populated
// Reconciliation. Any other error means the location could not be listed.
func (r *Reconciler) Reconcile(ctx context.Context, runID string, expected int) (Reconciliation, error) {
	if strings.TrimSpace(runID) == "" {
		return Reconciliation{}, fmt.Errorf("shard: run id is required")
	}
	if expected <= 0 {
		return Reconciliation{}, fmt.Errorf("shard: expected shard count must be >= 1 (got %d)", expected)
	}

	pattern := r.Pattern(runID)
	shards, err := r.discover(ctx, pattern)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("shard: list %s%s: %w", r.cfg.Prefix, pattern, err)
	}

	rec := Reconciliation{Inventory: Inventory{RunID: runID, Expected: expected, Observed: shards}}
	if len(shards) == 0 && expected == 1 {
		if s, ok := r.mergedDocument(ctx, runID); ok {
			rec.Observed = []Shard{s}
			rec.Merged = true
		}
	}
	r.accountRanks(&rec)

	observed := len(rec.Observed)
	switch {
	case observed == 0:
		rec.Outcome = OutcomeEmpty
	case observed < expected:
		rec.Outcome = OutcomePartial
	default:
		rec.Outcome = OutcomeComplete
	}

	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int("expected", expected),
		zap.Int("observed", observed),
		zap.Ints("missing_ranks", rec.MissingRanks),
	}

	if err := r.cfg.Events.WriteReconcile(ctx, &output.ReconcileRecord{
		Outcome:      string(rec.Outcome),
		Expected:     expected,
		Observed:     observed,
		MissingRanks: rec.MissingRanks,
		Shards:       rec.Keys(),
	}); err != nil {
		r.log.Debug("reconcile event not written", zap.Error(err))
	}

	switch rec.Outcome {
	case OutcomeEmpty:
		r.log.Error("no shards found; merge skipped", fields...)
		return rec, ErrEmptyShardSet
	case OutcomePartial:
		r.log.Warn("partial shard set; merging available shards", fields...)
		return rec, &PartialShardSetError{RunID: runID, Expected: expected, Observed: observed, MissingRanks: rec.MissingRanks}
	}

	if observed > expected {
		r.log.Warn("more shards than ranks", append(fields, zap.Ints("unexpected_ranks", rec.UnexpectedRanks))...)
	} else {
		r.log.Info("shard set complete", fields...)
	}
	return rec, nil
}

// mergedDocument looks up the run's merged results document. Lookup
// failures other than not-found are logged and treated as absent.
func (r *Reconciler) mergedDocument(ctx context.Context, runID string) (Shard, bool) {
	key := r.cfg.Prefix + strings.ReplaceAll(r.cfg.MergedName, RunIDPlaceholder, runID)
	meta, err := r.cfg.Provider.Head(ctx, key)
	if err != nil {
		if !provider.IsNotFound(err) {
			r.log.Warn("merged results lookup failed", zap.String("key", key), zap.Error(err))
		}
		return Shard{}, false
	}
	return Shard{Key: key, Rank: 0, Size: meta.Size, LastModified: meta.LastModified}, true
}

func (r *Reconciler) discover(ctx context.Context, pattern string) ([]Shard, error) {
	listPrefix := r.cfg.Prefix + literalPrefix(pattern)

	objects, err := provider.ListAll(ctx, r.cfg.Provider, listPrefix)
	if err != nil {
		return nil, err
	}

	var out []Shard
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, r.cfg.Prefix)
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		node, rank := parseName(path.Base(obj.Key))
		out = append(out, Shard{
			Key:          obj.Key,
			NodeIndex:    node,
			Rank:         rank,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	// Deterministic order: by rank, then key.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (r *Reconciler) accountRanks(rec *Reconciliation) {
	seen := make(map[int]bool, len(rec.Observed))
	encoded := false
	for _, s := range rec.Observed {
		if s.Rank < 0 {
			continue
		}
		encoded = true
		if s.Rank >= rec.Expected {
			rec.UnexpectedRanks = append(rec.UnexpectedRanks, s.Rank)
			continue
		}
		seen[s.Rank] = true
	}
	if !encoded && len(rec.Observed) > 0 {
		return
	}
	for rank := 0; rank < rec.Expected; rank++ {
		if !seen[rank] {
			rec.MissingRanks = append(rec.MissingRanks, rank)
		}
	}
}

var namePattern = regexp.MustCompile(`(?:_node(\d+))?_rank(\d+)`)

// parseName extracts node and rank from a shard name; -1 when absent.
// The node index is optional.
func parseName(name string) (node, rank int) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return -1, -1
	}
	node = -1
	if m[1] != "" {
		node, _ = strconv.Atoi(m[1])
	}
	rank, _ = strconv.Atoi(m[2])
	return node, rank
}

// literalPrefix is the part of pattern before its first glob metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
