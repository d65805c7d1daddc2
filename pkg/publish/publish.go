// Package publish uploads the merged results of a run to a destination
// (s3:// or file://) under results/<model>/<variant>/.
//
// Publishing never overwrites: an artifact whose target already exists is
// skipped and reported.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/provider"
)

// DefaultVariant is used when no variant is configured.
const DefaultVariant = "default"

// DefaultMaxAttempts bounds upload attempts on throttling or unavailability.
const DefaultMaxAttempts = 3

// ErrNothingToPublish means no artifact of the run exists at the source.
var ErrNothingToPublish = errors.New("publish: no artifacts found for run")

// Source is the results location artifacts are read from.
type Source interface {
	provider.Provider
	provider.ObjectGetter
}

// Destination is where artifacts are written.
type Destination interface {
	provider.Provider
	provider.ObjectPutter
}

// Config configures a Publisher.
type Config struct {
	Source       Source
	SourcePrefix string

	Destination Destination

	// DestinationPrefix is prepended to every target key (the key part of
	// an s3:// URL).
	DestinationPrefix string

	// Model is the model name; "/" becomes "__" in the target path.
	Model string

	Variant string

	MaxAttempts int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	BufferMaxMemoryBytes int64

	Logger *zap.Logger
	Events output.Writer
}

// Item is one artifact handled by Publish.
type Item struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Bytes       int64  `json:"bytes"`
}

// Report summarises a publish call.
type Report struct {
	TargetDir string `json:"target_dir"`
	Uploaded  []Item `json:"uploaded"`
	Skipped   []Item `json:"skipped"`
}

// Publisher uploads run artifacts.
type Publisher struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config) (*Publisher, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("publish: source is required")
	}
	if cfg.Destination == nil {
		return nil, fmt.Errorf("publish: destination is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("publish: model is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Events == nil {
		cfg.Events = output.NopWriter{}
	}
	cfg.SourcePrefix = provider.NormalizePrefix(cfg.SourcePrefix)
	cfg.DestinationPrefix = provider.NormalizePrefix(cfg.DestinationPrefix)

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{cfg: cfg, log: log}, nil
}

// TargetDir returns results/<model>/<variant>.
func TargetDir(model, variant string) string {
	return "results/" + SafeModelName(model) + "/" + SanitizeVariant(variant)
}

// SafeModelName flattens an org/model name into one path segment.
func SafeModelName(model string) string {
	return strings.ReplaceAll(strings.TrimSpace(model), "/", "__")
}

// SanitizeVariant strips separators and parent references from a variant.
// An empty variant becomes DefaultVariant.
func SanitizeVariant(variant string) string {
	v := strings.TrimSpace(variant)
	if v == "" {
		return DefaultVariant
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(v)
}

// TargetDir is the destination directory for this publisher.
func (p *Publisher) TargetDir() string {
	return p.cfg.DestinationPrefix + TargetDir(p.cfg.Model, p.cfg.Variant)
}

// Collect lists the run's publishable artifacts: results_<run>.json and
// eval_results_<run>_run*.jsonl.
func (p *Publisher) Collect(ctx context.Context, runID string) ([]provider.ObjectSummary, error) {
	objects, err := provider.ListAll(ctx, p.cfg.Source, p.cfg.SourcePrefix)
	if err != nil {
		return nil, fmt.Errorf("publish: list source: %w", err)
	}

	patterns := []string{
		"results_" + runID + ".json",
		"eval_results_" + runID + "_run*.jsonl",
	}
	var out []provider.ObjectSummary
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, p.cfg.SourcePrefix)
		for _, pat := range patterns {
			if ok, _ := doublestar.Match(pat, rel); ok {
				out = append(out, obj)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Publish uploads every artifact of runID. Existing targets are skipped.
func (p *Publisher) Publish(ctx context.Context, runID string) (*Report, error) {
	artifacts, err := p.Collect(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, ErrNothingToPublish
	}

	target := p.TargetDir()
	report := &Report{TargetDir: target, Uploaded: []Item{}, Skipped: []Item{}}
	p.log.Info("publishing run artifacts",
		zap.String("run_id", runID),
		zap.Int("count", len(artifacts)),
		zap.String("target", target))

	for _, obj := range artifacts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item := Item{Source: obj.Key, Destination: target + "/" + path.Base(obj.Key), Bytes: obj.Size}

		exists, err := p.exists(ctx, item.Destination)
		if err != nil {
			return report, err
		}
		if exists {
			p.log.Warn("target exists; skipped to avoid overwrite", zap.String("key", item.Destination))
			report.Skipped = append(report.Skipped, item)
			p.emit(ctx, item, true, "exists")
			continue
		}

		if err := p.upload(ctx, item); err != nil {
			return report, err
		}
		report.Uploaded = append(report.Uploaded, item)
		p.emit(ctx, item, false, "")
	}

	p.log.Info("publish complete",
		zap.Int("uploaded", len(report.Uploaded)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func (p *Publisher) exists(ctx context.Context, key string) (bool, error) {
	_, err := p.cfg.Destination.Head(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case provider.IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("publish: check %s: %w", key, err)
	}
}

func (p *Publisher) upload(ctx context.Context, item Item) error {
	src, size, err := p.cfg.Source.GetObject(ctx, item.Source)
	if err != nil {
		return fmt.Errorf("publish: read %s: %w", item.Source, err)
	}
	body, err := newSeekableBody(src, size, p.cfg.BufferMaxMemoryBytes)
	if err != nil {
		return fmt.Errorf("publish: buffer %s: %w", item.Source, err)
	}
	defer func() { _ = body.Close() }()

	backoff := p.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err = p.cfg.Destination.PutObject(ctx, item.Destination, body.reader, size)
		if err == nil {
			p.log.Debug("uploaded", zap.String("key", item.Destination), zap.Int64("bytes", size))
			return nil
		}
		if attempt >= p.cfg.MaxAttempts || !provider.IsRetryable(err) {
			return fmt.Errorf("publish: upload %s: %w", item.Destination, err)
		}
		p.log.Warn("upload failed; retrying",
			zap.String("key", item.Destination),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if err := body.Rewind(); err != nil {
			return fmt.Errorf("publish: rewind %s: %w", item.Source, err)
		}
	}
}

func (p *Publisher) emit(ctx context.Context, item Item, skipped bool, reason string) {
	err := p.cfg.Events.WritePublish(ctx, &output.PublishRecord{
		Source:      item.Source,
		Destination: item.Destination,
		Bytes:       item.Bytes,
		Skipped:     skipped,
		Reason:      reason,
	})
	if err != nil {
		p.log.Debug("publish event not written", zap.Error(err))
	}
}
