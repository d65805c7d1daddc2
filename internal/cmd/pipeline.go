package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/evalfleet/internal/observability"
	"github.com/3leaps/evalfleet/pkg/finalize"
	"github.com/3leaps/evalfleet/pkg/ledger"
	"github.com/3leaps/evalfleet/pkg/manifest"
	"github.com/3leaps/evalfleet/pkg/merge"
	"github.com/3leaps/evalfleet/pkg/output"
	"github.com/3leaps/evalfleet/pkg/preflight"
	"github.com/3leaps/evalfleet/pkg/publish"
	"github.com/3leaps/evalfleet/pkg/shard"
)

// loadManifest loads path and maps failures to an invalid-argument exit.
func loadManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", path),
			zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", path),
		zap.String("model", m.Model.Name),
		zap.Int("total_nodes", m.Topology.TotalNodes),
		zap.String("results", m.Results.Location))
	return m, nil
}

// createWriter creates the JSONL event writer. "" and "stdout" write to
// stdout, "-" discards, anything else (optionally file:-prefixed) is a path.
func createWriter(dest, runID, source string) (output.Writer, func(), error) {
	switch dest {
	case "", "stdout":
		w := output.NewJSONLWriter(os.Stdout, runID, source)
		return w, func() { _ = w.Close() }, nil
	case "-":
		return output.NopWriter{}, func() {}, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create events dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, runID, source)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

// openLedger opens the configured run ledger. The ledger is history only,
// so a failure is logged and the run continues without it.
func openLedger(ctx context.Context) *sql.DB {
	if appConfig == nil {
		return nil
	}
	db, err := ledger.Open(ctx, ledger.Config{
		Path:      appConfig.Ledger.Path,
		URL:       appConfig.Ledger.URL,
		AuthToken: appConfig.Ledger.AuthToken,
	})
	if err != nil {
		observability.CLILogger.Warn("Run ledger unavailable; continuing without history", zap.Error(err))
		return nil
	}
	return db
}

// pipeline is everything needed after the cluster join.
type pipeline struct {
	results   *openedLocation
	publishTo *openedLocation
	finalizer *finalize.Finalizer
	publisher *publish.Publisher
}

func (p *pipeline) Close() {
	if p.results != nil {
		_ = p.results.Store.Close()
	}
	if p.publishTo != nil {
		_ = p.publishTo.Store.Close()
	}
}

// buildPipeline opens the results location and, when publishing is
// enabled, the destination, and wires reconcile, merge and publish.
func buildPipeline(ctx context.Context, m *manifest.Manifest, db *sql.DB, events output.Writer, publishEnabled bool) (*pipeline, error) {
	log := observability.CLILogger
	p := &pipeline{}

	results, err := openLocation(ctx, m.Results.Location, m.Storage, false)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open results location", err)
	}
	p.results = results

	rec, err := shard.New(shard.Config{
		Provider: results.Store,
		Prefix:   results.Prefix,
		Pattern:  m.Results.ShardPattern,
		Logger:   log,
		Events:   events,
	})
	if err != nil {
		p.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid shard pattern", err)
	}

	merger, err := merge.New(merge.Config{
		Store:           results.Store,
		Prefix:          results.Prefix,
		Cleanup:         m.Results.CleanupShards,
		ReadConcurrency: m.Results.ReadConcurrency,
		Logger:          log,
	})
	if err != nil {
		p.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid merge configuration", err)
	}

	if publishEnabled && m.PublishEnabled() {
		dst, err := openLocation(ctx, m.Publish.Destination, m.Storage, true)
		if err != nil {
			p.Close()
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open publish destination", err)
		}
		p.publishTo = dst

		p.publisher, err = publish.New(publish.Config{
			Source:            results.Store,
			SourcePrefix:      results.Prefix,
			Destination:       dst.Store,
			DestinationPrefix: dst.Prefix,
			Model:             m.Model.Name,
			Variant:           m.Publish.Variant,
			MaxAttempts:       m.Publish.MaxAttempts,
			Logger:            log,
			Events:            events,
		})
		if err != nil {
			p.Close()
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid publish configuration", err)
		}
	}

	fcfg := finalize.Config{
		Reconciler: rec,
		Merger:     merger,
		Publisher:  p.publisher,
		Ledger:     db,
		Logger:     log,
		Events:     events,
	}
	p.finalizer, err = finalize.New(fcfg)
	if err != nil {
		p.Close()
		return nil, exitError(exitFailure, "Failed to set up finalize", err)
	}
	return p, nil
}

// preflightSpec builds the preflight spec from the manifest, with an
// optional mode override.
func preflightSpec(m *manifest.Manifest, modeOverride string) (preflight.Spec, error) {
	raw := m.Publish.Preflight.Mode
	if modeOverride != "" {
		raw = modeOverride
	}
	mode, err := preflight.ParseMode(raw)
	if err != nil {
		return preflight.Spec{}, exitError(foundry.ExitInvalidArgument, "Invalid --preflight value", err)
	}
	return preflight.Spec{
		Mode:          mode,
		ProbeStrategy: preflight.ProbeStrategy(m.Publish.Preflight.ProbeStrategy),
		ProbePrefix:   m.Publish.Preflight.ProbePrefix,
	}, nil
}

// runPreflight checks the results location and the publish destination
// before any node is launched.
func runPreflight(ctx context.Context, p *pipeline, spec preflight.Spec, events output.Writer) error {
	log := observability.CLILogger

	rec, err := preflight.ResultsLocation(ctx, p.results.Store, p.results.Prefix, spec)
	if werr := events.WritePreflight(ctx, rec); werr != nil {
		log.Warn("Failed to write preflight record", zap.Error(werr))
	}
	if err != nil {
		log.Error("Preflight failed on results location", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", err)
	}

	if p.publisher == nil {
		return nil
	}
	dstSpec := spec
	dstSpec.ProbePrefix = p.publishTo.Prefix + spec.ProbePrefix
	rec, err = preflight.Destination(ctx, p.publishTo.Store, p.publisher.TargetDir(), dstSpec)
	if werr := events.WritePreflight(ctx, rec); werr != nil {
		log.Warn("Failed to write preflight record", zap.Error(werr))
	}
	if err != nil {
		log.Error("Preflight failed on publish destination", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight failed", err)
	}
	return nil
}
