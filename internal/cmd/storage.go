package cmd

import (
	"context"
	"fmt"

	"github.com/3leaps/evalfleet/pkg/manifest"
	"github.com/3leaps/evalfleet/pkg/provider"
	"github.com/3leaps/evalfleet/pkg/provider/file"
	"github.com/3leaps/evalfleet/pkg/provider/s3"
)

// objectStore is what the results location and the publish destination
// must support: listing, reads and writes.
type objectStore interface {
	provider.Provider
	provider.ObjectGetter
	provider.ObjectPutter
}

// openedLocation is a provider opened on a parsed location. Prefix is the
// key prefix inside the provider; empty for file locations.
type openedLocation struct {
	Location provider.Location
	Store    objectStore
	Prefix   string
}

// openLocation opens raw as an s3 or file provider. create makes missing
// file directories.
func openLocation(ctx context.Context, raw string, storage manifest.StorageConfig, create bool) (*openedLocation, error) {
	loc, err := provider.ParseLocation(raw)
	if err != nil {
		return nil, err
	}

	switch loc.Type {
	case provider.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:   loc.Bucket,
			Region:   storage.Region,
			Endpoint: storage.Endpoint,
			Profile:  storage.Profile,
			// S3-compatible services (moto, MinIO, etc.) require path-style URLs.
			ForcePathStyle: storage.Endpoint != "",
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", loc, err)
		}
		return &openedLocation{Location: loc, Store: p, Prefix: loc.Prefix}, nil
	case provider.ProviderFile:
		p, err := file.New(file.Config{BaseDir: loc.Path, Create: create})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", loc, err)
		}
		return &openedLocation{Location: loc, Store: p}, nil
	default:
		return nil, fmt.Errorf("unsupported location type %q", loc.Type)
	}
}

// localResultsDir returns the directory workers write shards to. Workers
// write plain files, so the results location must be a shared filesystem.
func localResultsDir(m *manifest.Manifest) (string, error) {
	loc, err := provider.ParseLocation(m.Results.Location)
	if err != nil {
		return "", err
	}
	if loc.Type != provider.ProviderFile {
		return "", fmt.Errorf("results.location %q: workers need a shared filesystem path; s3 results are only supported by reconcile", m.Results.Location)
	}
	return loc.Path, nil
}
