package preflight_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalfleet/pkg/preflight"
	"github.com/3leaps/evalfleet/pkg/provider"
	"github.com/3leaps/evalfleet/pkg/provider/file"
)

type denyMultipartProvider struct {
	listErr error
	aborted bool
}

func (p *denyMultipartProvider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return &provider.ListResult{}, nil
}

func (p *denyMultipartProvider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	return nil, provider.ErrNotFound
}

func (p *denyMultipartProvider) Close() error {
	return nil
}

func (p *denyMultipartProvider) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return "", provider.ErrAccessDenied
}

func (p *denyMultipartProvider) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	p.aborted = true
	return nil
}

func TestWriteProbe_MultipartAbort_Denied(t *testing.T) {
	p := &denyMultipartProvider{}

	rec, err := preflight.WriteProbe(context.Background(), p, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	require.Len(t, rec.Results, 1)

	r := rec.Results[0]
	assert.Equal(t, preflight.CapTargetWrite, r.Capability)
	assert.False(t, r.Allowed)
	assert.Equal(t, "CreateMultipartUpload+Abort", r.Method)
	assert.Equal(t, "ACCESS_DENIED", r.ErrorCode)
	assert.False(t, p.aborted)
}

func TestWriteProbe_PutDeleteOnFilesystem(t *testing.T) {
	dir := t.TempDir()
	p, err := file.New(file.Config{BaseDir: dir})
	require.NoError(t, err)

	rec, err := preflight.WriteProbe(context.Background(), p, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.True(t, rec.Results[0].Allowed)
	assert.Equal(t, "PutObject+Delete", rec.Results[0].Method)

	leftovers, err := provider.ListAll(context.Background(), p, "")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteProbe_UnsupportedStrategy(t *testing.T) {
	p := &denyMultipartProvider{}

	_, err := preflight.WriteProbe(context.Background(), p, preflight.Spec{ProbeStrategy: preflight.ProbePutDelete})
	require.Error(t, err)

	_, err = preflight.WriteProbe(context.Background(), p, preflight.Spec{ProbeStrategy: "teleport"})
	require.Error(t, err)
}

func TestDestination_Modes(t *testing.T) {
	dir := t.TempDir()
	p, err := file.New(file.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := preflight.Destination(ctx, p, "results/m/default", preflight.Spec{Mode: preflight.ModePlanOnly})
	require.NoError(t, err)
	assert.Empty(t, rec.Results)

	rec, err = preflight.Destination(ctx, p, "results/m/default", preflight.Spec{Mode: preflight.ModeReadSafe})
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, preflight.CapTargetList, rec.Results[0].Capability)
	assert.Equal(t, preflight.CapTargetHead, rec.Results[1].Capability)

	rec, err = preflight.Destination(ctx, p, "results/m/default", preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.NoError(t, err)
	require.Len(t, rec.Results, 3)
	assert.Equal(t, preflight.CapTargetWrite, rec.Results[2].Capability)
}

func TestDestination_ListDeniedStopsEarly(t *testing.T) {
	p := &denyMultipartProvider{listErr: &provider.ProviderError{Op: "List", Provider: provider.ProviderS3, Bucket: "b", Err: provider.ErrBucketNotFound}}

	rec, err := preflight.Destination(context.Background(), p, "results", preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, "NOT_FOUND", rec.Results[0].ErrorCode)
}

func TestResultsLocation(t *testing.T) {
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	rec, err := preflight.ResultsLocation(context.Background(), p, "", preflight.Spec{Mode: preflight.ModeReadSafe})
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, preflight.CapResultsList, rec.Results[0].Capability)
	assert.True(t, rec.Results[0].Allowed)
}

func TestWriteProbe_ReadOnlyDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	p, err := file.New(file.Config{BaseDir: dir})
	require.NoError(t, err)

	rec, err := preflight.WriteProbe(context.Background(), p, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	assert.Equal(t, "ACCESS_DENIED", rec.Results[0].ErrorCode)
}

func TestParseMode(t *testing.T) {
	m, err := preflight.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, preflight.ModeWriteProbe, m)

	m, err = preflight.ParseMode("read-safe")
	require.NoError(t, err)
	assert.Equal(t, preflight.ModeReadSafe, m)

	_, err = preflight.ParseMode("yolo")
	require.Error(t, err)
}
