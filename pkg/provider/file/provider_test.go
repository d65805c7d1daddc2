package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/evalfleet/pkg/provider"
)

func newTestProvider(t *testing.T) (*Provider, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	return p, dir
}

func writeFile(t *testing.T, dir, rel, body string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNew_Create(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	p, err := New(Config{BaseDir: dir, Create: true})
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, dir, p.BaseDir())
}

func TestList_PrefixAndPagination(t *testing.T) {
	p, dir := newTestProvider(t)
	writeFile(t, dir, "results_r1_node0_rank0.json", "{}")
	writeFile(t, dir, "results_r1_node0_rank1.json", "{}")
	writeFile(t, dir, "results_r1_node1_rank2.json", "{}")
	writeFile(t, dir, "results_r2_node0_rank0.json", "{}")
	writeFile(t, dir, "sub/results_r1_node9_rank9.json", "{}")

	ctx := context.Background()
	page, err := p.List(ctx, provider.ListOptions{Prefix: "results_r1_", MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "results_r1_node0_rank0.json", page.Objects[0].Key)

	next, err := p.List(ctx, provider.ListOptions{Prefix: "results_r1_", MaxKeys: 2, ContinuationToken: page.ContinuationToken})
	require.NoError(t, err)
	require.Len(t, next.Objects, 1)
	assert.False(t, next.IsTruncated)
	assert.Equal(t, "results_r1_node1_rank2.json", next.Objects[0].Key)

	all, err := provider.ListAll(ctx, p, "sub/")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "sub/results_r1_node9_rank9.json", all[0].Key)
}

func TestList_MissingDirectoryIsEmpty(t *testing.T) {
	p, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "absent")})
	require.NoError(t, err)

	page, err := p.List(context.Background(), provider.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, page.Objects)
}

func TestHead(t *testing.T) {
	p, dir := newTestProvider(t)
	writeFile(t, dir, "a/b.json", "hello")

	meta, err := p.Head(context.Background(), "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.Size)

	_, err = p.Head(context.Background(), "a/missing.json")
	assert.True(t, provider.IsNotFound(err))

	_, err = p.Head(context.Background(), "a")
	assert.True(t, provider.IsNotFound(err))
}

func TestPutGetDelete(t *testing.T) {
	p, dir := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.PutObject(ctx, "results/m/v/out.json", strings.NewReader("data"), 4))
	assert.FileExists(t, filepath.Join(dir, "results", "m", "v", "out.json"))

	body, n, err := p.GetObject(ctx, "results/m/v/out.json")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, "data", string(b))

	require.NoError(t, p.DeleteObject(ctx, "results/m/v/out.json"))
	require.NoError(t, p.DeleteObject(ctx, "results/m/v/out.json"))

	_, _, err = p.GetObject(ctx, "results/m/v/out.json")
	assert.True(t, provider.IsNotFound(err))
}

func TestKeysStayUnderBaseDir(t *testing.T) {
	p, dir := newTestProvider(t)
	writeFile(t, dir, "etc/passwd", "x")

	meta, err := p.Head(context.Background(), "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Size)
}

func TestCancelledContext(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.List(ctx, provider.ListOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
