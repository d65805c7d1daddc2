package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	fn()
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String()
}

func TestPreflight_PlanOnly_WritesRecord(t *testing.T) {
	isolateCLI(t)
	missing := filepath.Join(t.TempDir(), "not-created")
	job := writeManifest(t, fleetOptions{results: missing, publish: filepath.Join(t.TempDir(), "dest")})

	var err error
	out := captureStdout(t, func() {
		_, err = execute(t, "preflight", "--job", job, "--mode", "plan-only")
	})
	require.NoError(t, err)

	assert.Contains(t, out, "evalfleet.preflight.v1")
	assert.Contains(t, out, `"mode":"plan-only"`)
	assert.NoDirExists(t, missing, "plan-only does not touch the filesystem")
}

func TestPreflight_WriteProbeOnFileDestination(t *testing.T) {
	isolateCLI(t)
	dest := t.TempDir()
	job := writeManifest(t, fleetOptions{results: t.TempDir(), publish: dest})

	var err error
	out := captureStdout(t, func() {
		_, err = execute(t, "preflight", "--job", job, "--mode", "write-probe")
	})
	require.NoError(t, err)

	assert.Contains(t, out, "results.list")
	assert.Contains(t, out, "PutObject+Delete")
	assert.NotContains(t, out, `"allowed":false`)

	entries, err := os.ReadDir(filepath.Join(dest, "_evalfleet", "probe"))
	if err == nil {
		assert.Empty(t, entries, "probe object is removed")
	}
}

func TestPreflight_InvalidMode(t *testing.T) {
	isolateCLI(t)
	job := writeManifest(t, fleetOptions{results: t.TempDir()})

	_, err := execute(t, "preflight", "--job", job, "--mode", "yolo")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeOf(err))
}
