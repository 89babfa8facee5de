package selfmon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/templetwo/threshold-protocols/pkg/detect"
)

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func TestCollectModuleMetrics(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-90 * 24 * time.Hour)

	writeFile(t, filepath.Join(dir, "pkg", "alpha", "alpha.go"), "package alpha\n\nfunc A() {}\n", time.Time{})
	writeFile(t, filepath.Join(dir, "pkg", "alpha", "alpha_test.go"), "package alpha\n", time.Time{})
	writeFile(t, filepath.Join(dir, "pkg", "alpha", "README.md"), "# alpha\n", time.Time{})
	writeFile(t, filepath.Join(dir, "pkg", "beta", "beta.go"), "package beta\nfunc B() {}\nfunc C() {}\n", time.Time{})
	writeFile(t, filepath.Join(dir, "pkg", "beta", "README.md"), "# beta\n", old)

	obs, err := RepoSource{DocDriftWindow: 30 * 24 * time.Hour}.Collect(context.Background(), dir)
	require.NoError(t, err)

	require.Greater(t, obs[MetricLinesPerModule].Value, 0.0)
	require.InDelta(t, 0.5, obs[MetricUntestedRatio].Value, 1e-9, "beta has no tests")
	require.Equal(t, 1.0, obs[MetricDocDrift].Value, "beta's docs lag its implementation")
	require.Equal(t, 0.0, obs[MetricBypassMarkers].Value)
}

func TestCollectBypassMarkers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sneaky.go"), "package main\n// TODO bypass_approval for demo\n", time.Time{})

	obs, err := RepoSource{}.Collect(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 1.0, obs[MetricBypassMarkers].Value)
}

func TestCollectSkipsUnderscoreAndGitDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "_examples", "x.go"), "package x\nfunc X() {}\n", time.Time{})
	writeFile(t, filepath.Join(dir, ".git", "hooks", "y.go"), "package y\n", time.Time{})
	writeFile(t, filepath.Join(dir, "real.go"), "package main\n", time.Time{})

	obs, err := RepoSource{}.Collect(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 1.0, float64(obs[MetricLinesPerModule].Details["modules"].(int)))
}

func TestDependencyDelta(t *testing.T) {
	baseline := []byte(`module example.com/m

go 1.24.0

require (
	github.com/google/uuid v1.5.0
	gopkg.in/yaml.v3 v3.0.1
)
`)
	current := []byte(`module example.com/m

go 1.24.0

require (
	github.com/google/uuid v1.6.0
	github.com/gowebpki/jcs v1.0.1
	gopkg.in/yaml.v3 v3.0.1
)
`)
	added, upgraded := dependencyDelta(baseline, current)
	require.Equal(t, []string{"github.com/gowebpki/jcs"}, added)
	require.Len(t, upgraded, 1)
	require.Contains(t, upgraded[0], "github.com/google/uuid")
}

func TestDependencyDeltaMetricEmitted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"),
		"module example.com/m\n\ngo 1.24.0\n\nrequire github.com/google/uuid v1.6.0\n", time.Time{})

	src := RepoSource{BaselineGoMod: []byte("module example.com/m\n\ngo 1.24.0\n")}
	obs, err := src.Collect(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 1.0, obs[MetricDependencyDelta].Value)
}

func TestRegisterMetrics(t *testing.T) {
	d := detect.New(nil)
	RegisterMetrics(d)
	require.NoError(t, d.SetThreshold(detect.Threshold{Metric: MetricLinesPerModule, Limit: 2000, Enabled: true}))
	require.NoError(t, d.SetThreshold(detect.Threshold{Metric: MetricUntestedRatio, Limit: 0.5, Enabled: true}))
}
