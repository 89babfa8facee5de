// Package selfmon turns the governance circuit on its own repository:
// module size, test coverage shape, documentation drift and dependency
// growth become threshold metrics like any other.
//
// The monitor is just another MetricSource publishing
// threshold.detected; a configuration change to the monitor itself is a
// proposed action that must traverse the full circuit.
package selfmon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/time/rate"

	"github.com/templetwo/threshold-protocols/pkg/circuit"
	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// Metric names the self-monitor contributes. Hosts register these as
// custom metrics on their detector.
const (
	MetricLinesPerModule  detect.Metric = "lines_per_module"
	MetricUntestedRatio   detect.Metric = "untested_ratio"
	MetricDocDrift        detect.Metric = "doc_drift"
	MetricDependencyDelta detect.Metric = "dependency_additions"
	MetricBypassMarkers   detect.Metric = "gate_bypass_markers"
)

// RegisterMetrics declares the self-monitor metrics on a detector.
func RegisterMetrics(d *detect.Detector) {
	for _, m := range []detect.Metric{
		MetricLinesPerModule,
		MetricUntestedRatio,
		MetricDocDrift,
		MetricDependencyDelta,
		MetricBypassMarkers,
	} {
		d.RegisterCustom(m)
	}
}

// bypassMarkers are source fragments suggesting an attempt to route
// around enforcement.
var bypassMarkers = []string{
	"skip_gate",
	"bypass_approval",
	"force_apply",
	"no_audit",
}

// RepoSource derives self-governance metrics from a source tree.
type RepoSource struct {
	// BaselineGoMod is the last-approved go.mod content; dependency
	// additions are measured against it. Empty disables the metric.
	BaselineGoMod []byte
	// DocDriftWindow is how much newer an implementation file may be
	// than its package documentation before it counts as drifted.
	DocDriftWindow time.Duration
}

// Collect implements detect.MetricSource.
func (s RepoSource) Collect(ctx context.Context, target string) (detect.Observation, error) {
	moduleLines := map[string]float64{}
	moduleTested := map[string]bool{}
	moduleNewest := map[string]time.Time{}
	moduleDocTime := map[string]time.Time{}
	bypass := []string{}

	root := filepath.Clean(target)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == "vendor" || name == ".git" || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		pkg := filepath.Dir(rel)
		info, err := d.Info()
		if err != nil {
			return nil
		}

		switch {
		case strings.HasSuffix(name, "_test.go"):
			moduleTested[pkg] = true
		case strings.HasSuffix(name, ".go"):
			lines, markers := scanSource(path)
			moduleLines[pkg] += float64(lines)
			bypass = append(bypass, markers...)
			if info.ModTime().After(moduleNewest[pkg]) {
				moduleNewest[pkg] = info.ModTime()
			}
		case strings.HasSuffix(name, ".md"):
			if info.ModTime().After(moduleDocTime[pkg]) {
				moduleDocTime[pkg] = info.ModTime()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	maxLines := 0.0
	untested := 0.0
	for pkg, lines := range moduleLines {
		if lines > maxLines {
			maxLines = lines
		}
		if !moduleTested[pkg] {
			untested++
		}
	}
	untestedRatio := 0.0
	if len(moduleLines) > 0 {
		untestedRatio = untested / float64(len(moduleLines))
	}

	window := s.DocDriftWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	drifted := 0.0
	for pkg, newest := range moduleNewest {
		doc, ok := moduleDocTime[pkg]
		if !ok {
			continue
		}
		if newest.Sub(doc) > window {
			drifted++
		}
	}

	obs := detect.Observation{
		MetricLinesPerModule: {
			Value:   maxLines,
			Details: map[string]any{"modules": len(moduleLines)},
		},
		MetricUntestedRatio: {
			Value:   untestedRatio,
			Details: map[string]any{"untested_modules": untested},
		},
		MetricDocDrift: {
			Value:   drifted,
			Details: map[string]any{"window": window.String()},
		},
		MetricBypassMarkers: {
			Value:   float64(len(bypass)),
			Details: map[string]any{"files": bypass},
		},
	}

	if len(s.BaselineGoMod) > 0 {
		current, err := os.ReadFile(filepath.Join(root, "go.mod"))
		if err == nil {
			added, upgraded := dependencyDelta(s.BaselineGoMod, current)
			obs[MetricDependencyDelta] = detect.Sample{
				Value:   float64(len(added) + len(upgraded)),
				Details: map[string]any{"added": added, "upgraded": upgraded},
			}
		}
	}
	return obs, nil
}

// scanSource counts lines and records gate-bypass markers.
func scanSource(path string) (int, []string) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil
	}
	defer f.Close()

	lines := 0
	var markers []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
		lower := strings.ToLower(sc.Text())
		for _, m := range bypassMarkers {
			if strings.Contains(lower, m) {
				markers = append(markers, fmt.Sprintf("%s:%d", filepath.Base(path), lines))
				break
			}
		}
	}
	return lines, markers
}

// dependencyDelta compares two go.mod documents. A requirement absent
// from the baseline is an addition; one whose version increased (by
// semver comparison) is an upgrade.
func dependencyDelta(baseline, current []byte) (added, upgraded []string) {
	base := parseRequirements(baseline)
	for mod, ver := range parseRequirements(current) {
		prev, ok := base[mod]
		if !ok {
			added = append(added, mod)
			continue
		}
		pv, err1 := semver.NewVersion(strings.TrimPrefix(prev, "v"))
		cv, err2 := semver.NewVersion(strings.TrimPrefix(ver, "v"))
		if err1 == nil && err2 == nil && cv.GreaterThan(pv) {
			upgraded = append(upgraded, fmt.Sprintf("%s %s -> %s", mod, prev, ver))
		}
	}
	return added, upgraded
}

// parseRequirements extracts module -> version from a go.mod document.
func parseRequirements(gomod []byte) map[string]string {
	out := map[string]string{}
	inBlock := false
	sc := bufio.NewScanner(bytes.NewReader(gomod))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "require (":
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock || strings.HasPrefix(line, "require "):
			line = strings.TrimPrefix(line, "require ")
			line = strings.TrimSuffix(line, "// indirect")
			fields := strings.Fields(line)
			if len(fields) >= 2 && strings.Contains(fields[0], "/") {
				out[fields[0]] = fields[1]
			}
		}
	}
	return out
}

// Monitor drives periodic self-governance passes.
type Monitor struct {
	circuit *circuit.Circuit
	source  RepoSource
	root    string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewMonitor builds a Monitor that scans root at most once per interval.
func NewMonitor(c *circuit.Circuit, source RepoSource, root string, interval time.Duration) (*Monitor, error) {
	if c == nil {
		return nil, fmt.Errorf("selfmon: circuit required: %w", faults.ErrInvalidArgument)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		circuit: c,
		source:  source,
		root:    root,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  slog.Default().With("component", "selfmon"),
	}, nil
}

// Tick runs one self-governance pass, honoring the scan pacing.
func (m *Monitor) Tick(ctx context.Context, opts circuit.RunOptions) (circuit.Result, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return circuit.Result{}, fmt.Errorf("selfmon: %w", faults.ErrCancelled)
	}
	res, err := m.circuit.Run(ctx, m.source, m.root, opts)
	if err != nil {
		return res, err
	}
	m.logger.Info("self-monitor pass complete",
		"decision", res.Decision, "applied", res.Applied(), "events", len(res.Events))
	return res, nil
}

// ProposeConfigChange routes a change to the monitor's own configuration
// through the circuit: the proposed content becomes the governed target
// via a one-shot metric source describing the change.
func (m *Monitor) ProposeConfigChange(ctx context.Context, path string, proposed []byte, opts circuit.RunOptions) (circuit.Result, error) {
	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return circuit.Result{}, fmt.Errorf("selfmon: read config: %w", err)
	}
	changed := 0.0
	if !bytes.Equal(current, proposed) {
		changed = 1.0
	}
	src := staticObservation{obs: detect.Observation{
		detect.MetricSelfReference: {
			Value: changed,
			Details: map[string]any{
				"path":          path,
				"proposed_size": len(proposed),
			},
		},
	}}
	res, err := m.circuit.Run(ctx, src, path, opts)
	if err != nil {
		return res, err
	}
	if res.Applied() {
		if werr := os.WriteFile(path, proposed, 0o644); werr != nil {
			return res, fmt.Errorf("selfmon: apply config: %w", werr)
		}
		m.logger.Info("self-monitor configuration applied", "path", path)
	}
	return res, nil
}

type staticObservation struct {
	obs detect.Observation
}

func (s staticObservation) Collect(context.Context, string) (detect.Observation, error) {
	return s.obs, nil
}
