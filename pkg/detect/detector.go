package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/bus"
	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// MetricSource supplies observations about a target. Filesystem scanners,
// repository analyzers and host-specific probes all sit behind this
// interface.
type MetricSource interface {
	Collect(ctx context.Context, target string) (Observation, error)
}

// Threshold is the configured limit for one metric.
type Threshold struct {
	Metric      Metric
	Limit       float64
	Enabled     bool
	Description string
}

// Detector evaluates observations against configured thresholds.
type Detector struct {
	thresholds map[Metric]Threshold
	custom     map[Metric]bool
	bus        *bus.Bus
	logger     *slog.Logger
	clock      func() time.Time
}

// New creates a detector with no thresholds configured. bus may be nil;
// events are then returned but not published.
func New(b *bus.Bus) *Detector {
	return &Detector{
		thresholds: make(map[Metric]Threshold),
		custom:     make(map[Metric]bool),
		bus:        b,
		logger:     slog.Default().With("component", "detect"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// RegisterCustom allows a host-defined metric name in configuration and
// observations.
func (d *Detector) RegisterCustom(name Metric) {
	d.custom[name] = true
}

// SetThreshold adds or replaces the threshold for one metric. The metric
// must be built-in or previously registered.
func (d *Detector) SetThreshold(t Threshold) error {
	if !builtinMetrics()[t.Metric] && !d.custom[t.Metric] {
		return fmt.Errorf("detect: unknown metric %q: %w", t.Metric, faults.ErrInvalidArgument)
	}
	if t.Limit <= 0 {
		return fmt.Errorf("detect: metric %q limit must be positive: %w", t.Metric, faults.ErrInvalidArgument)
	}
	d.thresholds[t.Metric] = t
	return nil
}

// Thresholds returns the configured thresholds, sorted by metric name.
func (d *Detector) Thresholds() []Threshold {
	out := make([]Threshold, 0, len(d.thresholds))
	for _, t := range d.thresholds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// ScanOptions tune one detection pass.
type ScanOptions struct {
	// Prior carries the previous file-count observation for growth-rate
	// momentum. Nil disables the growth-rate metric for this pass.
	Prior *PriorObservation
}

// Scan collects an observation from source and evaluates every enabled
// threshold against it. Events of any severity (Info and above) are
// returned in deterministic metric order and published to
// threshold.detected.
func (d *Detector) Scan(ctx context.Context, source MetricSource, target string, opts ScanOptions) ([]ThresholdEvent, error) {
	obs, err := source.Collect(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("detect: collect %q: %w", target, err)
	}
	return d.Evaluate(obs, target, opts)
}

// Evaluate checks an already-collected observation. Growth rate is
// derived here from the prior observation when the observation carries a
// file count.
func (d *Detector) Evaluate(obs Observation, target string, opts ScanOptions) ([]ThresholdEvent, error) {
	now := d.clock().UTC()

	if fc, ok := obs[MetricFileCount]; ok && opts.Prior != nil {
		rate, details := growthRate(fc.Value, now, *opts.Prior)
		obs[MetricGrowthRate] = Sample{Value: rate, Details: details}
	}

	metrics := make([]Metric, 0, len(obs))
	for m := range obs {
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i] < metrics[j] })

	var events []ThresholdEvent
	for _, m := range metrics {
		t, ok := d.thresholds[m]
		if !ok || !t.Enabled {
			continue
		}
		sev := Classify(obs[m].Value, t.Limit)
		if sev == SeverityNone {
			continue
		}
		ev := ThresholdEvent{
			Metric:    m,
			Value:     obs[m].Value,
			Threshold: t.Limit,
			Severity:  sev,
			Timestamp: now,
			Target:    target,
			Details:   obs[m].Details,
		}
		if err := ev.Seal(); err != nil {
			return nil, err
		}
		events = append(events, ev)
		d.logger.Info("threshold event",
			"metric", m, "value", obs[m].Value, "limit", t.Limit, "severity", sev)
		if d.bus != nil {
			if _, err := d.bus.Publish(bus.TopicThresholdDetected, ev, "detect"); err != nil {
				return nil, err
			}
		}
	}
	return events, nil
}

// growthRate computes files per second since the prior observation. Only
// positive growth registers; deletions read as zero momentum.
func growthRate(current float64, now time.Time, prior PriorObservation) (float64, map[string]any) {
	details := map[string]any{
		"current_count":  current,
		"previous_count": prior.FileCount,
	}
	dt := now.Sub(prior.Timestamp).Seconds()
	if dt <= 0 {
		details["files_per_second"] = 0.0
		return 0, details
	}
	delta := current - prior.FileCount
	if delta <= 0 {
		details["files_per_second"] = 0.0
		return 0, details
	}
	rate := delta / dt
	details["files_per_second"] = rate
	return rate, details
}

// Highest returns the event with the greatest severity, ties broken by
// the most recent timestamp, then by metric name for stability. ok is
// false when events is empty.
func Highest(events []ThresholdEvent) (ThresholdEvent, bool) {
	if len(events) == 0 {
		return ThresholdEvent{}, false
	}
	best := events[0]
	for _, e := range events[1:] {
		switch {
		case e.Severity.Rank() > best.Severity.Rank():
			best = e
		case e.Severity.Rank() == best.Severity.Rank() && e.Timestamp.After(best.Timestamp):
			best = e
		case e.Severity.Rank() == best.Severity.Rank() && e.Timestamp.Equal(best.Timestamp) && e.Metric < best.Metric:
			best = e
		}
	}
	return best, true
}
