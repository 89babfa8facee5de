// Package detect evaluates metric observations against configured
// thresholds and emits the ThresholdEvents that open a circuit.
//
// Detection only observes. It never decides: severity classification and
// the event artifact are its entire output.
package detect

import (
	"fmt"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
)

// Metric identifies a measured quantity.
type Metric string

// Built-in metrics. Hosts may register additional names through
// Detector.RegisterCustom; unknown names fail configuration loading.
const (
	MetricFileCount       Metric = "file_count"
	MetricDirectoryDepth  Metric = "directory_depth"
	MetricFilenameEntropy Metric = "filename_entropy"
	MetricSelfReference   Metric = "self_reference"
	MetricGrowthRate      Metric = "growth_rate"
	MetricReflexPattern   Metric = "reflex_pattern"
	MetricCustom          Metric = "custom"
)

func builtinMetrics() map[Metric]bool {
	return map[Metric]bool{
		MetricFileCount:       true,
		MetricDirectoryDepth:  true,
		MetricFilenameEntropy: true,
		MetricSelfReference:   true,
		MetricGrowthRate:      true,
		MetricReflexPattern:   true,
		MetricCustom:          true,
	}
}

// Severity classifies how far a value sits against its threshold.
type Severity string

const (
	SeverityNone      Severity = ""
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank orders severities for comparison; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityEmergency:
		return 4
	default:
		return 0
	}
}

// Severity bands as ratios of value to threshold. The lower Info bound is
// 64% of the threshold; below that no event is emitted.
const (
	infoRatio      = 0.64
	warningRatio   = 0.80
	criticalRatio  = 1.00
	emergencyRatio = 1.50
)

// Classify maps a value/threshold pair to a severity band.
func Classify(value, threshold float64) Severity {
	if threshold <= 0 {
		return SeverityNone
	}
	ratio := value / threshold
	switch {
	case ratio >= emergencyRatio:
		return SeverityEmergency
	case ratio >= criticalRatio:
		return SeverityCritical
	case ratio >= warningRatio:
		return SeverityWarning
	case ratio >= infoRatio:
		return SeverityInfo
	default:
		return SeverityNone
	}
}

// ThresholdEvent is the primary detection artifact: one threshold
// crossing, hash-bound for downstream reference.
type ThresholdEvent struct {
	Metric    Metric         `json:"metric"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Target    string         `json:"target"`
	Details   map[string]any `json:"details"`
	EventHash string         `json:"event_hash"`
}

// Seal computes the 16-hex event hash over the canonical form of every
// field except the hash itself. Identical field contents always produce
// an identical hash.
func (e *ThresholdEvent) Seal() error {
	h, err := canonicalize.HashN(struct {
		Metric    Metric         `json:"metric"`
		Value     float64        `json:"value"`
		Threshold float64        `json:"threshold"`
		Severity  Severity       `json:"severity"`
		Timestamp time.Time      `json:"timestamp"`
		Target    string         `json:"target"`
		Details   map[string]any `json:"details"`
	}{e.Metric, e.Value, e.Threshold, e.Severity, e.Timestamp, e.Target, e.Details}, 16)
	if err != nil {
		return fmt.Errorf("detect: seal event: %w", err)
	}
	e.EventHash = h
	return nil
}

// VerifyHash recomputes the event hash and reports whether it matches.
func (e ThresholdEvent) VerifyHash() bool {
	cp := e
	if err := cp.Seal(); err != nil {
		return false
	}
	return cp.EventHash == e.EventHash
}

// Sample is one observation from a metric source.
type Sample struct {
	Value   float64
	Details map[string]any
}

// Observation is the full set of samples collected from a target at one
// instant.
type Observation map[Metric]Sample

// PriorObservation carries the host-managed state needed for growth-rate
// momentum across circuit invocations.
type PriorObservation struct {
	FileCount float64   `json:"file_count"`
	Timestamp time.Time `json:"timestamp"`
}
