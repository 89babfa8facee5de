// Package simulate models candidate scenarios for a threshold event with
// seeded Monte-Carlo runs over a perturbed state graph.
//
// Reproducibility is the design constraint everything else bends around:
// given identical (event, seed, runs, model) the emitted Prediction is
// byte-identical apart from its timestamp.
package simulate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
)

// Scenario names a candidate course of action.
type Scenario string

const (
	ScenarioReorganize        Scenario = "reorganize"
	ScenarioPartialReorganize Scenario = "partial-reorganize"
	ScenarioDefer             Scenario = "defer"
	ScenarioRollback          Scenario = "rollback"
	ScenarioIncremental       Scenario = "incremental"
)

// DefaultScenarios is the candidate set modeled when the host does not
// narrow it.
func DefaultScenarios() []Scenario {
	return []Scenario{
		ScenarioReorganize,
		ScenarioPartialReorganize,
		ScenarioDefer,
		ScenarioRollback,
		ScenarioIncremental,
	}
}

// Outcome aggregates one scenario across all Monte-Carlo runs.
type Outcome struct {
	Scenario           Scenario   `json:"scenario"`
	Probability        float64    `json:"probability"`
	Reversibility      float64    `json:"reversibility"`
	SideEffects        []string   `json:"side_effects"`
	StateHash          string     `json:"state_hash"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	Variance           float64    `json:"variance"`
}

// Prediction is the simulation artifact for one event.
type Prediction struct {
	EventHash      string    `json:"event_hash"`
	Model          string    `json:"model"`
	Seed           int64     `json:"seed"`
	MonteCarloRuns int       `json:"monte_carlo_runs"`
	Outcomes       []Outcome `json:"outcomes"`
	Timestamp      time.Time `json:"timestamp"`
	PredictionHash string    `json:"prediction_hash"`
}

// Seal computes the 16-hex prediction hash over the canonical form of the
// reproducible fields. The timestamp is deliberately excluded so reruns
// with the same inputs hash identically.
func (p *Prediction) Seal() error {
	h, err := canonicalize.HashN(struct {
		EventHash      string    `json:"event_hash"`
		Model          string    `json:"model"`
		Seed           int64     `json:"seed"`
		MonteCarloRuns int       `json:"monte_carlo_runs"`
		Outcomes       []Outcome `json:"outcomes"`
	}{p.EventHash, p.Model, p.Seed, p.MonteCarloRuns, p.Outcomes}, 16)
	if err != nil {
		return fmt.Errorf("simulate: seal prediction: %w", err)
	}
	p.PredictionHash = h
	return nil
}

// Best returns the highest-probability outcome; ok is false when the
// prediction is empty.
func (p Prediction) Best() (Outcome, bool) {
	if len(p.Outcomes) == 0 {
		return Outcome{}, false
	}
	return p.Outcomes[0], true
}

// MostReversible returns the outcome with the greatest reversibility.
func (p Prediction) MostReversible() (Outcome, bool) {
	if len(p.Outcomes) == 0 {
		return Outcome{}, false
	}
	best := p.Outcomes[0]
	for _, o := range p.Outcomes[1:] {
		if o.Reversibility > best.Reversibility {
			best = o
		}
	}
	return best, true
}

// SeedFromEventHash derives a deterministic seed from a 16-hex event
// hash, for callers that do not supply one.
func SeedFromEventHash(eventHash string) int64 {
	if v, err := strconv.ParseUint(eventHash, 16, 64); err == nil {
		return int64(v)
	}
	// Non-hex target identifiers still need a stable seed.
	sum := canonicalize.HashBytes([]byte(eventHash))
	v, _ := strconv.ParseUint(sum[:16], 16, 64)
	return int64(v)
}
