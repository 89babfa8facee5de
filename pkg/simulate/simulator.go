package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// Config tunes one simulation.
type Config struct {
	// Model names the heuristic set; it participates in the prediction
	// hash so distinct models never alias.
	Model string
	// Seed drives every random draw. Zero means "derive from the event
	// hash".
	Seed int64
	// Runs is the Monte-Carlo run count. Zero means DefaultRuns.
	Runs int
	// Scenarios narrows the candidate set. Empty means DefaultScenarios.
	Scenarios []Scenario
}

// DefaultRuns is the Monte-Carlo run count when the host does not choose.
const DefaultRuns = 100

// Simulator runs seeded Monte-Carlo prediction.
type Simulator struct {
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Simulator.
func New() *Simulator {
	return &Simulator{
		logger: slog.Default().With("component", "simulate"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Simulator) WithClock(clock func() time.Time) *Simulator {
	s.clock = clock
	return s
}

// runSample is the result of evaluating one scenario in one run.
type runSample struct {
	reversibility float64
	effects       []string
	stateHash     string
	score         float64
}

// Predict models every candidate scenario against cfg.Runs perturbed
// variants of the event's state graph.
//
// Each run i draws from a sub-generator derived from (seed, i), so run
// results are independent of evaluation order. A run whose evaluation
// fails is dropped; if more than half fail the whole simulation fails
// with SimulationInstability. Context cancellation is honored between
// runs.
func (s *Simulator) Predict(ctx context.Context, event detect.ThresholdEvent, cfg Config) (Prediction, error) {
	if cfg.Runs == 0 {
		cfg.Runs = DefaultRuns
	}
	if cfg.Runs < 1 {
		return Prediction{}, fmt.Errorf("simulate: run count %d: %w", cfg.Runs, faults.ErrInvalidArgument)
	}
	if event.EventHash == "" {
		return Prediction{}, fmt.Errorf("simulate: event is unsealed: %w", faults.ErrInvalidArgument)
	}
	if cfg.Model == "" {
		cfg.Model = "governance"
	}
	if cfg.Seed == 0 {
		cfg.Seed = SeedFromEventHash(event.EventHash)
	}
	scenarios := cfg.Scenarios
	if len(scenarios) == 0 {
		scenarios = DefaultScenarios()
	}

	base := buildGraph(event)
	perScenario := make(map[Scenario][]runSample, len(scenarios))
	wins := make(map[Scenario]int, len(scenarios))
	failed := 0

	for run := 0; run < cfg.Runs; run++ {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return Prediction{}, fmt.Errorf("simulate: deadline after %d runs: %w", run, faults.ErrSimulationInstability)
			}
			return Prediction{}, fmt.Errorf("simulate: %w", faults.ErrCancelled)
		default:
		}

		rng := rand.New(rand.NewSource(subSeed(cfg.Seed, run)))
		variant := perturb(base, rng)

		var (
			bestScenario Scenario
			bestScore    = math.Inf(-1)
			runOK        = true
			runSamples   = make(map[Scenario]runSample, len(scenarios))
		)
		for _, sc := range scenarios {
			sample, err := evaluateScenario(sc, variant, event, rng)
			if err != nil {
				runOK = false
				break
			}
			runSamples[sc] = sample
			if sample.score > bestScore {
				bestScore = sample.score
				bestScenario = sc
			}
		}
		if !runOK {
			failed++
			continue
		}
		for _, sc := range scenarios {
			perScenario[sc] = append(perScenario[sc], runSamples[sc])
		}
		wins[bestScenario]++
	}

	if failed*2 > cfg.Runs {
		return Prediction{}, fmt.Errorf("simulate: %d of %d runs failed: %w", failed, cfg.Runs, faults.ErrSimulationInstability)
	}
	completed := cfg.Runs - failed

	outcomes := make([]Outcome, 0, len(scenarios))
	for _, sc := range scenarios {
		samples := perScenario[sc]
		if len(samples) == 0 {
			continue
		}
		outcomes = append(outcomes, aggregate(sc, samples, wins[sc], completed))
	}

	normalize(outcomes)
	sortOutcomes(outcomes)

	p := Prediction{
		EventHash:      event.EventHash,
		Model:          cfg.Model,
		Seed:           cfg.Seed,
		MonteCarloRuns: cfg.Runs,
		Outcomes:       outcomes,
		Timestamp:      s.clock().UTC(),
	}
	if err := p.Seal(); err != nil {
		return Prediction{}, err
	}
	s.logger.Info("prediction complete",
		"event_hash", event.EventHash, "seed", cfg.Seed, "runs", cfg.Runs,
		"outcomes", len(outcomes), "prediction_hash", p.PredictionHash)
	return p, nil
}

// subSeed derives the run-i generator seed from the master seed with a
// splitmix64 round, keeping runs order-independent.
func subSeed(seed int64, run int) int64 {
	z := uint64(seed) + uint64(run+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

// aggregate folds one scenario's run samples into an Outcome.
func aggregate(sc Scenario, samples []runSample, winCount, completed int) Outcome {
	revs := make([]float64, len(samples))
	mean := 0.0
	for i, s := range samples {
		revs[i] = s.reversibility
		mean += s.reversibility
	}
	mean /= float64(len(samples))

	variance := 0.0
	if len(samples) > 1 {
		for _, r := range revs {
			variance += (r - mean) * (r - mean)
		}
		variance /= float64(len(samples) - 1)
	}

	sort.Float64s(revs)
	lo := revs[int(float64(len(revs))*0.05)]
	hiIdx := int(float64(len(revs)) * 0.95)
	if hiIdx >= len(revs) {
		hiIdx = len(revs) - 1
	}
	hi := revs[hiIdx]

	effects := map[string]bool{}
	for _, s := range samples {
		for _, e := range s.effects {
			effects[e] = true
		}
	}
	effectList := make([]string, 0, len(effects))
	for e := range effects {
		effectList = append(effectList, e)
	}
	sort.Strings(effectList)

	return Outcome{
		Scenario:           sc,
		Probability:        float64(winCount) / float64(completed),
		Reversibility:      mean,
		SideEffects:        effectList,
		StateHash:          samples[0].stateHash,
		ConfidenceInterval: [2]float64{lo, hi},
		Variance:           variance,
	}
}

// normalize forces probabilities to sum to exactly 1, assigning the
// rounding residual to the current highest-probability outcome.
func normalize(outcomes []Outcome) {
	if len(outcomes) == 0 {
		return
	}
	sum := 0.0
	top := 0
	for i, o := range outcomes {
		sum += o.Probability
		if o.Probability > outcomes[top].Probability {
			top = i
		}
	}
	if sum == 0 {
		outcomes[top].Probability = 1
		return
	}
	for i := range outcomes {
		outcomes[i].Probability /= sum
	}
	residual := 1.0
	for _, o := range outcomes {
		residual -= o.Probability
	}
	outcomes[top].Probability += residual
}

// sortOutcomes orders descending by probability, then descending by
// reversibility, then lexicographically by scenario.
func sortOutcomes(outcomes []Outcome) {
	sort.Slice(outcomes, func(i, j int) bool {
		a, b := outcomes[i], outcomes[j]
		if a.Probability != b.Probability {
			return a.Probability > b.Probability
		}
		if a.Reversibility != b.Reversibility {
			return a.Reversibility > b.Reversibility
		}
		return a.Scenario < b.Scenario
	})
}
