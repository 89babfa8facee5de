// Package circuit orchestrates the four governance stages (Detection,
// Simulation, Deliberation, Intervention) into one traceable unit.
//
// A proposed action touches the real world only after traversing all
// four stages; each stage consumes its predecessor's artifact by hash
// reference and the circuit binds them into a CircuitResult.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/bus"
	"github.com/templetwo/threshold-protocols/pkg/deliberate"
	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/faults"
	"github.com/templetwo/threshold-protocols/pkg/hashchain"
	"github.com/templetwo/threshold-protocols/pkg/intervene"
	"github.com/templetwo/threshold-protocols/pkg/observe"
	"github.com/templetwo/threshold-protocols/pkg/simulate"
)

// Stage names, recorded on results when a stage fails or is cancelled.
const (
	StageDetection    = "detection"
	StageSimulation   = "simulation"
	StageDeliberation = "deliberation"
	StageIntervention = "intervention"
)

// Result is the top-level artifact for one proposed action.
type Result struct {
	Target       string                       `json:"target"`
	Event        *detect.ThresholdEvent       `json:"event,omitempty"`
	Events       []detect.ThresholdEvent      `json:"events,omitempty"`
	Prediction   *simulate.Prediction         `json:"prediction,omitempty"`
	Deliberation *deliberate.Result           `json:"deliberation,omitempty"`
	Enforcement  *intervene.EnforcementResult `json:"enforcement,omitempty"`
	Decision     deliberate.Decision          `json:"decision"`
	Cancelled    bool                         `json:"cancelled"`
	Fault        string                       `json:"fault,omitempty"`
	FailedStage  string                       `json:"failed_stage,omitempty"`
	DurationMs   int64                        `json:"duration_ms"`
}

// Applied reports whether the proposed action was cleared for execution.
func (r Result) Applied() bool {
	return r.Enforcement != nil && r.Enforcement.Applied
}

// Config wires a Circuit.
type Config struct {
	Bus        *bus.Bus
	Detector   *detect.Detector
	Simulator  *simulate.Simulator
	Delib      *deliberate.Deliberator
	Intervenor *intervene.Intervenor
	Registry   *deliberate.Registry
	Template   deliberate.Template
	Predicates *intervene.PredicateRegistry
	// DefaultChannel answers the HumanApproval gate attached to
	// Conditional decisions.
	DefaultChannel intervene.ApprovalChannel
	// GateDeadline bounds each approval gate.
	GateDeadline time.Duration
	// Observer instruments stage spans and metrics; nil means disabled.
	Observer *observe.Provider
}

// Circuit runs proposed actions through the four stages.
type Circuit struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Circuit. The registry, template, predicate registry and
// default channel are read-only for the lifetime of the circuit;
// reconfiguration means building a new one.
func New(cfg Config) (*Circuit, error) {
	if cfg.Bus == nil || cfg.Detector == nil || cfg.Simulator == nil || cfg.Delib == nil || cfg.Intervenor == nil {
		return nil, fmt.Errorf("circuit: all stage components are required: %w", faults.ErrInvalidArgument)
	}
	if err := cfg.Template.Validate(); err != nil {
		return nil, err
	}
	if cfg.GateDeadline <= 0 {
		cfg.GateDeadline = 24 * time.Hour
	}
	if cfg.Observer == nil {
		disabled, err := observe.New(observe.DefaultConfig())
		if err != nil {
			return nil, err
		}
		cfg.Observer = disabled
	}
	return &Circuit{
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit"),
		clock:  time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Circuit) WithClock(clock func() time.Time) *Circuit {
	c.clock = clock
	return c
}

// RunOptions tune one invocation.
type RunOptions struct {
	// Prior feeds growth-rate momentum; host-managed.
	Prior *detect.PriorObservation
	// Seed, Runs and Model parameterize simulation. Zero values mean
	// event-derived seed, DefaultRuns and the default model.
	Seed  int64
	Runs  int
	Model string
	// Gates overrides the decision→gate mapping entirely.
	Gates []intervene.Gate
	// Facts is the environment ConditionCheck predicates evaluate
	// against.
	Facts map[string]any
}

// Run drives one proposed action through the circuit. Cancellation at a
// stage boundary yields a truncated result with Cancelled set and a nil
// error; stage faults yield the partial trace plus the taxonomy error.
func (c *Circuit) Run(ctx context.Context, source detect.MetricSource, target string, opts RunOptions) (Result, error) {
	started := c.clock()
	result := Result{Target: target}
	defer func() {
		result.DurationMs = c.clock().Sub(started).Milliseconds()
	}()

	// Stage 1: Detection.
	dctx, endDetect := c.cfg.Observer.StartStage(ctx, StageDetection)
	events, err := c.cfg.Detector.Scan(dctx, source, target, detect.ScanOptions{Prior: opts.Prior})
	endDetect(err)
	if err != nil {
		return c.fail(result, StageDetection, err)
	}
	result.Events = events

	actionable := eventsAtOrAbove(events, detect.SeverityWarning)
	if len(actionable) == 0 {
		return c.shortCircuit(result)
	}
	primary, _ := detect.Highest(actionable)
	result.Event = &primary

	if cancelled := c.boundary(ctx, &result, StageDetection); cancelled {
		return result, nil
	}

	// Stage 2: Simulation.
	sctx, endSim := c.cfg.Observer.StartStage(ctx, StageSimulation)
	prediction, err := c.cfg.Simulator.Predict(sctx, primary, simulate.Config{
		Model: opts.Model,
		Seed:  opts.Seed,
		Runs:  opts.Runs,
	})
	endSim(err)
	if err != nil {
		if errors.Is(err, faults.ErrCancelled) {
			return c.cancelled(&result, StageSimulation), nil
		}
		return c.fail(result, StageSimulation, err)
	}
	result.Prediction = &prediction
	if _, err := c.cfg.Bus.Publish(bus.TopicSimulationComplete, prediction, "circuit"); err != nil {
		return c.fail(result, StageSimulation, err)
	}

	if cancelled := c.boundary(ctx, &result, StageSimulation); cancelled {
		return result, nil
	}

	// Stage 3: Deliberation.
	lctx, endDelib := c.cfg.Observer.StartStage(ctx, StageDeliberation)
	delib, err := c.cfg.Delib.Deliberate(lctx, primary, prediction, c.cfg.Template, c.cfg.Registry)
	endDelib(err)
	if err != nil {
		return c.fail(result, StageDeliberation, err)
	}
	result.Deliberation = &delib
	result.Decision = delib.Decision

	if cancelled := c.boundary(ctx, &result, StageDeliberation); cancelled {
		return result, nil
	}

	// Stage 4: Intervention.
	ictx, endIntervene := c.cfg.Observer.StartStage(ctx, StageIntervention)
	enforcement, err := c.enforce(ictx, delib, target, opts)
	endIntervene(err)
	if err != nil {
		if errors.Is(err, faults.ErrCancelled) {
			result.Enforcement = &enforcement
			return c.cancelled(&result, StageIntervention), nil
		}
		result.Enforcement = &enforcement
		return c.fail(result, StageIntervention, err)
	}
	result.Enforcement = &enforcement

	if _, err := c.cfg.Bus.Publish(bus.TopicCircuitComplete, result, "circuit"); err != nil {
		return c.fail(result, StageIntervention, err)
	}
	c.logger.Info("circuit complete",
		"target", target, "decision", result.Decision,
		"applied", enforcement.Applied, "events", len(events))
	return result, nil
}

// enforce maps the deliberation decision to its gate composition and
// invokes the intervenor.
func (c *Circuit) enforce(ctx context.Context, delib deliberate.Result, target string, opts RunOptions) (intervene.EnforcementResult, error) {
	switch delib.Decision {
	case deliberate.DecisionReject:
		return c.cfg.Intervenor.Block(delib, target, intervene.ActionBlockedByDeliberation)
	case deliberate.DecisionDefer:
		return c.cfg.Intervenor.Block(delib, target, intervene.ActionDeferred)
	}

	gates := opts.Gates
	if gates == nil {
		var err error
		gates, err = c.defaultGates(delib)
		if err != nil {
			return intervene.EnforcementResult{}, err
		}
	}
	// ConditionCheck gates read host facts through the gate context; each
	// gate is wrapped so the run's facts are set on it at every check.
	return c.applyWithFacts(ctx, delib, target, gates, opts.Facts)
}

func (c *Circuit) applyWithFacts(ctx context.Context, delib deliberate.Result, target string, gates []intervene.Gate, facts map[string]any) (intervene.EnforcementResult, error) {
	wrapped := make([]intervene.Gate, len(gates))
	for i, g := range gates {
		wrapped[i] = factGate{Gate: g, facts: facts}
	}
	return c.cfg.Intervenor.Apply(ctx, delib, target, wrapped)
}

// factGate injects the run's fact environment into each check.
type factGate struct {
	intervene.Gate
	facts map[string]any
}

func (f factGate) Check(ctx context.Context, gc intervene.GateContext) (intervene.GateResult, error) {
	if gc.Facts == nil {
		gc.Facts = f.facts
	}
	return f.Gate.Check(ctx, gc)
}

// defaultGates maps a deliberation decision to its gate composition.
func (c *Circuit) defaultGates(delib deliberate.Result) ([]intervene.Gate, error) {
	switch delib.Decision {
	case deliberate.DecisionProceed:
		return []intervene.Gate{}, nil
	case deliberate.DecisionConditional:
		cond, err := intervene.NewConditionCheckGate(delib.Conditions, c.cfg.Predicates)
		if err != nil {
			return nil, err
		}
		human, err := intervene.NewHumanApprovalGate("operator", c.cfg.DefaultChannel, c.cfg.GateDeadline)
		if err != nil {
			return nil, err
		}
		return []intervene.Gate{cond, human}, nil
	case deliberate.DecisionPause:
		return []intervene.Gate{intervene.NewPauseGate("manual-resume", nil)}, nil
	default:
		return nil, fmt.Errorf("circuit: decision %q has no gate mapping: %w", delib.Decision, faults.ErrInvalidArgument)
	}
}

// shortCircuit closes the circuit when nothing of severity >= Warning
// was detected: Proceed, no prediction, no deliberation, one-entry
// audit trail.
func (c *Circuit) shortCircuit(result Result) (Result, error) {
	entry, err := hashchain.First(hashchain.Payload{
		Action: intervene.ActionNoThreshold,
		Actor:  "circuit",
		Details: map[string]any{
			"target": result.Target,
			"events": len(result.Events),
		},
	}, c.clock().UTC())
	if err != nil {
		return c.fail(result, StageDetection, err)
	}
	enforcement := intervene.EnforcementResult{
		Applied:    true,
		GateLog:    []intervene.GateResult{},
		AuditTrail: []hashchain.Entry{entry},
		Timestamp:  c.clock().UTC(),
	}
	if err := enforcement.Seal(); err != nil {
		return c.fail(result, StageDetection, err)
	}
	result.Decision = deliberate.DecisionProceed
	result.Enforcement = &enforcement
	if _, err := c.cfg.Bus.Publish(bus.TopicCircuitComplete, result, "circuit"); err != nil {
		return c.fail(result, StageDetection, err)
	}
	return result, nil
}

// boundary delivers cancellation between stages.
func (c *Circuit) boundary(ctx context.Context, result *Result, completedStage string) bool {
	if ctx.Err() == nil {
		return false
	}
	c.cancelled(result, completedStage)
	return true
}

func (c *Circuit) cancelled(result *Result, stage string) Result {
	result.Cancelled = true
	result.FailedStage = stage
	result.Fault = faults.Tag(faults.ErrCancelled)
	if _, err := c.cfg.Bus.Publish(bus.TopicCircuitCancelled, *result, "circuit"); err != nil {
		c.logger.Error("publish cancellation", "err", err)
	}
	c.logger.Warn("circuit cancelled", "target", result.Target, "after_stage", stage)
	return *result
}

// fail tags the result with the taxonomy classification and offending
// stage; partial traces stay intact, downstream stages are never
// synthesized.
func (c *Circuit) fail(result Result, stage string, err error) (Result, error) {
	result.FailedStage = stage
	result.Fault = faults.Tag(err)
	c.logger.Error("circuit stage failed", "stage", stage, "fault", result.Fault, "err", err)
	return result, err
}

// eventsAtOrAbove filters events below the given severity.
func eventsAtOrAbove(events []detect.ThresholdEvent, floor detect.Severity) []detect.ThresholdEvent {
	var out []detect.ThresholdEvent
	for _, e := range events {
		if e.Severity.Rank() >= floor.Rank() {
			out = append(out, e)
		}
	}
	return out
}

// ExitCode maps a result to the process exit contract.
func ExitCode(result Result, err error) int {
	switch {
	case err != nil && !errors.Is(err, faults.ErrCancelled):
		return 4
	case result.Applied() && (result.Decision == deliberate.DecisionProceed || result.Decision == deliberate.DecisionConditional):
		return 0
	case result.Decision == deliberate.DecisionReject, result.Decision == deliberate.DecisionPause:
		return 1
	case result.Decision == deliberate.DecisionDefer:
		return 2
	case result.Decision == deliberate.DecisionConditional:
		return 3
	default:
		return 4
	}
}
