package deliberate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/faults"
	"github.com/templetwo/threshold-protocols/pkg/simulate"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
}

func testDeliberator() *Deliberator {
	n := 0
	return New(nil).
		WithClock(fixedClock()).
		WithProviderTimeout(200 * time.Millisecond).
		WithSessionID(func() string { n++; return "delib-test" })
}

func criticalEvent(t *testing.T) detect.ThresholdEvent {
	t.Helper()
	ev := detect.ThresholdEvent{
		Metric: detect.MetricFileCount, Value: 120, Threshold: 100,
		Severity:  detect.SeverityCritical,
		Timestamp: time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC),
		Target:    "/data/intake",
	}
	require.NoError(t, ev.Seal())
	return ev
}

func mustTemplate(t *testing.T, name string) Template {
	t.Helper()
	tpl, err := BuiltinTemplate(name)
	require.NoError(t, err)
	return tpl
}

func registryOf(t *testing.T, votes ...Vote) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, v := range votes {
		require.NoError(t, r.Register(Stakeholder{ID: v.StakeholderID, Type: v.StakeholderType, Provider: StaticVote(v)}))
	}
	return r
}

func TestBuiltinTemplatesValidate(t *testing.T) {
	for _, name := range []string{"btb_dimensions", "self_modification", "minimal"} {
		tpl := mustTemplate(t, name)
		require.NoError(t, tpl.Validate(), name)
	}
	_, err := BuiltinTemplate("nope")
	require.ErrorIs(t, err, faults.ErrInvalidArgument)
}

func TestTemplateWeightSumEnforced(t *testing.T) {
	tpl := Template{Name: "bad", Dimensions: []Dimension{
		{Name: "a", Weight: 0.5}, {Name: "b", Weight: 0.6},
	}}
	require.ErrorIs(t, tpl.Validate(), faults.ErrInvalidArgument)
}

func TestLoadTemplateFromYAML(t *testing.T) {
	doc := `
name: custom
dimensions:
  - name: reversibility
    question: "How reversible is the proposed action?"
    weight: 0.7
  - name: auditability
    question: "Can the decision be traced?"
    weight: 0.3
`
	tpl, err := LoadTemplate(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "custom", tpl.Name)
	require.Len(t, tpl.Dimensions, 2)
}

func TestConfidentRejectWins(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "eth", StakeholderType: StakeholderEthical, Decision: DecisionReject, Rationale: "harm likely", Confidence: 0.9},
		Vote{StakeholderID: "tech", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "fine", Confidence: 0.9},
		Vote{StakeholderID: "dom", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "fine too", Confidence: 0.9},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "btb_dimensions"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionReject, res.Decision)
	require.Contains(t, res.Rationale, "harm likely")
}

func TestLowConfidenceRejectDoesNotVeto(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "eth", StakeholderType: StakeholderEthical, Decision: DecisionReject, Rationale: "uneasy", Confidence: 0.5},
		Vote{StakeholderID: "tech", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "fine", Confidence: 0.9},
		Vote{StakeholderID: "dom", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "fine", Confidence: 0.9},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, res.Decision)
}

func TestPauseMajorityWins(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "a", StakeholderType: StakeholderTechnical, Decision: DecisionPause, Rationale: "wait", Confidence: 0.6},
		Vote{StakeholderID: "b", StakeholderType: StakeholderEthical, Decision: DecisionPause, Rationale: "wait", Confidence: 0.6},
		Vote{StakeholderID: "c", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.6},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionPause, res.Decision)
}

func TestConditionalUpgradesAndUnionsConditions(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "tech", StakeholderType: StakeholderTechnical, Decision: DecisionConditional, Rationale: "needs guardrails", Confidence: 0.7, Conditions: []string{"logging_enabled", "rollback_available"}},
		Vote{StakeholderID: "eth", StakeholderType: StakeholderEthical, Decision: DecisionProceed, Rationale: "acceptable", Confidence: 0.6},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "btb_dimensions"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionConditional, res.Decision)
	require.Subset(t, res.Conditions, []string{"logging_enabled", "rollback_available"})
}

func TestHumanOperatorCountsDouble(t *testing.T) {
	// One human Pause (weight 2) against two automated Proceeds (weight
	// 1 each): 2 > 2 is false, so this stays Defer-free only via rule 5;
	// proceed does not strictly outnumber pause, so the tie defers.
	reg := registryOf(t,
		Vote{StakeholderID: "op", StakeholderType: StakeholderHumanOperator, Decision: DecisionPause, Rationale: "hold", Confidence: 0.9},
		Vote{StakeholderID: "a", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
		Vote{StakeholderID: "b", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionDefer, res.Decision)
}

func TestPhysiologicalVeto(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "phys", StakeholderType: StakeholderPhysiological, Decision: DecisionPause, Rationale: "stress response detected", Confidence: 0.5},
		Vote{StakeholderID: "a", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.9},
		Vote{StakeholderID: "b", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.9},
		Vote{StakeholderID: "c", StakeholderType: StakeholderEthical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.9},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionPause, res.Decision)
}

func TestDissentPreserved(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "a", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
		Vote{StakeholderID: "b", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
		Vote{StakeholderID: "c", StakeholderType: StakeholderEthical, Decision: DecisionPause, Rationale: "hold on", Confidence: 0.6, Concerns: []string{"irreversible_harm"}},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, res.Decision)
	require.Len(t, res.DissentingViews, 1)
	d := res.DissentingViews[0]
	require.Equal(t, "c", d.StakeholderID)
	require.Equal(t, DecisionProceed, d.DissentingFrom)
	require.Equal(t, DecisionPause, d.Preferred)
	require.Equal(t, "hold on", d.Rationale)
	require.Equal(t, []string{"irreversible_harm"}, d.Concerns)
}

func TestDissentNeverAbsent(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "a", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
		Vote{StakeholderID: "b", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.NotNil(t, res.DissentingViews)
	require.Empty(t, res.DissentingViews)
}

func TestInsufficientParticipationDefers(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "only", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionDefer, res.Decision)
	require.Equal(t, "insufficient participation", res.Rationale)
}

func TestProviderTimeoutIsAbstention(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Stakeholder{
		ID: "slow", Type: StakeholderTechnical,
		Provider: VoteFunc(func(ctx context.Context, _ detect.ThresholdEvent, _ simulate.Prediction) (Vote, error) {
			<-ctx.Done()
			return Vote{}, ctx.Err()
		}),
	}))
	for _, v := range []Vote{
		{StakeholderID: "a", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
		{StakeholderID: "b", StakeholderType: StakeholderEthical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
	} {
		require.NoError(t, reg.Register(Stakeholder{ID: v.StakeholderID, Type: v.StakeholderType, Provider: StaticVote(v)}))
	}

	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, res.Decision)
	require.Equal(t, []string{"slow"}, res.Abstentions)
	require.Len(t, res.Votes, 2)
}

func TestVoteValidation(t *testing.T) {
	cases := []Vote{
		{StakeholderID: "", Rationale: "r", Confidence: 0.5},
		{StakeholderID: "x", Rationale: "", Confidence: 0.5},
		{StakeholderID: "x", Rationale: "r", Confidence: 1.5},
		{StakeholderID: "x", Rationale: "r", Confidence: 0.5, Decision: DecisionConditional},
		{StakeholderID: "x", Rationale: "r", Confidence: 0.5, Decision: DecisionProceed, Conditions: []string{"c"}},
	}
	for i, v := range cases {
		require.ErrorIs(t, v.Validate(), faults.ErrInvalidArgument, "case %d", i)
	}
}

func TestResultSealedAndRecomputable(t *testing.T) {
	reg := registryOf(t,
		Vote{StakeholderID: "a", StakeholderType: StakeholderTechnical, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
		Vote{StakeholderID: "b", StakeholderType: StakeholderDomain, Decision: DecisionProceed, Rationale: "go", Confidence: 0.7},
	)
	res, err := testDeliberator().Deliberate(context.Background(), criticalEvent(t), simulate.Prediction{}, mustTemplate(t, "minimal"), reg)
	require.NoError(t, err)
	require.Len(t, res.AuditHash, 16)

	cp := res
	require.NoError(t, cp.Seal())
	require.Equal(t, res.AuditHash, cp.AuditHash)
}

func TestAutomatedEvaluators(t *testing.T) {
	ev := criticalEvent(t)
	pred := simulate.Prediction{Outcomes: []simulate.Outcome{
		{Scenario: simulate.ScenarioIncremental, Probability: 0.6, Reversibility: 0.9, SideEffects: []string{"minimal_disruption"}},
		{Scenario: simulate.ScenarioDefer, Probability: 0.4, Reversibility: 0.8},
	}}

	tv, err := TechnicalEvaluator{}.Vote(context.Background(), ev, pred)
	require.NoError(t, err)
	require.Equal(t, DecisionConditional, tv.Decision)
	require.Contains(t, tv.Conditions, "logging_enabled")
	require.Contains(t, tv.Conditions, "rollback_available")
	require.NoError(t, tv.Validate())

	evo, err := EthicalEvaluator{}.Vote(context.Background(), ev, pred)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, evo.Decision)

	dv, err := DomainEvaluator{}.Vote(context.Background(), ev, pred)
	require.NoError(t, err)
	require.Equal(t, DecisionProceed, dv.Decision)
}

func TestEthicalEvaluatorPausesOnDataLoss(t *testing.T) {
	ev := criticalEvent(t)
	pred := simulate.Prediction{Outcomes: []simulate.Outcome{
		{Scenario: simulate.ScenarioRollback, Probability: 1, Reversibility: 0.3, SideEffects: []string{"data_loss_risk"}},
	}}
	v, err := EthicalEvaluator{}.Vote(context.Background(), ev, pred)
	require.NoError(t, err)
	require.Equal(t, DecisionPause, v.Decision)
}
