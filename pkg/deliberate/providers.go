package deliberate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/simulate"
)

// VoteProvider elicits one stakeholder's vote. Implementations must
// honor ctx; a provider that outlives its deadline is recorded as an
// abstention.
type VoteProvider interface {
	Vote(ctx context.Context, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, error)
}

// Stakeholder binds an identity to a vote provider.
type Stakeholder struct {
	ID       string
	Type     StakeholderType
	Provider VoteProvider
}

// Registry is the ordered set of stakeholders consulted by a session.
// Registration order is consultation order.
type Registry struct {
	stakeholders []Stakeholder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a stakeholder. Duplicate IDs are rejected.
func (r *Registry) Register(s Stakeholder) error {
	if s.ID == "" || s.Provider == nil {
		return fmt.Errorf("deliberate: stakeholder needs id and provider")
	}
	for _, existing := range r.stakeholders {
		if existing.ID == s.ID {
			return fmt.Errorf("deliberate: stakeholder %q already registered", s.ID)
		}
	}
	r.stakeholders = append(r.stakeholders, s)
	return nil
}

// All returns the stakeholders in registration order.
func (r *Registry) All() []Stakeholder {
	out := make([]Stakeholder, len(r.stakeholders))
	copy(out, r.stakeholders)
	return out
}

// VoteFunc adapts a function to VoteProvider.
type VoteFunc func(ctx context.Context, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, error)

// Vote implements VoteProvider.
func (f VoteFunc) Vote(ctx context.Context, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, error) {
	return f(ctx, event, prediction)
}

// StaticVote returns a provider that always casts the given vote; used
// for pre-collected human input.
func StaticVote(v Vote) VoteProvider {
	return VoteFunc(func(context.Context, detect.ThresholdEvent, simulate.Prediction) (Vote, error) {
		return v, nil
	})
}

// TechnicalEvaluator is the bundled automated technical stakeholder. It
// derives its position from event severity and predicted reversibility.
type TechnicalEvaluator struct {
	ID string
}

// Vote implements VoteProvider.
func (e TechnicalEvaluator) Vote(_ context.Context, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, error) {
	id := e.ID
	if id == "" {
		id = "auto-technical"
	}
	safest, hasSafest := prediction.MostReversible()
	bestReversibility := 0.0
	if hasSafest {
		bestReversibility = safest.Reversibility
	}

	switch {
	case event.Severity == detect.SeverityEmergency,
		hasSafest && safest.Reversibility < 0.5:
		return Vote{
			StakeholderID:   id,
			StakeholderType: StakeholderTechnical,
			Decision:        DecisionPause,
			Rationale: fmt.Sprintf("severity %s with best reversibility %.2f leaves no safe path forward",
				event.Severity, bestReversibility),
			Confidence: 0.7,
			Concerns:   []string{"low_reversibility"},
		}, nil
	case event.Severity.Rank() >= detect.SeverityCritical.Rank():
		return Vote{
			StakeholderID:   id,
			StakeholderType: StakeholderTechnical,
			Decision:        DecisionConditional,
			Rationale: fmt.Sprintf("%s crossed its threshold (%.2f against %.2f); proceed only with safeguards",
				event.Metric, event.Value, event.Threshold),
			Confidence: 0.7,
			Conditions: []string{"logging_enabled", "rollback_available"},
		}, nil
	default:
		return Vote{
			StakeholderID:   id,
			StakeholderType: StakeholderTechnical,
			Decision:        DecisionProceed,
			Rationale:       fmt.Sprintf("%s within acceptable range at severity %s", event.Metric, event.Severity),
			Confidence:      0.7,
		}, nil
	}
}

// EthicalEvaluator is the bundled automated ethical stakeholder. It is
// deliberately more conservative: any irreversible-harm signal in the
// predicted side effects reads as a pause.
type EthicalEvaluator struct {
	ID string
}

// Vote implements VoteProvider.
func (e EthicalEvaluator) Vote(_ context.Context, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, error) {
	id := e.ID
	if id == "" {
		id = "auto-ethical"
	}
	best, hasBest := prediction.Best()
	harmful := false
	if hasBest {
		for _, effect := range best.SideEffects {
			if strings.Contains(effect, "data_loss") || strings.Contains(effect, "path_loss") {
				harmful = true
				break
			}
		}
	}
	if harmful || event.Severity == detect.SeverityEmergency {
		return Vote{
			StakeholderID:   id,
			StakeholderType: StakeholderEthical,
			Decision:        DecisionPause,
			Rationale:       "predicted side effects carry potential for irreversible harm",
			Confidence:      0.6,
			Concerns:        []string{"irreversible_harm"},
		}, nil
	}
	return Vote{
		StakeholderID:   id,
		StakeholderType: StakeholderEthical,
		Decision:        DecisionProceed,
		Rationale:       "no significant ethical concerns in the predicted outcomes",
		Confidence:      0.6,
	}, nil
}

// DomainEvaluator is the bundled automated domain stakeholder. It votes
// from the likeliest outcome: deferral-dominant predictions read as a
// system not ready for change.
type DomainEvaluator struct {
	ID string
}

// Vote implements VoteProvider.
func (e DomainEvaluator) Vote(_ context.Context, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, error) {
	id := e.ID
	if id == "" {
		id = "auto-domain"
	}
	best, hasBest := prediction.Best()
	if !hasBest {
		return Vote{
			StakeholderID:   id,
			StakeholderType: StakeholderDomain,
			Decision:        DecisionDefer,
			Rationale:       "no prediction available to ground a domain judgment",
			Confidence:      0.5,
		}, nil
	}
	if best.Scenario == simulate.ScenarioDefer && best.Probability > 0.5 {
		return Vote{
			StakeholderID:   id,
			StakeholderType: StakeholderDomain,
			Decision:        DecisionDefer,
			Rationale: fmt.Sprintf("deferral dominates the prediction (p=%.2f); the domain is not ready for change",
				best.Probability),
			Confidence: 0.55,
		}, nil
	}
	return Vote{
		StakeholderID:   id,
		StakeholderType: StakeholderDomain,
		Decision:        DecisionProceed,
		Rationale:       fmt.Sprintf("likeliest outcome %q is actionable for this domain", best.Scenario),
		Confidence:      0.55,
	}, nil
}

// timestampVote stamps a vote if the provider left it zero.
func timestampVote(v *Vote, at time.Time) {
	if v.Timestamp.IsZero() {
		v.Timestamp = at
	}
}
