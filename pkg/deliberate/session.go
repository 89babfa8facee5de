package deliberate

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/templetwo/threshold-protocols/pkg/bus"
	"github.com/templetwo/threshold-protocols/pkg/detect"
	"github.com/templetwo/threshold-protocols/pkg/simulate"
)

// DefaultProviderTimeout bounds how long one vote provider may deliberate
// before being recorded as an abstention.
const DefaultProviderTimeout = 30 * time.Second

// Deliberator runs deliberation sessions.
type Deliberator struct {
	bus             *bus.Bus
	providerTimeout time.Duration
	logger          *slog.Logger
	clock           func() time.Time
	newSessionID    func() string
}

// New creates a Deliberator. bus may be nil; results are then returned
// but not published.
func New(b *bus.Bus) *Deliberator {
	return &Deliberator{
		bus:             b,
		providerTimeout: DefaultProviderTimeout,
		logger:          slog.Default().With("component", "deliberate"),
		clock:           time.Now,
		newSessionID:    func() string { return "delib-" + uuid.NewString() },
	}
}

// WithProviderTimeout overrides the per-provider deadline.
func (d *Deliberator) WithProviderTimeout(timeout time.Duration) *Deliberator {
	d.providerTimeout = timeout
	return d
}

// WithClock overrides the clock for deterministic testing.
func (d *Deliberator) WithClock(clock func() time.Time) *Deliberator {
	d.clock = clock
	return d
}

// WithSessionID overrides session-id generation for deterministic
// testing.
func (d *Deliberator) WithSessionID(gen func() string) *Deliberator {
	d.newSessionID = gen
	return d
}

// Deliberate consults every stakeholder in the registry, aggregates the
// votes and returns the sealed result. The template's weight invariant
// is enforced before any provider is consulted.
func (d *Deliberator) Deliberate(
	ctx context.Context,
	event detect.ThresholdEvent,
	prediction simulate.Prediction,
	template Template,
	registry *Registry,
) (Result, error) {
	if err := template.Validate(); err != nil {
		return Result{}, err
	}

	now := d.clock().UTC()
	result := Result{
		SessionID: d.newSessionID(),
		Timestamp: now,
	}

	var stakeholders []Stakeholder
	if registry != nil {
		stakeholders = registry.All()
	}
	var votes []Vote
	for _, s := range stakeholders {
		vote, ok := d.elicit(ctx, s, event, prediction)
		if !ok {
			result.Abstentions = append(result.Abstentions, s.ID)
			continue
		}
		vote.StakeholderID = s.ID
		vote.StakeholderType = s.Type
		timestampVote(&vote, now)
		if err := vote.Validate(); err != nil {
			return Result{}, err
		}
		votes = append(votes, vote)
	}
	result.Votes = votes

	if len(votes) < 2 {
		result.Decision = DecisionDefer
		result.Rationale = "insufficient participation"
		result.Conditions = []string{}
		result.DissentingViews = dissents(votes, result.Decision)
		if err := d.finish(&result); err != nil {
			return Result{}, err
		}
		return result, nil
	}

	decision, rationale, conditions := aggregate(votes)
	result.Decision = decision
	result.Rationale = rationale
	result.Conditions = conditions
	result.DissentingViews = dissents(votes, decision)

	if err := d.finish(&result); err != nil {
		return Result{}, err
	}
	d.logger.Info("deliberation complete",
		"session_id", result.SessionID, "decision", result.Decision,
		"votes", len(votes), "dissents", len(result.DissentingViews),
		"abstentions", len(result.Abstentions))
	return result, nil
}

// elicit runs one provider under the per-provider deadline. ok is false
// on timeout or provider error; both read as abstention.
func (d *Deliberator) elicit(ctx context.Context, s Stakeholder, event detect.ThresholdEvent, prediction simulate.Prediction) (Vote, bool) {
	pctx, cancel := context.WithTimeout(ctx, d.providerTimeout)
	defer cancel()

	type outcome struct {
		vote Vote
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := s.Provider.Vote(pctx, event, prediction)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			d.logger.Warn("vote provider failed", "stakeholder", s.ID, "err", o.err)
			return Vote{}, false
		}
		return o.vote, true
	case <-pctx.Done():
		d.logger.Warn("vote provider timed out", "stakeholder", s.ID)
		return Vote{}, false
	}
}

func (d *Deliberator) finish(result *Result) error {
	if result.DissentingViews == nil {
		result.DissentingViews = []DissentRecord{}
	}
	if result.Conditions == nil {
		result.Conditions = []string{}
	}
	if err := result.Seal(); err != nil {
		return err
	}
	if d.bus != nil {
		if _, err := d.bus.Publish(bus.TopicDeliberationDone, *result, "deliberate"); err != nil {
			return err
		}
	}
	return nil
}

// aggregate applies the decision rules, in priority order:
//
//  1. a physiological Pause is a universal veto;
//  2. any Reject with confidence >= 0.8 rejects;
//  3. Pause outweighing Proceed+Conditional pauses;
//  4. any Conditional makes the result Conditional, with the union of
//     Conditional and Proceed conditions;
//  5. Proceed strictly outweighing Pause proceeds;
//  6. everything else defers.
//
// Human-operator votes count double in the weighed tallies.
func aggregate(votes []Vote) (Decision, string, []string) {
	var (
		pauseWeight, proceedWeight, conditionalWeight int
		hasConditional                                bool
		conditions                                    = map[string]bool{}
	)

	for _, v := range votes {
		if v.StakeholderType == StakeholderPhysiological && v.Decision == DecisionPause {
			return DecisionPause, rationaleFor(votes, DecisionPause), nil
		}
	}
	for _, v := range votes {
		if v.Decision == DecisionReject && v.Confidence >= 0.8 {
			return DecisionReject, rationaleFor(votes, DecisionReject), nil
		}
	}

	for _, v := range votes {
		w := voteWeight(v.StakeholderType)
		switch v.Decision {
		case DecisionPause:
			pauseWeight += w
		case DecisionProceed:
			proceedWeight += w
			for _, c := range v.Conditions {
				conditions[c] = true
			}
		case DecisionConditional:
			conditionalWeight += w
			hasConditional = true
			for _, c := range v.Conditions {
				conditions[c] = true
			}
		}
	}

	switch {
	case pauseWeight > proceedWeight+conditionalWeight:
		return DecisionPause, rationaleFor(votes, DecisionPause), nil
	case hasConditional:
		return DecisionConditional, rationaleFor(votes, DecisionConditional), sortedKeys(conditions)
	case proceedWeight > pauseWeight:
		return DecisionProceed, rationaleFor(votes, DecisionProceed), nil
	default:
		return DecisionDefer, rationaleFor(votes, DecisionDefer), nil
	}
}

// rationaleFor concatenates the rationales of votes matching the
// aggregated decision. When none match (a forced outcome with no direct
// supporter) it falls back to every rationale.
func rationaleFor(votes []Vote, decision Decision) string {
	var parts []string
	for _, v := range votes {
		if v.Decision == decision && v.Rationale != "" {
			parts = append(parts, v.Rationale)
		}
	}
	if len(parts) == 0 {
		for _, v := range votes {
			if v.Rationale != "" {
				parts = append(parts, v.Rationale)
			}
		}
	}
	if len(parts) == 0 {
		return "no rationale provided"
	}
	return strings.Join(parts, " | ")
}

// dissents records every vote that disagrees with the aggregate.
func dissents(votes []Vote, decision Decision) []DissentRecord {
	records := []DissentRecord{}
	for _, v := range votes {
		if v.Decision == decision {
			continue
		}
		records = append(records, DissentRecord{
			StakeholderID:  v.StakeholderID,
			DissentingFrom: decision,
			Preferred:      v.Decision,
			Rationale:      v.Rationale,
			Concerns:       v.Concerns,
		})
	}
	return records
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
