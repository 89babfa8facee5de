package intervene

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// GateStatus is the result category of one gate check.
type GateStatus string

const (
	StatusApproved GateStatus = "approved"
	StatusRejected GateStatus = "rejected"
	StatusTimeout  GateStatus = "timeout"
	StatusPending  GateStatus = "pending"
)

// GateResult records one gate check.
type GateResult struct {
	GateName  string     `json:"gate_name"`
	Status    GateStatus `json:"status"`
	Message   string     `json:"message"`
	Approvers []string   `json:"approvers,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// GateContext is what a gate sees when checked.
type GateContext struct {
	DecisionHash string
	Decision     string
	Rationale    string
	Conditions   []string
	Target       string
	StartedAt    time.Time
	Prior        []GateResult
	Facts        map[string]any
}

// Gate is one checkpoint in the enforcement sequence. A non-nil error is
// reserved for fatal faults (PolicyViolation); ordinary denial is a
// GateResult status.
type Gate interface {
	Name() string
	Check(ctx context.Context, gc GateContext) (GateResult, error)
}

// HumanApprovalGate requires explicit sign-off through an approval
// channel. There is no auto-grant: constructing the gate without a
// channel, or checking one whose channel was severed, is a policy
// violation that kills the circuit.
type HumanApprovalGate struct {
	ApproverID string
	Channel    ApprovalChannel
	Deadline   time.Duration
}

// NewHumanApprovalGate builds the gate, refusing a nil channel outright.
func NewHumanApprovalGate(approverID string, ch ApprovalChannel, deadline time.Duration) (*HumanApprovalGate, error) {
	if ch == nil {
		return nil, fmt.Errorf("intervene: human approval without a channel: %w", faults.ErrPolicyViolation)
	}
	return &HumanApprovalGate{ApproverID: approverID, Channel: ch, Deadline: deadline}, nil
}

// Name implements Gate.
func (g *HumanApprovalGate) Name() string {
	return fmt.Sprintf("HumanApproval(%s)", g.ApproverID)
}

// Check implements Gate.
func (g *HumanApprovalGate) Check(ctx context.Context, gc GateContext) (GateResult, error) {
	if g.Channel == nil {
		return GateResult{}, fmt.Errorf("intervene: human approval gate %q has no channel: %w", g.ApproverID, faults.ErrPolicyViolation)
	}
	deadline := g.Deadline
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resp, err := g.Channel.RequestApproval(cctx, ApprovalRequest{
		RequestID:    newRequestID(),
		Target:       gc.Target,
		Decision:     gc.Decision,
		Rationale:    gc.Rationale,
		Conditions:   gc.Conditions,
		DecisionHash: gc.DecisionHash,
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return GateResult{GateName: g.Name(), Status: StatusTimeout,
			Message: fmt.Sprintf("no response within %s", deadline)}, nil
	case errors.Is(err, context.Canceled):
		return GateResult{}, fmt.Errorf("intervene: approval wait: %w", faults.ErrCancelled)
	case err != nil:
		return GateResult{GateName: g.Name(), Status: StatusRejected,
			Message: fmt.Sprintf("channel error: %v", err)}, nil
	case resp.Approved:
		return GateResult{GateName: g.Name(), Status: StatusApproved,
			Message: "approved", Approvers: []string{resp.ApproverID}}, nil
	default:
		return GateResult{GateName: g.Name(), Status: StatusRejected,
			Message: orDefault(resp.Comment, "rejected")}, nil
	}
}

// TimeoutGate rejects when enforcement is still pending past its
// duration, bounding total enforcement latency.
type TimeoutGate struct {
	Duration time.Duration
	clock    func() time.Time
}

// NewTimeoutGate builds a TimeoutGate.
func NewTimeoutGate(d time.Duration) *TimeoutGate {
	return &TimeoutGate{Duration: d, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (g *TimeoutGate) WithClock(clock func() time.Time) *TimeoutGate {
	g.clock = clock
	return g
}

// Name implements Gate.
func (g *TimeoutGate) Name() string {
	return fmt.Sprintf("Timeout(%s)", g.Duration)
}

// Check implements Gate.
func (g *TimeoutGate) Check(_ context.Context, gc GateContext) (GateResult, error) {
	elapsed := g.clock().Sub(gc.StartedAt)
	if elapsed > g.Duration {
		return GateResult{GateName: g.Name(), Status: StatusRejected,
			Message: fmt.Sprintf("enforcement still pending after %s (bound %s)", elapsed.Round(time.Millisecond), g.Duration)}, nil
	}
	return GateResult{GateName: g.Name(), Status: StatusApproved,
		Message: fmt.Sprintf("within latency bound %s", g.Duration)}, nil
}

// MultiApproveGate requires Required distinct approvals from its channel
// population. It rejects as soon as the outstanding responders can no
// longer reach the quorum, and times out at its deadline.
type MultiApproveGate struct {
	Required int
	Channels []ApprovalChannel
	Deadline time.Duration
}

// NewMultiApproveGate builds the gate. Every channel must be non-nil and
// the quorum must be reachable.
func NewMultiApproveGate(required int, channels []ApprovalChannel, deadline time.Duration) (*MultiApproveGate, error) {
	if required < 1 || required > len(channels) {
		return nil, fmt.Errorf("intervene: quorum %d of %d unreachable: %w", required, len(channels), faults.ErrInvalidArgument)
	}
	for i, ch := range channels {
		if ch == nil {
			return nil, fmt.Errorf("intervene: multi-approve channel %d is nil: %w", i, faults.ErrPolicyViolation)
		}
	}
	return &MultiApproveGate{Required: required, Channels: channels, Deadline: deadline}, nil
}

// Name implements Gate.
func (g *MultiApproveGate) Name() string {
	return fmt.Sprintf("MultiApprove(%d/%d)", g.Required, len(g.Channels))
}

// Check implements Gate.
func (g *MultiApproveGate) Check(ctx context.Context, gc GateContext) (GateResult, error) {
	deadline := g.Deadline
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type answer struct {
		resp ApprovalResponse
		err  error
	}
	answers := make(chan answer, len(g.Channels))
	req := ApprovalRequest{
		RequestID:    newRequestID(),
		Target:       gc.Target,
		Decision:     gc.Decision,
		Rationale:    gc.Rationale,
		Conditions:   gc.Conditions,
		DecisionHash: gc.DecisionHash,
	}
	for i, ch := range g.Channels {
		go func(i int, ch ApprovalChannel) {
			r := req
			r.RequestID = fmt.Sprintf("%s-%d", req.RequestID, i)
			resp, err := ch.RequestApproval(cctx, r)
			answers <- answer{resp, err}
		}(i, ch)
	}

	var approvers []string
	rejections := 0
	for responded := 0; responded < len(g.Channels); responded++ {
		select {
		case a := <-answers:
			if a.err != nil {
				if errors.Is(a.err, context.Canceled) && ctx.Err() != nil {
					return GateResult{}, fmt.Errorf("intervene: multi-approve wait: %w", faults.ErrCancelled)
				}
				if errors.Is(a.err, context.DeadlineExceeded) {
					return GateResult{GateName: g.Name(), Status: StatusTimeout, Approvers: approvers,
						Message: fmt.Sprintf("%d/%d approvals when deadline %s expired", len(approvers), g.Required, deadline)}, nil
				}
				// Channel errors read as rejections.
				rejections++
			} else if a.resp.Approved {
				approvers = append(approvers, a.resp.ApproverID)
			} else {
				rejections++
			}
		case <-cctx.Done():
			if ctx.Err() != nil {
				return GateResult{}, fmt.Errorf("intervene: multi-approve wait: %w", faults.ErrCancelled)
			}
			return GateResult{GateName: g.Name(), Status: StatusTimeout, Approvers: approvers,
				Message: fmt.Sprintf("%d/%d approvals when deadline %s expired", len(approvers), g.Required, deadline)}, nil
		}

		if len(approvers) >= g.Required {
			return GateResult{GateName: g.Name(), Status: StatusApproved, Approvers: approvers,
				Message: fmt.Sprintf("%d/%d approvals received", len(approvers), g.Required)}, nil
		}
		if len(g.Channels)-rejections < g.Required {
			return GateResult{GateName: g.Name(), Status: StatusRejected, Approvers: approvers,
				Message: fmt.Sprintf("quorum unreachable: %d rejections of %d responders", rejections, len(g.Channels))}, nil
		}
	}

	// Every channel answered without reaching quorum or making it
	// unreachable; treat as rejection.
	return GateResult{GateName: g.Name(), Status: StatusRejected, Approvers: approvers,
		Message: fmt.Sprintf("insufficient approvals: %d/%d", len(approvers), g.Required)}, nil
}

// ConditionCheckGate evaluates named predicates from the configured
// registry; it approves only when every predicate passes.
type ConditionCheckGate struct {
	Predicates []string
	Registry   *PredicateRegistry
}

// NewConditionCheckGate builds the gate.
func NewConditionCheckGate(predicates []string, registry *PredicateRegistry) (*ConditionCheckGate, error) {
	if registry == nil {
		return nil, fmt.Errorf("intervene: condition check without a registry: %w", faults.ErrInvalidArgument)
	}
	return &ConditionCheckGate{Predicates: predicates, Registry: registry}, nil
}

// Name implements Gate.
func (g *ConditionCheckGate) Name() string {
	return fmt.Sprintf("ConditionCheck(%d)", len(g.Predicates))
}

// Check implements Gate.
func (g *ConditionCheckGate) Check(_ context.Context, gc GateContext) (GateResult, error) {
	env := Environment{
		Target:     gc.Target,
		Decision:   gc.Decision,
		Conditions: gc.Conditions,
		Facts:      gc.Facts,
	}
	var failed []string
	for _, name := range g.Predicates {
		pass, err := g.Registry.Evaluate(name, env)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", name, err))
			continue
		}
		if !pass {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return GateResult{GateName: g.Name(), Status: StatusRejected,
			Message: fmt.Sprintf("conditions not met: %v", failed)}, nil
	}
	return GateResult{GateName: g.Name(), Status: StatusApproved, Message: "all conditions satisfied"}, nil
}

// PauseGate halts the gate sequence until an external signal satisfies
// its condition. Unresumed, it yields Pending and enforcement stops.
type PauseGate struct {
	Condition string
	resumed   func() bool
}

// NewPauseGate builds a pause gate; resumed may be nil, in which case
// the pause holds until a new circuit runs.
func NewPauseGate(condition string, resumed func() bool) *PauseGate {
	return &PauseGate{Condition: condition, resumed: resumed}
}

// Name implements Gate.
func (g *PauseGate) Name() string {
	return fmt.Sprintf("Pause(%s)", g.Condition)
}

// Check implements Gate.
func (g *PauseGate) Check(context.Context, GateContext) (GateResult, error) {
	if g.resumed != nil && g.resumed() {
		return GateResult{GateName: g.Name(), Status: StatusApproved,
			Message: fmt.Sprintf("condition %q satisfied", g.Condition)}, nil
	}
	return GateResult{GateName: g.Name(), Status: StatusPending,
		Message: fmt.Sprintf("paused awaiting %q", g.Condition)}, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
