package intervene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/bus"
	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
	"github.com/templetwo/threshold-protocols/pkg/deliberate"
	"github.com/templetwo/threshold-protocols/pkg/faults"
	"github.com/templetwo/threshold-protocols/pkg/hashchain"
)

// Audit actions recorded on the enforcement chain.
const (
	ActionEnforcementStart      = "enforcement_start"
	ActionGateStart             = "gate_start"
	ActionGateCheck             = "gate_check"
	ActionEnforcementApplied    = "enforcement_applied"
	ActionEnforcementBlocked    = "enforcement_blocked"
	ActionEnforcementPaused     = "enforcement_paused"
	ActionEnforcementCancelled  = "enforcement_cancelled"
	ActionBlockedByDeliberation = "enforcement_blocked_by_deliberation"
	ActionDeferred              = "enforcement_deferred"
	ActionRollbackStart         = "rollback_start"
	ActionRollbackComplete      = "rollback_complete"
	ActionRollbackFailed        = "rollback_failed"
	ActionPolicyViolation       = "policy_violation"
	ActionNoThreshold           = "no_threshold"
)

// EnforcementResult is the intervention artifact.
type EnforcementResult struct {
	DecisionHash string            `json:"decision_hash"`
	Applied      bool              `json:"applied"`
	RolledBack   bool              `json:"rolled_back"`
	GateLog      []GateResult      `json:"gate_log"`
	AuditTrail   []hashchain.Entry `json:"audit_trail"`
	Timestamp    time.Time         `json:"timestamp"`
	ResultHash   string            `json:"result_hash"`
}

// Seal computes the 16-hex result hash. The audit trail is represented
// by its head entry hash, which already commits to every entry.
func (r *EnforcementResult) Seal() error {
	head := ""
	if n := len(r.AuditTrail); n > 0 {
		head = r.AuditTrail[n-1].EntryHash
	}
	h, err := canonicalize.HashN(struct {
		DecisionHash string       `json:"decision_hash"`
		Applied      bool         `json:"applied"`
		RolledBack   bool         `json:"rolled_back"`
		GateLog      []GateResult `json:"gate_log"`
		AuditHead    string       `json:"audit_head"`
		AuditCount   int          `json:"audit_count"`
	}{r.DecisionHash, r.Applied, r.RolledBack, r.GateLog, head, len(r.AuditTrail)}, 16)
	if err != nil {
		return fmt.Errorf("intervene: seal result: %w", err)
	}
	r.ResultHash = h
	return nil
}

// Intervenor walks ordered gates and maintains the audit chain.
type Intervenor struct {
	bus    *bus.Bus
	logger *slog.Logger
	clock  func() time.Time
}

// New creates an Intervenor. bus may be nil; results are then returned
// but not published.
func New(b *bus.Bus) *Intervenor {
	return &Intervenor{
		bus:    b,
		logger: slog.Default().With("component", "intervene"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (iv *Intervenor) WithClock(clock func() time.Time) *Intervenor {
	iv.clock = clock
	return iv
}

// trail is the append-side of one enforcement's audit chain.
type trail struct {
	entries []hashchain.Entry
	clock   func() time.Time
}

func (t *trail) append(action, actor string, details map[string]any) error {
	p := hashchain.Payload{Action: action, Actor: actor, Details: details}
	var (
		e   hashchain.Entry
		err error
	)
	if len(t.entries) == 0 {
		e, err = hashchain.First(p, t.clock())
	} else {
		e, err = hashchain.Append(p, t.entries[len(t.entries)-1], t.clock())
	}
	if err != nil {
		return err
	}
	t.entries = append(t.entries, e)
	return nil
}

// Apply walks the gates strictly in order. The first non-approved result
// skips every subsequent gate. A fatal gate error (policy violation)
// aborts with a policy_violation entry on the trail and surfaces the
// error; the partial result is still returned for auditing.
func (iv *Intervenor) Apply(ctx context.Context, decision deliberate.Result, target string, gates []Gate) (EnforcementResult, error) {
	startedAt := iv.clock().UTC()
	t := &trail{clock: func() time.Time { return iv.clock().UTC() }}

	if err := t.append(ActionEnforcementStart, "intervenor", map[string]any{
		"decision_hash": decision.AuditHash,
		"target":        target,
		"gate_count":    len(gates),
	}); err != nil {
		return EnforcementResult{}, err
	}

	result := EnforcementResult{
		DecisionHash: decision.AuditHash,
		Timestamp:    startedAt,
	}

	gc := GateContext{
		DecisionHash: decision.AuditHash,
		Decision:     string(decision.Decision),
		Rationale:    decision.Rationale,
		Conditions:   decision.Conditions,
		Target:       target,
		StartedAt:    startedAt,
	}

	allApproved := true
	for _, gate := range gates {
		if err := ctx.Err(); err != nil {
			if aerr := t.append(ActionEnforcementCancelled, "intervenor", map[string]any{"gate": gate.Name()}); aerr != nil {
				return EnforcementResult{}, aerr
			}
			result.AuditTrail = t.entries
			if serr := result.Seal(); serr != nil {
				return EnforcementResult{}, serr
			}
			return result, fmt.Errorf("intervene: %w", faults.ErrCancelled)
		}

		if err := t.append(ActionGateStart, "intervenor", map[string]any{"gate": gate.Name()}); err != nil {
			return EnforcementResult{}, err
		}

		gc.Prior = result.GateLog
		gr, err := gate.Check(ctx, gc)
		if err != nil {
			action := ActionPolicyViolation
			if errors.Is(err, faults.ErrCancelled) {
				action = ActionEnforcementCancelled
			}
			if aerr := t.append(action, gate.Name(), map[string]any{"error": err.Error()}); aerr != nil {
				return EnforcementResult{}, aerr
			}
			result.AuditTrail = t.entries
			if serr := result.Seal(); serr != nil {
				return EnforcementResult{}, serr
			}
			return result, err
		}
		if gr.Timestamp.IsZero() {
			gr.Timestamp = iv.clock().UTC()
		}
		result.GateLog = append(result.GateLog, gr)

		if err := t.append(ActionGateCheck, gate.Name(), map[string]any{
			"status":    string(gr.Status),
			"message":   gr.Message,
			"approvers": gr.Approvers,
		}); err != nil {
			return EnforcementResult{}, err
		}

		if gr.Status != StatusApproved {
			allApproved = false
			iv.logger.Info("gate halted enforcement", "gate", gate.Name(), "status", gr.Status)

			action := ActionEnforcementBlocked
			if gr.Status == StatusPending {
				action = ActionEnforcementPaused
			}
			if err := t.append(action, "intervenor", map[string]any{
				"gate":   gate.Name(),
				"status": string(gr.Status),
			}); err != nil {
				return EnforcementResult{}, err
			}
			break
		}
	}

	if allApproved {
		if err := t.append(ActionEnforcementApplied, "intervenor", map[string]any{
			"target":   target,
			"decision": string(decision.Decision),
		}); err != nil {
			return EnforcementResult{}, err
		}
		result.Applied = true
	}

	result.AuditTrail = t.entries
	if err := result.Seal(); err != nil {
		return EnforcementResult{}, err
	}
	iv.publish(result)
	return result, nil
}

// Block produces the enforcement artifact for decisions that never reach
// gates (Reject, Defer). action names the terminal audit entry.
func (iv *Intervenor) Block(decision deliberate.Result, target, action string) (EnforcementResult, error) {
	t := &trail{clock: func() time.Time { return iv.clock().UTC() }}
	if err := t.append(ActionEnforcementStart, "intervenor", map[string]any{
		"decision_hash": decision.AuditHash,
		"target":        target,
		"gate_count":    0,
	}); err != nil {
		return EnforcementResult{}, err
	}
	if err := t.append(action, "intervenor", map[string]any{
		"decision": string(decision.Decision),
	}); err != nil {
		return EnforcementResult{}, err
	}
	result := EnforcementResult{
		DecisionHash: decision.AuditHash,
		GateLog:      []GateResult{},
		AuditTrail:   t.entries,
		Timestamp:    iv.clock().UTC(),
	}
	if err := result.Seal(); err != nil {
		return EnforcementResult{}, err
	}
	iv.publish(result)
	return result, nil
}

// Rollback records an out-of-band application failure: the host applied
// the approved mutation, it failed, and revert ran. The trail gains
// rollback_start plus rollback_complete or rollback_failed, and the
// result is re-sealed.
func (iv *Intervenor) Rollback(ctx context.Context, result *EnforcementResult, revert func(context.Context) error) error {
	if result == nil || !result.Applied {
		return fmt.Errorf("intervene: rollback on unapplied enforcement: %w", faults.ErrInvalidArgument)
	}
	t := &trail{entries: result.AuditTrail, clock: func() time.Time { return iv.clock().UTC() }}
	if err := t.append(ActionRollbackStart, "intervenor", map[string]any{
		"decision_hash": result.DecisionHash,
	}); err != nil {
		return err
	}

	rerr := revert(ctx)
	if rerr != nil {
		if err := t.append(ActionRollbackFailed, "intervenor", map[string]any{"error": rerr.Error()}); err != nil {
			return err
		}
	} else {
		if err := t.append(ActionRollbackComplete, "intervenor", nil); err != nil {
			return err
		}
		result.RolledBack = true
	}
	result.AuditTrail = t.entries
	if err := result.Seal(); err != nil {
		return err
	}
	if rerr != nil {
		return fmt.Errorf("intervene: rollback: %w", rerr)
	}
	return nil
}

func (iv *Intervenor) publish(result EnforcementResult) {
	if iv.bus == nil {
		return
	}
	if _, err := iv.bus.Publish(bus.TopicInterventionDone, result, "intervene"); err != nil {
		iv.logger.Error("publish intervention result", "err", err)
	}
}
