// Package deliberate collects stakeholder votes on a threshold event and
// aggregates them into a single auditable decision.
//
// Dissent is data: every vote that disagrees with the aggregate is
// preserved verbatim in the result.
package deliberate

import (
	"fmt"
	"time"

	"github.com/templetwo/threshold-protocols/pkg/canonicalize"
	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// Decision is a deliberation outcome.
type Decision string

const (
	DecisionProceed     Decision = "proceed"
	DecisionPause       Decision = "pause"
	DecisionReject      Decision = "reject"
	DecisionDefer       Decision = "defer"
	DecisionConditional Decision = "conditional"
)

// StakeholderType tags the perspective a vote represents.
type StakeholderType string

const (
	StakeholderTechnical     StakeholderType = "technical"
	StakeholderEthical       StakeholderType = "ethical"
	StakeholderDomain        StakeholderType = "domain"
	StakeholderPhysiological StakeholderType = "physiological"
	StakeholderHumanOperator StakeholderType = "human-operator"
)

// voteWeight is the tally weight for one stakeholder type. Human-typed
// votes count double.
func voteWeight(t StakeholderType) int {
	if t == StakeholderHumanOperator {
		return 2
	}
	return 1
}

// Vote is one stakeholder's position.
type Vote struct {
	StakeholderID   string          `json:"stakeholder_id"`
	StakeholderType StakeholderType `json:"stakeholder_type"`
	Decision        Decision        `json:"decision"`
	Rationale       string          `json:"rationale"`
	Confidence      float64         `json:"confidence"`
	Concerns        []string        `json:"concerns,omitempty"`
	Conditions      []string        `json:"conditions,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Validate enforces the vote invariants.
func (v Vote) Validate() error {
	if v.StakeholderID == "" {
		return fmt.Errorf("deliberate: vote missing stakeholder id: %w", faults.ErrInvalidArgument)
	}
	if v.Rationale == "" {
		return fmt.Errorf("deliberate: vote from %s missing rationale: %w", v.StakeholderID, faults.ErrInvalidArgument)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("deliberate: vote from %s confidence %v out of range: %w", v.StakeholderID, v.Confidence, faults.ErrInvalidArgument)
	}
	if (v.Decision == DecisionConditional) != (len(v.Conditions) > 0) {
		return fmt.Errorf("deliberate: vote from %s: conditions must be present exactly when decision is conditional: %w", v.StakeholderID, faults.ErrInvalidArgument)
	}
	return nil
}

// DissentRecord preserves one minority position.
type DissentRecord struct {
	StakeholderID  string   `json:"stakeholder_id"`
	DissentingFrom Decision `json:"dissenting_from"`
	Preferred      Decision `json:"preferred"`
	Rationale      string   `json:"rationale"`
	Concerns       []string `json:"concerns,omitempty"`
}

// Result is the deliberation artifact.
type Result struct {
	SessionID       string          `json:"session_id"`
	Decision        Decision        `json:"decision"`
	Rationale       string          `json:"rationale"`
	Votes           []Vote          `json:"votes"`
	DissentingViews []DissentRecord `json:"dissenting_views"`
	Conditions      []string        `json:"conditions"`
	Abstentions     []string        `json:"abstentions,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	AuditHash       string          `json:"audit_hash"`
}

// Seal computes the 16-hex audit hash over the canonical result form,
// excluding the hash itself.
func (r *Result) Seal() error {
	h, err := canonicalize.HashN(struct {
		SessionID       string          `json:"session_id"`
		Decision        Decision        `json:"decision"`
		Rationale       string          `json:"rationale"`
		Votes           []Vote          `json:"votes"`
		DissentingViews []DissentRecord `json:"dissenting_views"`
		Conditions      []string        `json:"conditions"`
		Abstentions     []string        `json:"abstentions"`
		Timestamp       time.Time       `json:"timestamp"`
	}{r.SessionID, r.Decision, r.Rationale, r.Votes, r.DissentingViews, r.Conditions, r.Abstentions, r.Timestamp}, 16)
	if err != nil {
		return fmt.Errorf("deliberate: seal result: %w", err)
	}
	r.AuditHash = h
	return nil
}
