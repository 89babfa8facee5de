// Package intervene enforces deliberation decisions through ordered
// gates and records every step in a tamper-evident audit trail.
package intervene

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ApprovalRequest is what a human (or their proxy system) sees when a
// gate asks for sign-off.
type ApprovalRequest struct {
	RequestID    string   `json:"request_id"`
	Target       string   `json:"target"`
	Decision     string   `json:"decision"`
	Rationale    string   `json:"rationale"`
	Conditions   []string `json:"conditions,omitempty"`
	DecisionHash string   `json:"decision_hash"`
}

// ApprovalResponse is one responder's answer.
type ApprovalResponse struct {
	ApproverID string `json:"approver_id"`
	Approved   bool   `json:"approved"`
	Comment    string `json:"comment,omitempty"`
}

// ApprovalChannel delivers an approval request to a responder and blocks
// until the response arrives or ctx expires. Implementations are the
// host's integration surface: a CLI prompt, a ticketing system, a chat
// bot.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ChannelFunc adapts a function to ApprovalChannel.
type ChannelFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// RequestApproval implements ApprovalChannel.
func (f ChannelFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

// QueueChannel is an in-memory ApprovalChannel fed by the host: requests
// block until Respond is called with a matching request ID (or the
// context expires). Useful for tests and for hosts that bridge to their
// own UI.
type QueueChannel struct {
	ApproverID string

	mu      sync.Mutex
	waiters map[string]chan ApprovalResponse
	pending []ApprovalRequest
}

// NewQueueChannel creates a QueueChannel for one approver identity.
func NewQueueChannel(approverID string) *QueueChannel {
	return &QueueChannel{
		ApproverID: approverID,
		waiters:    make(map[string]chan ApprovalResponse),
	}
}

// RequestApproval implements ApprovalChannel.
func (q *QueueChannel) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	ch := make(chan ApprovalResponse, 1)
	q.mu.Lock()
	q.waiters[req.RequestID] = ch
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.waiters, req.RequestID)
		q.mu.Unlock()
	}()

	select {
	case resp := <-ch:
		if resp.ApproverID == "" {
			resp.ApproverID = q.ApproverID
		}
		return resp, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}

// Pending lists requests not yet answered.
func (q *QueueChannel) Pending() []ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ApprovalRequest, len(q.pending))
	copy(out, q.pending)
	return out
}

// Respond answers a pending request. It fails when no request with the
// given ID is waiting.
func (q *QueueChannel) Respond(requestID string, resp ApprovalResponse) error {
	q.mu.Lock()
	ch, ok := q.waiters[requestID]
	if ok {
		for i, p := range q.pending {
			if p.RequestID == requestID {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("intervene: no pending approval request %q", requestID)
	}
	ch <- resp
	return nil
}

// newRequestID mints an approval request identifier.
func newRequestID() string {
	return "appr-" + uuid.NewString()
}
