package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ApprovalDecision is the terminal outcome of approval for one call.
type ApprovalDecision string

const (
	DecisionAutoApproved ApprovalDecision = "auto_approved"
	DecisionApproved     ApprovalDecision = "approved"
	DecisionDenied       ApprovalDecision = "denied"
)

// Allowed reports whether the call may execute.
func (d ApprovalDecision) Allowed() bool {
	return d == DecisionApproved || d == DecisionAutoApproved
}

// ApprovalRequest describes a call awaiting confirmation.
type ApprovalRequest struct {
	CallID   string
	ToolName string
	Summary  string // human-readable description of the arguments
	Args     json.RawMessage
}

// Approver answers approval requests, typically by asking the user. It may
// block. An error means the decision could not be obtained at all and fails
// the round.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

func (f ApproverFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// ApprovalGate resolves approval for the calls of one round. Each call is
// resolved at most once; a repeat of the same id, tool and arguments gets the
// cached decision. Calls are resolved independently and concurrently, so a
// pending prompt only blocks its own call.
type ApprovalGate struct {
	approver Approver

	mu        sync.Mutex
	decisions map[gateKey]ApprovalDecision
}

// gateKey identifies a call by everything the decision was made on.
type gateKey struct {
	id, name, args string
}

func keyOf(call ToolCall) gateKey {
	return gateKey{id: call.ID, name: call.Name, args: string(call.Arguments)}
}

// NewApprovalGate creates a gate for one round. A nil approver denies every
// call that needs confirmation.
func NewApprovalGate(approver Approver) *ApprovalGate {
	return &ApprovalGate{approver: approver, decisions: make(map[gateKey]ApprovalDecision)}
}

// Resolve returns the decision for call under spec's approval requirement.
func (g *ApprovalGate) Resolve(ctx context.Context, call ToolCall, spec ToolSpec, summary string) (ApprovalDecision, error) {
	key := keyOf(call)
	if d, ok := g.cached(key); ok {
		return d, nil
	}

	decision := DecisionAutoApproved
	if spec.Approval.RequiresApproval(call.Arguments) {
		if g.approver == nil {
			decision = DecisionDenied
		} else {
			d, err := g.approver.RequestApproval(ctx, ApprovalRequest{
				CallID:   call.ID,
				ToolName: call.Name,
				Summary:  summary,
				Args:     call.Arguments,
			})
			if err != nil {
				if ctx.Err() != nil {
					return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
				}
				return "", fmt.Errorf("approval for %s: %w", call.Name, err)
			}
			switch d {
			case DecisionApproved, DecisionAutoApproved:
				decision = DecisionApproved
			default:
				decision = DecisionDenied
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prior, ok := g.decisions[key]; ok {
		return prior, nil
	}
	g.decisions[key] = decision
	return decision, nil
}

// Decision returns the cached decision for call, if it was resolved.
func (g *ApprovalGate) Decision(call ToolCall) (ApprovalDecision, bool) {
	return g.cached(keyOf(call))
}

func (g *ApprovalGate) cached(key gateKey) (ApprovalDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.decisions[key]
	return d, ok
}
