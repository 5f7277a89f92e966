package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestApprovalGate_Decisions(t *testing.T) {
	always := ToolSpec{Name: "shell", Approval: ApprovalRequirement{Mode: ApprovalAlways}}
	never := ToolSpec{Name: "glob"}

	tests := []struct {
		name     string
		approver Approver
		spec     ToolSpec
		want     ApprovalDecision
	}{
		{name: "no approval needed", approver: nil, spec: never, want: DecisionAutoApproved},
		{name: "nil approver denies", approver: nil, spec: always, want: DecisionDenied},
		{
			name: "user approves",
			approver: ApproverFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
				return DecisionApproved, nil
			}),
			spec: always,
			want: DecisionApproved,
		},
		{
			name: "user denies",
			approver: ApproverFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
				return DecisionDenied, nil
			}),
			spec: always,
			want: DecisionDenied,
		},
		{
			name: "remembered approval counts as approved",
			approver: ApproverFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
				return DecisionAutoApproved, nil
			}),
			spec: always,
			want: DecisionApproved,
		},
		{
			name: "unknown answer denies",
			approver: ApproverFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
				return ApprovalDecision("maybe"), nil
			}),
			spec: always,
			want: DecisionDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewApprovalGate(tt.approver)
			got, err := gate.Resolve(context.Background(), ToolCall{ID: "1", Name: tt.spec.Name}, tt.spec, "")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("decision = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApprovalGate_ResolvesOncePerCall(t *testing.T) {
	var asked atomic.Int32
	gate := NewApprovalGate(ApproverFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
		asked.Add(1)
		return DecisionApproved, nil
	}))
	spec := ToolSpec{Name: "shell", Approval: ApprovalRequirement{Mode: ApprovalAlways}}
	call := ToolCall{ID: "c1", Name: "shell"}

	for i := 0; i < 3; i++ {
		if d, err := gate.Resolve(context.Background(), call, spec, ""); err != nil || d != DecisionApproved {
			t.Fatalf("Resolve = %s, %v", d, err)
		}
	}
	if asked.Load() != 1 {
		t.Fatalf("approver asked %d times, want 1", asked.Load())
	}
	if d, ok := gate.Decision(call); !ok || d != DecisionApproved {
		t.Fatalf("Decision = %s, %v", d, ok)
	}
}

func TestApprovalGate_ReusedIDIsAskedAgain(t *testing.T) {
	var asked []string
	gate := NewApprovalGate(ApproverFunc(func(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
		asked = append(asked, req.ToolName+string(req.Args))
		if req.ToolName == "write_file" {
			return DecisionDenied, nil
		}
		return DecisionApproved, nil
	}))
	always := ApprovalRequirement{Mode: ApprovalAlways}

	first, _ := gate.Resolve(context.Background(),
		ToolCall{ID: "call_1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a"}`)},
		ToolSpec{Name: "write_file", Approval: always}, "")
	second, _ := gate.Resolve(context.Background(),
		ToolCall{ID: "call_1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		ToolSpec{Name: "shell", Approval: always}, "")

	if first != DecisionDenied || second != DecisionApproved {
		t.Fatalf("decisions = %s, %s", first, second)
	}
	if len(asked) != 2 {
		t.Fatalf("approver asked for %v, want both calls", asked)
	}
}

func TestApprovalGate_ConditionalUsesArguments(t *testing.T) {
	var requests []ApprovalRequest
	gate := NewApprovalGate(ApproverFunc(func(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
		requests = append(requests, req)
		return DecisionDenied, nil
	}))
	spec := ToolSpec{Name: "write_file", Approval: ApprovalRequirement{
		Mode: ApprovalConditional,
		Condition: func(args json.RawMessage) bool {
			var a struct{ Path string }
			_ = json.Unmarshal(args, &a)
			return a.Path == "/etc/hosts"
		},
	}}

	inside, _ := gate.Resolve(context.Background(), ToolCall{ID: "1", Name: "write_file", Arguments: json.RawMessage(`{"path":"notes.txt"}`)}, spec, "")
	outside, _ := gate.Resolve(context.Background(), ToolCall{ID: "2", Name: "write_file", Arguments: json.RawMessage(`{"path":"/etc/hosts"}`)}, spec, "(/etc/hosts)")

	if inside != DecisionAutoApproved {
		t.Errorf("inside = %s", inside)
	}
	if outside != DecisionDenied {
		t.Errorf("outside = %s", outside)
	}
	if len(requests) != 1 || requests[0].CallID != "2" || requests[0].Summary != "(/etc/hosts)" {
		t.Fatalf("requests = %+v", requests)
	}
}

func TestApprovalGate_PendingPromptBlocksOnlyItsCall(t *testing.T) {
	release := make(chan struct{})
	gate := NewApprovalGate(ApproverFunc(func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
		if req.CallID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return DecisionApproved, nil
	}))
	spec := ToolSpec{Name: "shell", Approval: ApprovalRequirement{Mode: ApprovalAlways}}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = gate.Resolve(context.Background(), ToolCall{ID: "slow", Name: "shell"}, spec, "")
	}()

	done := make(chan struct{})
	go func() {
		_, _ = gate.Resolve(context.Background(), ToolCall{ID: "fast", Name: "shell"}, spec, "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast call blocked behind slow prompt")
	}
	close(release)
	wg.Wait()
}

func TestApprovalGate_Errors(t *testing.T) {
	spec := ToolSpec{Name: "shell", Approval: ApprovalRequirement{Mode: ApprovalAlways}}

	t.Run("cancelled prompt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		gate := NewApprovalGate(ApproverFunc(func(ctx context.Context, _ ApprovalRequest) (ApprovalDecision, error) {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		}))
		_, err := gate.Resolve(ctx, ToolCall{ID: "1", Name: "shell"}, spec, "")
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
		if _, ok := gate.Decision(ToolCall{ID: "1", Name: "shell"}); ok {
			t.Error("a cancelled prompt must not record a decision")
		}
	})

	t.Run("approver failure", func(t *testing.T) {
		boom := errors.New("no terminal")
		gate := NewApprovalGate(ApproverFunc(func(context.Context, ApprovalRequest) (ApprovalDecision, error) {
			return "", boom
		}))
		_, err := gate.Resolve(context.Background(), ToolCall{ID: "1", Name: "shell"}, spec, "")
		if !errors.Is(err, boom) || errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v", err)
		}
	})
}
