package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxParallelTools bounds how many shared-lock tools run at once.
const DefaultMaxParallelTools = 16

// ToolObserver is notified after every call. metrics.Recorder implements it.
type ToolObserver interface {
	ObserveTool(name, outcome string, d time.Duration)
}

// Tool call outcomes reported to observers.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeDenied    = "denied"
	OutcomeInvalid   = "invalid"
	OutcomeCancelled = "cancelled"
)

// Orchestrator executes the tool calls of a round. Parallel-safe tools share
// the lock; every other tool holds it exclusively. One lock instance guards
// the whole tool surface, across rounds and turns of the owning engine.
type Orchestrator struct {
	registry *ToolRegistry
	lock     *semaphore.Weighted
	capacity int64
	logger   *slog.Logger
	observer ToolObserver
}

// NewOrchestrator creates an orchestrator. maxParallel <= 0 selects
// DefaultMaxParallelTools.
func NewOrchestrator(registry *ToolRegistry, maxParallel int) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallelTools
	}
	return &Orchestrator{
		registry: registry,
		lock:     semaphore.NewWeighted(int64(maxParallel)),
		capacity: int64(maxParallel),
		logger:   slog.Default(),
	}
}

func (o *Orchestrator) SetLogger(l *slog.Logger) {
	if l != nil {
		o.logger = l
	}
}

func (o *Orchestrator) SetObserver(obs ToolObserver) {
	o.observer = obs
}

// callOutcome is what a single call goroutine reports back.
type callOutcome struct {
	result    ToolResult
	hasResult bool
	fatal     error
}

// RunRound executes calls and returns their results sorted by Index. Every
// call that finished, was denied, or was invalid has exactly one result.
// On cancellation, calls interrupted mid-execution get a cancellation result,
// calls that never started get none, and the error wraps ErrCancelled. An
// approval failure aborts the round and is returned as is.
func (o *Orchestrator) RunRound(ctx context.Context, calls []ToolCall, gate *ApprovalGate, emit func(Event)) ([]ToolResult, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	if gate == nil {
		gate = NewApprovalGate(nil)
	}

	roundCtx, cancelRound := context.WithCancelCause(ctx)
	defer cancelRound(nil)

	outcomes := make(chan callOutcome, len(calls))
	var wg sync.WaitGroup
	for _, call := range calls {
		wg.Add(1)
		go func(c ToolCall) {
			defer wg.Done()
			out := o.runCall(roundCtx, c, gate, emit)
			if out.fatal != nil {
				cancelRound(out.fatal)
			}
			outcomes <- out
		}(call)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	results := make([]ToolResult, 0, len(calls))
	var fatal error
	for out := range outcomes {
		if out.fatal != nil && fatal == nil {
			fatal = out.fatal
		}
		if out.hasResult {
			results = append(results, out.result)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})

	if fatal != nil {
		return results, fatal
	}
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return results, nil
}

func (o *Orchestrator) runCall(ctx context.Context, call ToolCall, gate *ApprovalGate, emit func(Event)) callOutcome {
	fail := func(content, outcome string, kind error) callOutcome {
		res := ToolResult{
			ID:         call.ID,
			Name:       call.Name,
			Index:      call.Index,
			Content:    content,
			IsError:    true,
			ThoughtSig: call.ThoughtSig,
			Err:        kind,
		}
		emit(Event{Type: EventToolExecEnd, ToolCallID: call.ID, ToolName: call.Name, Result: &res})
		o.observe(call.Name, outcome, 0)
		return callOutcome{result: res, hasResult: true}
	}

	if call.ArgsErr != nil {
		return fail(fmt.Sprintf("Error: %v", call.ArgsErr), OutcomeInvalid, ErrSchemaMismatch)
	}
	tool, spec, err := o.registry.Lookup(call.Name)
	if err != nil {
		return fail(fmt.Sprintf("Error: tool not registered: %s", call.Name), OutcomeInvalid, ErrUnknownTool)
	}

	info := toolPreview(tool, call)
	decision, err := gate.Resolve(ctx, call, spec, info)
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return callOutcome{}
		}
		return callOutcome{fatal: err}
	}
	if !decision.Allowed() {
		return fail(fmt.Sprintf("Tool '%s' denied by user", call.Name), OutcomeDenied, ErrApprovalDenied)
	}

	weight := o.capacity
	if spec.SupportsParallel {
		weight = 1
	}
	if err := o.lock.Acquire(ctx, weight); err != nil {
		return callOutcome{}
	}
	// Acquire may succeed on an already cancelled context.
	if ctx.Err() != nil {
		o.lock.Release(weight)
		return callOutcome{}
	}

	emit(Event{Type: EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name, ToolInfo: info})
	start := time.Now()
	output, execErr := tool.Execute(ContextWithCallID(ctx, call.ID), call.Arguments)
	duration := time.Since(start)
	o.lock.Release(weight)

	res := ToolResult{
		ID:         call.ID,
		Name:       call.Name,
		Index:      call.Index,
		Content:    output,
		Duration:   duration,
		ThoughtSig: call.ThoughtSig,
	}
	outcome := OutcomeSuccess
	switch {
	case execErr != nil && ctx.Err() != nil:
		res.Content = "Error: tool execution cancelled"
		res.IsError = true
		res.Err = ErrCancelled
		outcome = OutcomeCancelled
	case execErr != nil:
		res.Content = fmt.Sprintf("Error: %v", execErr)
		res.IsError = true
		outcome = OutcomeError
		o.logger.Debug("tool failed", "tool", call.Name, "id", call.ID, "err", execErr)
	}

	emit(Event{
		Type:        EventToolExecEnd,
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		ToolInfo:    info,
		ToolSuccess: !res.IsError,
		Result:      &res,
	})
	o.observe(call.Name, outcome, duration)
	return callOutcome{result: res, hasResult: true}
}

func (o *Orchestrator) observe(name, outcome string, d time.Duration) {
	if o.observer != nil {
		o.observer.ObserveTool(name, outcome, d)
	}
}

// toolPreview returns a preview string for a tool call.
func toolPreview(tool Tool, call ToolCall) string {
	if tool != nil {
		if preview := tool.Preview(call.Arguments); preview != "" {
			if !strings.HasPrefix(preview, "(") {
				return "(" + preview + ")"
			}
			return preview
		}
	}
	return ExtractToolInfo(call)
}
