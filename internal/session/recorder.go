package session

import (
	"context"
	"fmt"

	"github.com/samsaffron/term-agent/internal/llm"
)

// Recorder appends a running conversation to a Store as rounds complete.
type Recorder struct {
	store Store
	id    string
}

// NewRecorder records into the session with the given id.
func NewRecorder(store Store, id string) *Recorder {
	return &Recorder{store: store, id: id}
}

// ID returns the session id.
func (r *Recorder) ID() string {
	return r.id
}

// Append stores messages that did not come from the engine, such as the
// user prompt that starts a turn.
func (r *Recorder) Append(ctx context.Context, msgs ...llm.Message) error {
	for _, msg := range msgs {
		if err := r.store.AddMessage(ctx, r.id, NewMessage(r.id, msg, -1)); err != nil {
			return err
		}
	}
	return nil
}

// Callback returns a TurnCompletedCallback that persists each round's
// messages and adds its metrics to the session totals.
func (r *Recorder) Callback() llm.TurnCompletedCallback {
	return func(ctx context.Context, round int, msgs []llm.Message, m llm.TurnMetrics) error {
		if err := r.Append(ctx, msgs...); err != nil {
			return fmt.Errorf("record round %d: %w", round, err)
		}
		return r.store.UpdateMetrics(ctx, r.id, 1, m.ToolCalls, m.InputTokens, m.OutputTokens, 0)
	}
}

// Finish stores the final status of a turn. It runs on a fresh context
// so a cancelled turn is still marked interrupted.
func (r *Recorder) Finish(state llm.TurnState) error {
	return r.store.UpdateStatus(context.Background(), r.id, StatusFor(state))
}

// LoadHistory returns a session's messages in order, ready to send as
// conversation history.
func LoadHistory(ctx context.Context, store Store, id string) ([]llm.Message, error) {
	if _, err := store.Get(ctx, id); err != nil {
		return nil, err
	}
	stored, err := store.GetMessages(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(stored))
	for i := range stored {
		msgs = append(msgs, stored[i].ToLLMMessage())
	}
	return msgs, nil
}
