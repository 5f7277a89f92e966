// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samsaffron/term-agent/internal/llm"
)

// Recorder implements llm.Observer and llm.RetryObserver.
type Recorder struct {
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	turns        *prometheus.CounterVec
	rounds       prometheus.Histogram
	compactions  prometheus.Counter
	compacted    prometheus.Counter
}

var (
	_ llm.Observer      = (*Recorder)(nil)
	_ llm.RetryObserver = (*Recorder)(nil)
)

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "term_agent_tool_calls_total",
				Help: "Total number of tool calls by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "term_agent_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "term_agent_retries_total",
				Help: "Total number of provider retries by reason",
			},
			[]string{"provider", "reason"},
		),
		turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "term_agent_turns_total",
				Help: "Total number of turns by final state",
			},
			[]string{"state"},
		),
		rounds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "term_agent_rounds_per_turn",
				Help:    "Model round trips per turn",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
			},
		),
		compactions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "term_agent_compactions_total",
				Help: "Total number of history compactions",
			},
		),
		compacted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "term_agent_compacted_messages_total",
				Help: "Total number of messages replaced by summaries",
			},
		),
	}
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveTool records a finished tool call.
func (r *Recorder) ObserveTool(name, outcome string, d time.Duration) {
	r.toolCalls.WithLabelValues(name, outcome).Inc()
	r.toolDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveCompaction records a compaction that replaced removed messages.
func (r *Recorder) ObserveCompaction(removed int) {
	r.compactions.Inc()
	r.compacted.Add(float64(removed))
}

// ObserveTurn records a finished turn.
func (r *Recorder) ObserveTurn(state llm.TurnState, rounds int) {
	r.turns.WithLabelValues(string(state)).Inc()
	r.rounds.Observe(float64(rounds))
}

// ObserveRetry records a retried provider request.
func (r *Recorder) ObserveRetry(provider string, err error) {
	r.retries.WithLabelValues(provider, Reason(err)).Inc()
}

// Reason names the taxonomy class of err for use as a label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, llm.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, llm.ErrTransientNetwork):
		return "transient"
	case errors.Is(err, llm.ErrAuth):
		return "auth"
	case errors.Is(err, llm.ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, llm.ErrCancelled):
		return "cancelled"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Debug("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
