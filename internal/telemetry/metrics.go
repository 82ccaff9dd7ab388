package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects orchestration counters and timings, exposed on the
// server's /metrics endpoint via the default registry.
type Metrics struct {
	TurnsStarted   prometheus.Counter
	TurnsCompleted *prometheus.CounterVec
	ToolCalls      *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	ToolDuration   *prometheus.HistogramVec
	LLMTokens      *prometheus.CounterVec
	StreamEvents   *prometheus.CounterVec
}

// Outcome labels for TurnsCompleted.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

func New() *Metrics {
	return &Metrics{
		TurnsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "deepsearch_turns_started_total",
			Help: "Deep search turns started.",
		}),
		TurnsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_turns_completed_total",
			Help: "Deep search turns finished, by outcome.",
		}, []string{"outcome"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_tool_calls_total",
			Help: "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepsearch_turn_duration_seconds",
			Help:    "Wall time of a deep search turn.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepsearch_tool_duration_seconds",
			Help:    "Wall time of a single tool invocation.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"tool"}),
		LLMTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_llm_tokens_total",
			Help: "LLM tokens consumed, by kind.",
		}, []string{"kind"}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "deepsearch_stream_events_total",
			Help: "Events published to turn streams, by type.",
		}, []string{"type"}),
	}
}

// Nop returns metrics backed by a throwaway registry, for tests and
// callers that do not expose /metrics.
func Nop() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		TurnsStarted:   factory.NewCounter(prometheus.CounterOpts{Name: "deepsearch_turns_started_total"}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{Name: "deepsearch_turns_completed_total"}, []string{"outcome"}),
		ToolCalls:      factory.NewCounterVec(prometheus.CounterOpts{Name: "deepsearch_tool_calls_total"}, []string{"tool", "outcome"}),
		TurnDuration:   factory.NewHistogram(prometheus.HistogramOpts{Name: "deepsearch_turn_duration_seconds"}),
		ToolDuration:   factory.NewHistogramVec(prometheus.HistogramOpts{Name: "deepsearch_tool_duration_seconds"}, []string{"tool"}),
		LLMTokens:      factory.NewCounterVec(prometheus.CounterOpts{Name: "deepsearch_llm_tokens_total"}, []string{"kind"}),
		StreamEvents:   factory.NewCounterVec(prometheus.CounterOpts{Name: "deepsearch_stream_events_total"}, []string{"type"}),
	}
}
