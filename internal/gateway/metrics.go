package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/basket/todo-chat/internal/audit"
	"github.com/basket/todo-chat/internal/bus"
	"github.com/basket/todo-chat/internal/engine"
)

// Metrics are the Prometheus collectors served on /metrics. Each Server
// owns its registry so tests can build several side by side.
type Metrics struct {
	Registry *prometheus.Registry

	ChatRequests   *prometheus.CounterVec
	ToolExecutions *prometheus.CounterVec
	ChatDuration   *prometheus.HistogramVec
	ModelErrors    *prometheus.CounterVec
}

func NewMetrics(eventBus *bus.Bus) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todochat_chat_requests_total",
			Help: "Chat turns by loop outcome.",
		}, []string{"outcome"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todochat_tool_executions_total",
			Help: "Tool executions dispatched by the chat loop, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ChatDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todochat_chat_duration_seconds",
			Help:    "End-to-end chat turn duration.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"endpoint"}),
		ModelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todochat_model_errors_total",
			Help: "First-call model failures by error class.",
		}, []string{"class"}),
	}
	m.Registry.MustRegister(
		m.ChatRequests,
		m.ToolExecutions,
		m.ChatDuration,
		m.ModelErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "todochat_audited_tool_errors_total",
			Help: "Tool executions recorded in the audit trail with an error outcome.",
		}, func() float64 { return float64(audit.ErrorCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todochat_event_subscribers",
			Help: "Active task event subscriptions.",
		}, func() float64 {
			if eventBus == nil {
				return 0
			}
			return float64(eventBus.SubscriberCount())
		}),
	)
	return m
}

// observeTurn records a finished chat turn.
func (m *Metrics) observeTurn(endpoint, outcome string, res *engine.Result, elapsed time.Duration) {
	m.ChatRequests.WithLabelValues(outcome).Inc()
	m.ChatDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	if res == nil {
		return
	}
	for _, call := range res.ToolCalls {
		result := "ok"
		if !call.Succeeded() {
			result = call.Result.ErrorKind()
		}
		m.ToolExecutions.WithLabelValues(call.Name, result).Inc()
	}
}

func (m *Metrics) observeModelError(err error) {
	m.ModelErrors.WithLabelValues(string(engine.ClassifyError(err))).Inc()
}
