package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments recorded by the chat loop.
type Metrics struct {
	ChatDuration      metric.Float64Histogram
	ModelCallDuration metric.Float64Histogram
	ModelErrors       metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	StreamFragments   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ChatDuration, err = meter.Float64Histogram("todochat.chat.duration",
		metric.WithDescription("End-to-end chat turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelCallDuration, err = meter.Float64Histogram("todochat.llm.duration",
		metric.WithDescription("Model call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ModelErrors, err = meter.Int64Counter("todochat.llm.errors",
		metric.WithDescription("Model call failures by error class"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("todochat.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("todochat.tool.errors",
		metric.WithDescription("Tool executions that returned an error result"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamFragments, err = meter.Int64Counter("todochat.stream.fragments",
		metric.WithDescription("Text fragments delivered over streaming chat"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTool records one tool execution. A nil receiver is a no-op.
func (m *Metrics) RecordTool(ctx context.Context, tool, errorKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrToolName.String(tool))
	m.ToolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
	if errorKind != "" {
		m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(tool),
			attribute.String("error_kind", errorKind),
		))
	}
}

// RecordModelCall records one model call and, when class is non-empty, a
// failure of that class.
func (m *Metrics) RecordModelCall(ctx context.Context, phase, class string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ModelCallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(AttrModelPhase.String(phase)))
	if class != "" {
		m.ModelErrors.Add(ctx, 1, metric.WithAttributes(
			AttrModelPhase.String(phase),
			attribute.String("class", class),
		))
	}
}

// RecordChat records a finished chat turn with its outcome.
func (m *Metrics) RecordChat(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ChatDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(AttrLoopOutcome.String(outcome)))
}

// RecordFragment counts one streamed text fragment.
func (m *Metrics) RecordFragment(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamFragments.Add(ctx, 1)
}
