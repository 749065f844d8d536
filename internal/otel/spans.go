package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by chat, tool and model spans.
var (
	AttrOwner          = attribute.Key("todochat.owner")
	AttrConversationID = attribute.Key("todochat.conversation.id")
	AttrRequestID      = attribute.Key("todochat.request.id")
	AttrToolName       = attribute.Key("todochat.tool.name")
	AttrToolOutcome    = attribute.Key("todochat.tool.outcome")
	AttrModel          = attribute.Key("todochat.llm.model")
	AttrModelPhase     = attribute.Key("todochat.llm.phase")
	AttrLoopOutcome    = attribute.Key("todochat.loop.outcome")
	AttrToolCount      = attribute.Key("todochat.loop.tool_calls")
	AttrPromptTokens   = attribute.Key("todochat.llm.prompt_tokens_estimate")
)

func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound model call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
