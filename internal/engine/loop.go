package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/todo-chat/internal/otel"
	"github.com/basket/todo-chat/internal/shared"
	"github.com/basket/todo-chat/internal/tokenutil"
	"github.com/basket/todo-chat/internal/tools"
)

// State is a step of one orchestration run.
type State string

const (
	StateLoadingContext State = "LOADING_CONTEXT"
	StateFirstModelCall State = "FIRST_MODEL_CALL"
	StateExtracting     State = "EXTRACTING"
	StateDispatching    State = "DISPATCHING"
	StateSynthesizing   State = "SYNTHESIZING"
	StateDone           State = "DONE"
)

// Loop outcomes, used for logs and metrics.
const (
	OutcomeReplied         = "replied"
	OutcomeTools           = "tools"
	OutcomeSynthesisFailed = "synthesis_failed"
	OutcomeModelError      = "model_error"
	OutcomeTimeout         = "timeout"
	OutcomeRejected        = "rejected"
	OutcomeCancelled       = "cancelled"
)

// User-facing replies for the degraded paths.
const (
	ModelErrorReply      = "I'm having trouble right now, please try again"
	SynthesisFailedReply = "I completed that, but had trouble summarizing it"
	NeutralReply         = "I'm not sure what you'd like me to do. Could you rephrase that?"
)

const toolResultsPrefix = "Tool execution results:\n"

// ToolExecutor runs one invocation on behalf of owner.
type ToolExecutor interface {
	Execute(ctx context.Context, owner string, inv tools.Invocation) tools.Result
}

// Request is one chat turn. Messages is the bounded history, oldest first,
// ending with the new user message.
type Request struct {
	Owner    string
	Messages []Message
}

// ToolCall is a dispatched invocation together with its result.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
	Result tools.Result   `json:"result"`
}

// Succeeded reports whether the tool returned a success result.
func (c ToolCall) Succeeded() bool { return !c.Result.IsError() }

// Result is the outcome of a completed run.
type Result struct {
	Reply     string
	ToolCalls []ToolCall
	Outcome   string
	States    []State
}

// Hooks observe a run as it progresses. All fields are optional.
type Hooks struct {
	// OnToolCall is called after each dispatched invocation.
	OnToolCall func(ToolCall)
	// OnFragment receives reply text as it becomes available. When set the
	// synthesis call is streamed; otherwise the reply arrives in one piece.
	OnFragment func(string) error
}

// Config tunes an Orchestrator.
type Config struct {
	Timeout         time.Duration
	MaxMessageChars int
	Logger          *slog.Logger
	Tracer          trace.Tracer
	Metrics         *otel.Metrics
}

// Orchestrator drives the conversational tool-calling loop. It holds no
// per-request state and is safe for concurrent use.
type Orchestrator struct {
	model   Model
	exec    ToolExecutor
	prompt  *PromptBuilder
	timeout time.Duration
	maxLen  int
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func NewOrchestrator(model Model, exec ToolExecutor, prompt *PromptBuilder, cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Orchestrator{
		model:   model,
		exec:    exec,
		prompt:  prompt,
		timeout: cfg.Timeout,
		maxLen:  cfg.MaxMessageChars,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
}

// Prompt returns the builder whose persona can be hot-swapped.
func (o *Orchestrator) Prompt() *PromptBuilder { return o.prompt }

// Timeout returns the deadline applied to each run.
func (o *Orchestrator) Timeout() time.Duration { return o.timeout }

// ValidateMessage rejects blank and over-long user messages.
func ValidateMessage(msg string, maxChars int) error {
	if strings.TrimSpace(msg) == "" {
		return ErrEmptyMessage
	}
	if maxChars > 0 && utf8.RuneCountInString(msg) > maxChars {
		return fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, maxChars)
	}
	return nil
}

// Run executes one turn without streaming.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	return o.RunWithHooks(ctx, req, Hooks{})
}

// RunWithHooks executes one turn. The whole run, tool dispatch included,
// is bounded by a single timeout. Errors are ErrEmptyMessage,
// ErrMessageTooLong, ErrTimeout, ErrModel or the caller's context error;
// everything after the first model call degrades into a Result instead.
func (o *Orchestrator) RunWithHooks(ctx context.Context, req Request, hooks Hooks) (res *Result, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, o.tracer, "chat.turn",
		otel.AttrOwner.String(req.Owner),
		otel.AttrRequestID.String(shared.RequestID(ctx)),
	)
	outcome := OutcomeRejected
	defer func() {
		span.SetAttributes(otel.AttrLoopOutcome.String(outcome))
		otel.EndSpan(span, err)
		o.metrics.RecordChat(ctx, outcome, time.Since(start))
	}()

	logger := o.logger.With(shared.LogAttrs(ctx)...)
	result := &Result{States: []State{StateLoadingContext}}

	if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Role != "user" {
		return nil, ErrEmptyMessage
	}
	if err := ValidateMessage(req.Messages[len(req.Messages)-1].Content, o.maxLen); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result.States = append(result.States, StateFirstModelCall)
	raw, err := o.callModel(runCtx, "first", o.prompt.System(), req.Messages, nil)
	if err != nil {
		outcome = o.failureOutcome(ctx, runCtx)
		logger.Warn("first model call failed", "error", err, "class", ClassifyError(err), "outcome", outcome)
		switch outcome {
		case OutcomeTimeout:
			return nil, ErrTimeout
		case OutcomeCancelled:
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrModel, err)
	}

	result.States = append(result.States, StateExtracting)
	prose, invs := Extract(logger, raw)
	if len(invs) == 0 {
		result.Reply = prose
		if result.Reply == "" {
			result.Reply = NeutralReply
		}
		if hooks.OnFragment != nil {
			if err := hooks.OnFragment(result.Reply); err != nil {
				outcome = OutcomeCancelled
				return nil, err
			}
		}
		outcome = OutcomeReplied
		result.Outcome = outcome
		result.States = append(result.States, StateDone)
		logger.Info("chat turn completed", "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
		return result, nil
	}

	result.States = append(result.States, StateDispatching)
	for _, inv := range invs {
		if runCtx.Err() != nil {
			logger.Warn("deadline reached during dispatch", "skipped", len(invs)-len(result.ToolCalls))
			break
		}
		call := ToolCall{Name: inv.Name, Params: inv.Params}
		call.Result = o.exec.Execute(runCtx, req.Owner, inv)
		result.ToolCalls = append(result.ToolCalls, call)
		if hooks.OnToolCall != nil {
			hooks.OnToolCall(call)
		}
	}
	span.SetAttributes(otel.AttrToolCount.Int(len(result.ToolCalls)))
	if len(result.ToolCalls) == 0 {
		outcome = o.failureOutcome(ctx, runCtx)
		if outcome == OutcomeCancelled {
			return nil, ctx.Err()
		}
		outcome = OutcomeTimeout
		return nil, ErrTimeout
	}

	result.States = append(result.States, StateSynthesizing)
	reply, synthErr := o.synthesize(runCtx, req.Messages, raw, result.ToolCalls, hooks.OnFragment)
	if synthErr != nil {
		logger.Warn("synthesis failed", "error", synthErr, "class", ClassifyError(synthErr))
		reply = SynthesisFailedReply
		outcome = OutcomeSynthesisFailed
	} else {
		outcome = OutcomeTools
	}
	result.Reply = reply
	result.Outcome = outcome
	result.States = append(result.States, StateDone)
	logger.Info("chat turn completed",
		"outcome", outcome,
		"tool_calls", len(result.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// failureOutcome tells a run deadline apart from the caller going away and
// from a plain model failure.
func (o *Orchestrator) failureOutcome(parent, runCtx context.Context) string {
	switch {
	case parent.Err() != nil:
		return OutcomeCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeModelError
	}
}

// synthesize asks the model to summarize the tool results for the user.
// Any fragments already streamed stay with the client on failure.
func (o *Orchestrator) synthesize(ctx context.Context, history []Message, firstReply string, calls []ToolCall, onFragment func(string) error) (string, error) {
	summary, err := toolResultsMessage(calls)
	if err != nil {
		return "", err
	}
	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, history...)
	msgs = append(msgs,
		Message{Role: "assistant", Content: firstReply},
		Message{Role: "user", Content: summary},
	)

	var filter *fragmentFilter
	if onFragment != nil {
		filter = newFragmentFilter(onFragment)
		onFragment = filter.write
	}
	text, err := o.callModel(ctx, "synthesis", o.prompt.Synthesis(), msgs, onFragment)
	if err != nil {
		return "", err
	}
	if filter != nil {
		if err := filter.flush(); err != nil {
			return "", err
		}
	}
	reply, _ := Extract(o.logger, text)
	if reply == "" {
		return "", errors.New("synthesis returned no text")
	}
	return reply, nil
}

type toolResultEntry struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params"`
	Result  tools.Result   `json:"result"`
	Success bool           `json:"success"`
}

func toolResultsMessage(calls []ToolCall) (string, error) {
	entries := make([]toolResultEntry, 0, len(calls))
	for _, c := range calls {
		entries = append(entries, toolResultEntry{
			Tool:    c.Name,
			Params:  c.Params,
			Result:  c.Result,
			Success: c.Succeeded(),
		})
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode tool results: %w", err)
	}
	return toolResultsPrefix + string(b), nil
}

// callModel performs one model call, streaming when onFragment is set.
func (o *Orchestrator) callModel(ctx context.Context, phase, system string, msgs []Message, onFragment func(string) error) (string, error) {
	start := time.Now()
	parts := make([]string, 0, len(msgs)+1)
	parts = append(parts, system)
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "llm.generate",
		otel.AttrModelPhase.String(phase),
		otel.AttrPromptTokens.Int(tokenutil.EstimatePrompt(parts...)),
	)

	var (
		text string
		err  error
	)
	if onFragment == nil {
		text, err = o.model.Complete(ctx, system, msgs)
	} else {
		var b strings.Builder
		err = o.model.Stream(ctx, system, msgs, func(fragment string) error {
			b.WriteString(fragment)
			o.metrics.RecordFragment(ctx)
			return onFragment(fragment)
		})
		text = b.String()
	}

	class := ""
	if err != nil {
		class = string(ClassifyError(err))
	}
	o.metrics.RecordModelCall(ctx, phase, class, time.Since(start))
	otel.EndSpan(span, err)
	return text, err
}
