package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/todo-chat/internal/engine"
	"github.com/basket/todo-chat/internal/shared"
)

// Server-sent event names on the streaming chat endpoint.
const (
	sseToolCall = "tool_call"
	sseToken    = "token"
	sseDone     = "done"
	sseError    = "error"
)

type sseToolCallEvent struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params"`
	Success bool           `json:"success"`
}

type sseTokenEvent struct {
	Token string `json:"token"`
}

type sseDoneEvent struct {
	ConversationID int64  `json:"conversation_id"`
	Response       string `json:"response"`
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChatStream implements POST /api/{user_id}/chat/stream. Validation
// and ownership failures are answered as JSON before the stream opens; once
// it opens every outcome is reported as an event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}
	t := s.prepareTurn(w, r)
	if t == nil {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sse := &sseWriter{w: w, flusher: flusher}

	res, err := s.cfg.Orchestrator.RunWithHooks(t.ctx, engine.Request{Owner: t.owner, Messages: t.history}, engine.Hooks{
		OnToolCall: func(c engine.ToolCall) {
			_ = sse.send(sseToolCall, sseToolCallEvent{Tool: c.Name, Params: c.Params, Success: c.Succeeded()})
		},
		OnFragment: func(fragment string) error {
			return sse.send(sseToken, sseTokenEvent{Token: fragment})
		},
	})
	if err != nil {
		s.streamFailed(sse, t, err, start)
		return
	}
	if err := s.finishTurn(t, res.Reply); err != nil {
		s.logger.Error("store assistant message", append(shared.LogAttrs(t.ctx), "error", err)...)
		_ = sse.send(sseError, errorBody{Error: "internal error", RequestID: shared.RequestID(t.ctx)})
		return
	}
	s.metrics.observeTurn("chat_stream", res.Outcome, res, time.Since(start))
	_ = sse.send(sseDone, sseDoneEvent{ConversationID: t.conversation.ID, Response: res.Reply})
}

func (s *Server) streamFailed(sse *sseWriter, t *turn, err error, start time.Time) {
	reqID := shared.RequestID(t.ctx)
	switch {
	case errors.Is(err, engine.ErrTimeout):
		s.metrics.observeTurn("chat_stream", engine.OutcomeTimeout, nil, time.Since(start))
		s.metrics.observeModelError(err)
		_ = sse.send(sseError, errorBody{Error: "the assistant took too long to respond", RequestID: reqID})
	case errors.Is(err, engine.ErrModel):
		s.metrics.observeTurn("chat_stream", engine.OutcomeModelError, nil, time.Since(start))
		s.metrics.observeModelError(err)
		_ = sse.send(sseToken, sseTokenEvent{Token: engine.ModelErrorReply})
		_ = sse.send(sseDone, sseDoneEvent{ConversationID: t.conversation.ID, Response: engine.ModelErrorReply})
	default:
		s.metrics.observeTurn("chat_stream", engine.OutcomeCancelled, nil, time.Since(start))
		s.logger.Warn("streaming chat turn aborted", append(shared.LogAttrs(t.ctx), "error", err)...)
		_ = sse.send(sseError, errorBody{Error: "internal error", RequestID: reqID})
	}
}
