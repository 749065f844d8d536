package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/basket/todo-chat/internal/engine"
	"github.com/basket/todo-chat/internal/persistence"
	"github.com/basket/todo-chat/internal/shared"
)

type chatRequest struct {
	ConversationID *int64 `json:"conversation_id"`
	Message        string `json:"message"`
}

type chatToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type chatResponse struct {
	ConversationID int64          `json:"conversation_id"`
	Response       string         `json:"response"`
	ToolCalls      []chatToolCall `json:"tool_calls"`
}

// turn is one prepared chat request: validated, with its conversation
// resolved and the user message already stored.
type turn struct {
	ctx          context.Context
	owner        string
	conversation persistence.Conversation
	history      []engine.Message
}

// prepareTurn validates the body, resolves the conversation and stores the
// user message. It writes the error response itself and returns nil on
// failure.
func (s *Server) prepareTurn(w http.ResponseWriter, r *http.Request) *turn {
	ctx := r.Context()
	owner := shared.Owner(ctx)

	var req chatRequest
	if !s.decodeBody(w, r, &req) {
		return nil
	}
	if err := engine.ValidateMessage(req.Message, s.cfg.MaxMessageChars); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return nil
	}
	if req.ConversationID != nil && *req.ConversationID <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "conversation_id must be a positive integer")
		return nil
	}

	var (
		conv persistence.Conversation
		err  error
	)
	if req.ConversationID != nil {
		conv, err = s.cfg.Store.GetConversation(ctx, owner, *req.ConversationID)
	} else {
		conv, err = s.cfg.Store.CreateConversation(ctx, owner)
	}
	if err != nil {
		s.storeError(w, r, "conversation", err)
		return nil
	}
	ctx = shared.WithConversationID(ctx, conv.ID)

	userMsg, err := s.cfg.Store.AppendMessage(ctx, owner, conv.ID, persistence.RoleUser, req.Message)
	if err != nil {
		s.storeError(w, r, "conversation", err)
		return nil
	}
	// Replies from overlapping turns in the same conversation are stored
	// after our user message; cut the history there.
	stored, err := s.cfg.Store.History(ctx, owner, conv.ID, userMsg.ID, s.cfg.HistoryLimit)
	if err != nil {
		s.storeError(w, r, "conversation", err)
		return nil
	}
	history := make([]engine.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, engine.Message{Role: m.Role, Content: m.Content})
	}
	return &turn{ctx: ctx, owner: owner, conversation: conv, history: history}
}

// finishTurn stores the assistant reply. It runs even when the client has
// gone away so a completed turn is never half-recorded.
func (s *Server) finishTurn(t *turn, reply string) error {
	ctx := context.WithoutCancel(t.ctx)
	_, err := s.cfg.Store.AppendMessage(ctx, t.owner, t.conversation.ID, persistence.RoleAssistant, reply)
	return err
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t := s.prepareTurn(w, r)
	if t == nil {
		return
	}
	r = r.WithContext(t.ctx)

	res, err := s.cfg.Orchestrator.Run(t.ctx, engine.Request{Owner: t.owner, Messages: t.history})
	if err != nil {
		s.turnFailed(w, r, t, "chat", err, start)
		return
	}
	if err := s.finishTurn(t, res.Reply); err != nil {
		s.storeError(w, r, "conversation", err)
		return
	}
	s.metrics.observeTurn("chat", res.Outcome, res, time.Since(start))

	calls := make([]chatToolCall, 0, len(res.ToolCalls))
	for _, c := range res.ToolCalls {
		calls = append(calls, chatToolCall{Tool: c.Name, Params: c.Params})
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: t.conversation.ID,
		Response:       res.Reply,
		ToolCalls:      calls,
	})
}

// turnFailed answers a chat turn whose loop returned an error. The user
// message stays stored; no assistant message is added.
func (s *Server) turnFailed(w http.ResponseWriter, r *http.Request, t *turn, endpoint string, err error, start time.Time) {
	switch {
	case errors.Is(err, engine.ErrTimeout):
		s.metrics.observeTurn(endpoint, engine.OutcomeTimeout, nil, time.Since(start))
		s.metrics.observeModelError(err)
		s.writeError(w, r, http.StatusGatewayTimeout, "the assistant took too long to respond")
	case errors.Is(err, engine.ErrModel):
		s.metrics.observeTurn(endpoint, engine.OutcomeModelError, nil, time.Since(start))
		s.metrics.observeModelError(err)
		writeJSON(w, http.StatusOK, chatResponse{
			ConversationID: t.conversation.ID,
			Response:       engine.ModelErrorReply,
			ToolCalls:      []chatToolCall{},
		})
	case errors.Is(err, engine.ErrEmptyMessage), errors.Is(err, engine.ErrMessageTooLong):
		s.metrics.observeTurn(endpoint, engine.OutcomeRejected, nil, time.Since(start))
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		s.metrics.observeTurn(endpoint, engine.OutcomeCancelled, nil, time.Since(start))
		s.logger.Warn("chat turn aborted", append(shared.LogAttrs(t.ctx), "error", err)...)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
