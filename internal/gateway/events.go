package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/todo-chat/internal/bus"
	"github.com/basket/todo-chat/internal/shared"
)

const eventWriteTimeout = 5 * time.Second

// taskEventMessage is one frame on the task event feed.
type taskEventMessage struct {
	Type      string    `json:"type"` // created, updated, completed, deleted
	TaskID    int64     `json:"task_id"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	At        time.Time `json:"at"`
}

// handleEvents implements GET /api/{user_id}/events: a websocket that
// pushes the caller's own task mutations until either side closes it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "event feed not available")
		return
	}
	owner := shared.Owner(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.CORS.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "request_id", shared.RequestID(r.Context()), "error", err)
		return
	}
	sub := s.cfg.Bus.SubscribeOwner(owner, bus.TopicTaskPrefix)
	s.logger.Info("ws: client connected", "request_id", shared.RequestID(r.Context()), "owner", owner)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.logger.Info("ws: client disconnected", "request_id", shared.RequestID(r.Context()), "owner", owner)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The feed is push-only; CloseRead discards client frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			msg := taskEventMessage{
				Type:      strings.TrimPrefix(ev.Topic, bus.TopicTaskPrefix),
				TaskID:    payload.TaskID,
				Title:     payload.Title,
				Completed: payload.Completed,
				At:        payload.At,
			}
			if err := writeEvent(ctx, conn, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("ws: write failed", "owner", owner, "error", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, msg taskEventMessage) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
