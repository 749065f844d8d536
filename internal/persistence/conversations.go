package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        int64     `db:"id" json:"id"`
	Owner     string    `db:"owner" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type Message struct {
	ID             int64     `db:"id" json:"id"`
	Owner          string    `db:"owner" json:"-"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

func (s *Store) CreateConversation(ctx context.Context, owner string) (Conversation, error) {
	var conv Conversation
	err := s.withTx(ctx, "create conversation", func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (owner, created_at, updated_at) VALUES (?, ?, ?);
		`, owner, ts, ts)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("conversation last insert id: %w", err)
		}
		conv, err = getConversation(ctx, tx, owner, id)
		return err
	})
	return conv, err
}

// GetConversation returns ErrNotFound unless the conversation belongs to owner.
func (s *Store) GetConversation(ctx context.Context, owner string, id int64) (Conversation, error) {
	return getConversation(ctx, s.db, owner, id)
}

// ListConversations returns owner's conversations, most recently active
// first. limit <= 0 means no limit.
func (s *Store) ListConversations(ctx context.Context, owner string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	convs := []Conversation{}
	err := sqlscan.Select(ctx, s.db, &convs, `
		SELECT id, owner, created_at, updated_at FROM conversations
		WHERE owner = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?;
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if convs == nil {
		convs = []Conversation{}
	}
	return convs, nil
}

// AppendMessage stores one message and bumps the conversation's updated_at
// in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, owner string, conversationID int64, role, content string) (Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("append message: invalid role %q", role)
	}
	var msg Message
	err := s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ? WHERE id = ? AND owner = ?;
		`, ts, conversationID, owner)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO messages (owner, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, owner, conversationID, role, content, ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message last insert id: %w", err)
		}
		msg = Message{
			ID:             id,
			Owner:          owner,
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      ts,
		}
		return nil
	})
	return msg, err
}

// ListMessages returns the newest limit messages of the conversation in
// chronological order. limit <= 0 returns the whole conversation.
func (s *Store) ListMessages(ctx context.Context, owner string, conversationID int64, limit int) ([]Message, error) {
	if _, err := s.GetConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	msgs := []Message{}
	err := sqlscan.Select(ctx, s.db, &msgs, `
		SELECT id, owner, conversation_id, role, content, created_at FROM (
			SELECT id, owner, conversation_id, role, content, created_at
			FROM messages
			WHERE conversation_id = ? AND owner = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC;
	`, conversationID, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// History returns the newest limit messages with id <= throughID in
// insertion order, so a turn's context ends at its own user message even
// when other turns write to the conversation concurrently.
func (s *Store) History(ctx context.Context, owner string, conversationID, throughID int64, limit int) ([]Message, error) {
	if _, err := s.GetConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	msgs := []Message{}
	err := sqlscan.Select(ctx, s.db, &msgs, `
		SELECT id, owner, conversation_id, role, content, created_at FROM (
			SELECT id, owner, conversation_id, role, content, created_at
			FROM messages
			WHERE conversation_id = ? AND owner = ? AND id <= ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, conversationID, owner, throughID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

func getConversation(ctx context.Context, q sqlscan.Querier, owner string, id int64) (Conversation, error) {
	var conv Conversation
	err := sqlscan.Get(ctx, q, &conv, `
		SELECT id, owner, created_at, updated_at FROM conversations WHERE id = ? AND owner = ?;
	`, id, owner)
	if sqlscan.NotFound(err) {
		return Conversation{}, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}
