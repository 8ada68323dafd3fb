package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// ConversationRepo persists conversations and their messages.
type ConversationRepo struct{ Pool PgxPool }

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

// CreateConversation inserts a conversation and returns its id.
func (r *ConversationRepo) CreateConversation(ctx context.Context, c domain.Conversation) (string, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := q(ctx, r.Pool).Exec(ctx,
		`INSERT INTO conversations (id, mission_id, created_at) VALUES ($1,$2,$3)`,
		id, c.MissionID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=conversation.create: %w", err)
	}
	return id, nil
}

// AppendMessage inserts one chat message and returns its id.
func (r *ConversationRepo) AppendMessage(ctx context.Context, m domain.ChatMessage) (string, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.AppendMessage")
	defer span.End()
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := q(ctx, r.Pool).Exec(ctx,
		`INSERT INTO chat_messages (id, conversation_id, role, content, created_at) VALUES ($1,$2,$3,$4,$5)`,
		id, m.ConversationID, m.Role, m.Content, ts)
	if err != nil {
		return "", fmt.Errorf("op=conversation.append: %w", err)
	}
	return id, nil
}

// ListMessages returns a conversation's messages in time order.
func (r *ConversationRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.ListMessages")
	defer span.End()
	if limit <= 0 {
		limit = 200
	}
	rows, err := q(ctx, r.Pool).Query(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM chat_messages
		 WHERE conversation_id=$1 ORDER BY created_at ASC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.list_messages: %w", err)
	}
	defer rows.Close()
	var out []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=conversation.list_messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list_messages: %w", err)
	}
	return out, nil
}
