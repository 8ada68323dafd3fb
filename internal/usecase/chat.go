package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrdushidush/agent-battle-command-center-sub003/internal/domain"
)

// MissionGate is the orchestrator surface the chat service drives. The
// chat/mission cycle is broken by this interface and bound in main.
type MissionGate interface {
	ActiveAwaitingApproval(ctx context.Context) (domain.Mission, bool)
	Approve(ctx context.Context, missionID string) error
	Reject(ctx context.Context, missionID string) error
}

// ChatService relays operator messages to the agents runtime and
// intercepts mission approval verdicts.
type ChatService struct {
	Conversations domain.ConversationRepository
	Runtime       domain.AgentRuntime
	Events        domain.EventPublisher

	gate MissionGate
}

// BindMissions wires the orchestrator in after construction.
func (s *ChatService) BindMissions(g MissionGate) { s.gate = g }

// StartConversation opens a fresh conversation.
func (s *ChatService) StartConversation(ctx context.Context) (domain.Conversation, error) {
	c := domain.Conversation{}
	id, err := s.Conversations.CreateConversation(ctx, c)
	if err != nil {
		return domain.Conversation{}, err
	}
	c.ID = id
	return c, nil
}

// History returns a conversation's messages in time order.
func (s *ChatService) History(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error) {
	return s.Conversations.ListMessages(ctx, conversationID, limit)
}

var (
	approveWords = []string{"approve", "approved", "yes", "lgtm", "looks good", "go ahead"}
	rejectWords  = []string{"reject", "rejected", "no", "cancel", "stop"}
)

// verdict classifies a message as an approval, a rejection, or neither.
func verdict(content string) (approve, reject bool) {
	c := strings.ToLower(strings.TrimSpace(content))
	c = strings.Trim(c, ".!")
	for _, w := range approveWords {
		if c == w || strings.HasPrefix(c, w+" ") {
			return true, false
		}
	}
	for _, w := range rejectWords {
		if c == w || strings.HasPrefix(c, w+" ") {
			return false, true
		}
	}
	return false, false
}

// Send persists the operator message, resolves pending mission
// approvals, and otherwise relays to the runtime chat stream. Chunks
// are published on the bus as they arrive.
func (s *ChatService) Send(ctx context.Context, conversationID, content, agentType string) (domain.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: content required", domain.ErrInvalidArgument)
	}
	if agentType == "" {
		agentType = "cto"
	}

	if _, err := s.Conversations.AppendMessage(ctx, domain.ChatMessage{
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
	}); err != nil {
		return domain.ChatMessage{}, err
	}

	if reply, handled := s.resolveApproval(ctx, content); handled {
		return s.reply(ctx, conversationID, reply)
	}

	history, err := s.Conversations.ListMessages(ctx, conversationID, 50)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	turns := make([]domain.ChatTurn, 0, len(history))
	for _, m := range history {
		turns = append(turns, domain.ChatTurn{Role: m.Role, Content: m.Content})
	}

	var sb strings.Builder
	err = s.Runtime.ChatStream(ctx, domain.ChatRequest{
		AgentType: agentType,
		Stream:    true,
		Messages:  turns,
	}, func(ch domain.ChatChunk) error {
		if ch.Chunk != "" {
			sb.WriteString(ch.Chunk)
			s.publish(domain.EventChatMessageChunk, map[string]any{
				"conversation_id": conversationID,
				"chunk":           ch.Chunk,
			})
		}
		return nil
	})
	if err != nil {
		s.publish(domain.EventChatMessageError, map[string]any{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return domain.ChatMessage{}, err
	}

	msg, err := s.reply(ctx, conversationID, sb.String())
	if err != nil {
		return domain.ChatMessage{}, err
	}
	s.publish(domain.EventChatMessageComplete, map[string]any{
		"conversation_id": conversationID,
		"message_id":      msg.ID,
	})
	return msg, nil
}

// resolveApproval applies an approve/reject verdict to the mission
// waiting on the operator, if there is one.
func (s *ChatService) resolveApproval(ctx context.Context, content string) (string, bool) {
	approve, reject := verdict(content)
	if !approve && !reject || s.gate == nil {
		return "", false
	}
	m, ok := s.gate.ActiveAwaitingApproval(ctx)
	if !ok {
		return "", false
	}
	if approve {
		if err := s.gate.Approve(ctx, m.ID); err != nil {
			return "Could not start the mission: " + err.Error(), true
		}
		return "Mission approved. Executing " + fmt.Sprint(len(m.SubtaskIDs)) + " subtasks.", true
	}
	if err := s.gate.Reject(ctx, m.ID); err != nil {
		return "Could not cancel the mission: " + err.Error(), true
	}
	return "Mission rejected and cancelled.", true
}

func (s *ChatService) reply(ctx context.Context, conversationID, content string) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        content,
	}
	id, err := s.Conversations.AppendMessage(ctx, msg)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg.ID = id
	return msg, nil
}

func (s *ChatService) publish(t domain.EventType, payload map[string]any) {
	if s.Events != nil {
		s.Events.Publish(domain.NewEvent(t, payload))
	}
}
