package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// ChatService turns stored conversations into chat context for the model
type ChatService struct {
	conversations repositories.ConversationStore
	logger        *zap.Logger
}

// NewChatService creates a new chat service
func NewChatService(conversations repositories.ConversationStore, logger *zap.Logger) *ChatService {
	return &ChatService{conversations: conversations, logger: logger}
}

// History returns the last limit messages of a conversation, oldest first. An
// unknown conversation has no history.
func (s *ChatService) History(ctx context.Context, conversationID string, limit int) ([]repositories.ChatMessage, error) {
	conversation, err := s.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	messages := conversation.History(limit)
	history := make([]repositories.ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := repositories.UserRole
		if m.Role == entities.MessageRoleAssistant {
			role = repositories.AssistantRole
		}
		history = append(history, repositories.ChatMessage{Role: role, Content: m.Content})
	}

	s.logger.Debug("Loaded conversation history",
		zap.String("conversationID", conversationID),
		zap.Int("messages", len(history)))
	return history, nil
}

// Conversations lists the most recent conversations of a project
func (s *ChatService) Conversations(ctx context.Context, projectID string, limit int) ([]*entities.Conversation, error) {
	conversations, err := s.conversations.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// ErrForbidden is returned when a conversation belongs to another project
var ErrForbidden = errors.New("conversation belongs to another project")

// Conversation returns one conversation of a project with its messages
func (s *ChatService) Conversation(ctx context.Context, projectID, conversationID string) (*entities.Conversation, error) {
	conversation, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.ProjectID != projectID {
		s.logger.Warn("Conversation requested by another project",
			zap.String("conversationID", conversationID),
			zap.String("projectID", projectID))
		return nil, ErrForbidden
	}
	return conversation, nil
}
