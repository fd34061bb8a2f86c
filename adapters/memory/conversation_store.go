package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// ConversationStore keeps conversations in process memory
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation
}

var _ repositories.ConversationStore = (*ConversationStore)(nil)

// NewConversationStore creates an empty in-memory conversation store
func NewConversationStore() *ConversationStore {
	return &ConversationStore{conversations: make(map[string]*entities.Conversation)}
}

// EnsureConversation implements repositories.ConversationStore
func (m *ConversationStore) EnsureConversation(ctx context.Context, projectID, titleHint string) (repositories.ConversationRef, error) {
	if projectID == "" {
		return repositories.ConversationRef{}, errors.New("project ID cannot be empty")
	}

	conversation := entities.NewConversation(projectID, titleHint)

	m.mu.Lock()
	m.conversations[conversation.ID] = conversation
	m.mu.Unlock()

	return repositories.ConversationRef{ID: conversation.ID, SessionID: conversation.SessionID}, nil
}

// UpdateConversation implements repositories.ConversationStore
func (m *ConversationStore) UpdateConversation(ctx context.Context, id, sessionID string, update repositories.ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[id]
	if !exists || conversation.SessionID != sessionID {
		return fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	if update.Name != "" {
		conversation.Rename(update.Name)
	}
	return nil
}

// AddMessage implements repositories.ConversationStore
func (m *ConversationStore) AddMessage(ctx context.Context, conversationID string, message entities.Message) error {
	if err := message.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[conversationID]
	if !exists {
		return fmt.Errorf("conversation %s: %w", conversationID, repositories.ErrNotFound)
	}
	conversation.AddMessage(message)
	return nil
}

// GetConversation implements repositories.ConversationStore
func (m *ConversationStore) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	return clone(conversation, true), nil
}

// ListByProject implements repositories.ConversationStore, most recently
// updated first and without messages
func (m *ConversationStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*entities.Conversation, error) {
	m.mu.RLock()
	result := make([]*entities.Conversation, 0)
	for _, conversation := range m.conversations {
		if conversation.ProjectID == projectID {
			result = append(result, clone(conversation, false))
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func clone(c *entities.Conversation, withMessages bool) *entities.Conversation {
	out := *c
	if withMessages {
		out.Messages = append([]entities.Message(nil), c.Messages...)
	} else {
		out.Messages = nil
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}
