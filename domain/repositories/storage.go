package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/voicechat/domain/entities"
)

// ErrNotFound is returned by stores when the requested record does not exist
var ErrNotFound = errors.New("not found")

// ConversationRef identifies a persisted conversation and the session bound to it
type ConversationRef struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

// ConversationUpdate holds the mutable fields of a conversation
type ConversationUpdate struct {
	Name string `json:"name"`
}

// ConversationStore persists conversations and their messages
type ConversationStore interface {
	// EnsureConversation creates a conversation for the project titled with titleHint
	EnsureConversation(ctx context.Context, projectID, titleHint string) (ConversationRef, error)
	UpdateConversation(ctx context.Context, id, sessionID string, update ConversationUpdate) error
	AddMessage(ctx context.Context, conversationID string, message entities.Message) error
	GetConversation(ctx context.Context, id string) (*entities.Conversation, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]*entities.Conversation, error)
}

// ProjectRepository defines data access methods for projects
type ProjectRepository interface {
	Create(ctx context.Context, project *entities.Project) error
	GetByID(ctx context.Context, id string) (*entities.Project, error)
	// ValidateWidgetKey validates the key embedded in a project's widget
	ValidateWidgetKey(ctx context.Context, projectID, widgetKey string) (*entities.Project, error)
}

// ChunkStore keeps synthesized audio and returns an opaque reference the
// browser can play from
type ChunkStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
