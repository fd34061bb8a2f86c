package repositories

import "context"

// LargeLanguageModel abstracts any chat/LLM provider
type LargeLanguageModel interface {
	// GenerateChat creates a chat session seeded with history
	GenerateChat(ctx context.Context, settings ChatSettings, history []ChatMessage) (ChatSession, error)
}

// ChatSession represents an ongoing conversation with the model
type ChatSession interface {
	// SendMessageStream sends a message and streams the reply. The channel is
	// closed when the reply is complete; a delta with a non-nil Err is the last one.
	SendMessageStream(ctx context.Context, message ChatMessage) (<-chan ChatDelta, error)
	History() ([]ChatMessage, error)
}

// ChatSettings selects the model and persona used for a chat
type ChatSettings struct {
	ModelID   string
	PersonaID string
}

// ChatDelta is one increment of a streamed reply
type ChatDelta struct {
	Text string
	Err  error
}

// ChatMessage represents a single message in a conversation
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)
