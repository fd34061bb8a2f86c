package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message represents a single recorded message within a conversation
type Message struct {
	Timestamp  time.Time       `json:"timestamp" bson:"timestamp"`
	Role       MessageRole     `json:"role" bson:"role"`
	Content    string          `json:"content" bson:"content"`
	DurationMs int64           `json:"duration_ms" bson:"duration_ms"`
	Metadata   MessageMetadata `json:"metadata" bson:"metadata"`
}

// MessageMetadata contains additional metadata for a message
type MessageMetadata struct {
	TurnID      string `json:"turn_id,omitempty" bson:"turn_id,omitempty"`
	VoiceID     string `json:"voice_id,omitempty" bson:"voice_id,omitempty"`
	AudioChunks int    `json:"audio_chunks,omitempty" bson:"audio_chunks,omitempty"`
}

// Conversation is the persisted record a voice session is bound to
type Conversation struct {
	ID            string     `json:"id" bson:"_id"`
	SessionID     string     `json:"session_id" bson:"session_id"`
	ProjectID     string     `json:"project_id" bson:"project_id"`
	Name          string     `json:"name" bson:"name"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at" bson:"last_message_at"`
	Messages      []Message  `json:"messages" bson:"messages"`
}

// NewConversation creates a conversation for a project with a fresh id and session id
func NewConversation(projectID, name string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
	}
}

// AddMessage appends a message and updates activity timestamps
func (c *Conversation) AddMessage(message Message) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	c.Messages = append(c.Messages, message)
	at := message.Timestamp
	c.LastMessageAt = &at
	c.UpdatedAt = time.Now()
}

// Rename sets the display name of the conversation
func (c *Conversation) Rename(name string) {
	c.Name = name
	c.UpdatedAt = time.Now()
}

// History returns the last n messages, or all of them when n <= 0
func (c *Conversation) History(n int) []Message {
	if n <= 0 || n >= len(c.Messages) {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// Validate validates the conversation data
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if c.SessionID == "" {
		return errors.New("session_id is required")
	}
	return nil
}

// Validate validates the message data
func (m Message) Validate() error {
	if m.Role != MessageRoleUser && m.Role != MessageRoleAssistant {
		return errors.New("invalid message role")
	}
	if m.Content == "" {
		return errors.New("content is required")
	}
	return nil
}
