package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// MockGeminiClient streams canned replies word by word, for local runs
// without an API key
type MockGeminiClient struct{}

var _ repositories.LargeLanguageModel = (*MockGeminiClient)(nil)

// NewMockGeminiClient creates a new mock Gemini client
func NewMockGeminiClient() *MockGeminiClient {
	return &MockGeminiClient{}
}

// GenerateChat implements repositories.LargeLanguageModel
func (g *MockGeminiClient) GenerateChat(ctx context.Context, settings repositories.ChatSettings, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &MockGeminiChatSession{
		history: append([]repositories.ChatMessage(nil), history...),
	}, nil
}

// MockGeminiChatSession implements repositories.ChatSession
type MockGeminiChatSession struct {
	mu      sync.Mutex
	history []repositories.ChatMessage
}

// SendMessageStream implements repositories.ChatSession
func (g *MockGeminiChatSession) SendMessageStream(ctx context.Context, message repositories.ChatMessage) (<-chan repositories.ChatDelta, error) {
	var response string
	switch {
	case len(message.Content) > 0:
		response = fmt.Sprintf("Thanks for telling me. You said: %s. What else would you like to talk about?", message.Content)
	default:
		response = "Hello! What would you like to talk about today?"
	}

	out := make(chan repositories.ChatDelta)
	go func() {
		defer close(out)
		words := strings.SplitAfter(response, " ")
		for _, word := range words {
			select {
			case out <- repositories.ChatDelta{Text: word}:
			case <-ctx.Done():
				return
			}
		}

		g.mu.Lock()
		g.history = append(g.history, message, repositories.ChatMessage{
			Role:    repositories.AssistantRole,
			Content: response,
		})
		g.mu.Unlock()
	}()
	return out, nil
}

// History implements repositories.ChatSession
func (g *MockGeminiChatSession) History() ([]repositories.ChatMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]repositories.ChatMessage(nil), g.history...), nil
}
