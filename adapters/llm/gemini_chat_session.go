package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// GeminiChatSession implements the ChatSession interface over a streamed
// GenerateContent call
type GeminiChatSession struct {
	client     *genai.Client
	logger     *zap.Logger
	model      string
	timeout    time.Duration
	retries    uint64
	generation *genai.GenerateContentConfig
	fallbacks  []string

	mu      sync.Mutex
	history []*genai.Content
}

var _ repositories.ChatSession = (*GeminiChatSession)(nil)

// SendMessageStream streams the model reply. Transient failures are retried
// only before the first delta has been delivered.
func (s *GeminiChatSession) SendMessageStream(ctx context.Context, message repositories.ChatMessage) (<-chan repositories.ChatDelta, error) {
	if strings.TrimSpace(message.Content) == "" {
		return nil, errors.New("message content is required")
	}

	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	s.mu.Lock()
	contents := make([]*genai.Content, 0, len(s.history)+1)
	contents = append(contents, s.history...)
	contents = append(contents, userContent)
	s.mu.Unlock()

	out := make(chan repositories.ChatDelta, 16)
	go func() {
		defer close(out)

		streamCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var text strings.Builder
		backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(500*time.Millisecond))
		err := retry.Do(streamCtx, backoff, func(ctx context.Context) error {
			for resp, err := range s.client.Models.GenerateContentStream(ctx, s.model, contents, s.generation) {
				if err != nil {
					err = classifyGeminiError(err)
					if text.Len() == 0 && domain.IsRetryable(err) {
						s.logger.Warn("Gemini stream failed, retrying", zap.Error(err))
						return retry.RetryableError(err)
					}
					return err
				}
				chunk := responseText(resp)
				if chunk == "" {
					continue
				}
				text.WriteString(chunk)
				select {
				case out <- repositories.ChatDelta{Text: chunk}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Error("Failed to stream chat message", zap.Error(err))
			select {
			case out <- repositories.ChatDelta{Err: classifyGeminiError(err)}:
			case <-ctx.Done():
			}
			return
		}

		if text.Len() == 0 {
			fallback := s.fallbacks[int(time.Now().UnixNano())%len(s.fallbacks)]
			s.logger.Warn("Empty response in chat session, using fallback")
			text.WriteString(fallback)
			select {
			case out <- repositories.ChatDelta{Text: fallback}:
			case <-ctx.Done():
				return
			}
		}

		s.mu.Lock()
		s.history = append(s.history, userContent, genai.NewContentFromText(text.String(), genai.RoleModel))
		historyLength := len(s.history)
		s.mu.Unlock()

		s.logger.Info("Chat session message processed",
			zap.Int("responseLength", text.Len()),
			zap.Int("historyLength", historyLength))
	}()
	return out, nil
}

// History returns the current conversation history
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return convertGeminiToRepositoryFormat(s.history), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// classifyGeminiError maps API failures onto the voice error kinds
func classifyGeminiError(err error) error {
	if domain.KindOf(err) != nil {
		return err
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	var netErr net.Error
	switch {
	case code == 401 || code == 403:
		return domain.NewError(domain.ErrCapabilityUnavailable, "gemini.generate", err)
	case code == 429 || code >= 500:
		return domain.NewError(domain.ErrTransientNetwork, "gemini.generate", err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return domain.NewError(domain.ErrTransientNetwork, "gemini.generate", err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("gemini generate: %w", err)
}

// convertRepositoryToGeminiFormat converts repository messages to Gemini format
func convertRepositoryToGeminiFormat(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

// convertGeminiToRepositoryFormat converts Gemini content to repository messages
func convertGeminiToRepositoryFormat(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage
	for _, content := range contents {
		role := repositories.UserRole
		if content.Role == genai.RoleModel {
			role = repositories.AssistantRole
		}

		var text string
		for _, part := range content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}
		if text != "" {
			messages = append(messages, repositories.ChatMessage{Role: role, Content: text})
		}
	}
	return messages
}
