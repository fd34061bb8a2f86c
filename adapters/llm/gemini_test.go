package llm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
)

func TestValidateGeminiConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GeminiConfig
		wantErr bool
	}{
		{name: "valid", config: GeminiConfig{APIKey: "key"}},
		{name: "missing key", config: GeminiConfig{}, wantErr: true},
		{name: "temperature too high", config: GeminiConfig{APIKey: "key", Temperature: 3}, wantErr: true},
		{name: "topP too high", config: GeminiConfig{APIKey: "key", TopP: 1.5}, wantErr: true},
		{name: "negative retries", config: GeminiConfig{APIKey: "key", MaxRetries: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGeminiConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClassifyGeminiError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      error
		retryable bool
	}{
		{name: "unauthorized", err: genai.APIError{Code: 401}, kind: domain.ErrCapabilityUnavailable},
		{name: "forbidden pointer", err: &genai.APIError{Code: 403}, kind: domain.ErrCapabilityUnavailable},
		{name: "rate limited", err: genai.APIError{Code: 429}, kind: domain.ErrTransientNetwork, retryable: true},
		{name: "server error", err: fmt.Errorf("wrapped: %w", genai.APIError{Code: 503}), kind: domain.ErrTransientNetwork, retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, kind: domain.ErrTransientNetwork, retryable: true},
		{name: "bad request", err: genai.APIError{Code: 400}, kind: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyGeminiError(tt.err)
			if kind := domain.KindOf(got); kind != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, kind)
			}
			if domain.IsRetryable(got) != tt.retryable {
				t.Errorf("Expected retryable %v for %v", tt.retryable, got)
			}
		})
	}
}

func TestClassifyGeminiErrorKeepsKnownKind(t *testing.T) {
	err := domain.NewError(domain.ErrCapabilityUnavailable, "test", nil)
	if got := classifyGeminiError(err); got != error(err) {
		t.Errorf("Expected the original error, got %v", got)
	}
}

func TestHistoryConversion(t *testing.T) {
	history := []repositories.ChatMessage{
		{Role: repositories.UserRole, Content: "hi"},
		{Role: repositories.AssistantRole, Content: "hello there"},
	}

	contents := convertRepositoryToGeminiFormat(history)
	if len(contents) != 2 {
		t.Fatalf("Expected 2 contents, got %d", len(contents))
	}
	if contents[1].Role != genai.RoleModel {
		t.Errorf("Expected model role, got %s", contents[1].Role)
	}

	back := convertGeminiToRepositoryFormat(contents)
	if len(back) != 2 || back[1].Role != repositories.AssistantRole || back[1].Content != "hello there" {
		t.Errorf("Expected round trip of history, got %+v", back)
	}
}

func TestResponseTextSkipsThoughts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: "Hello"},
			}},
		}},
	}
	if got := responseText(resp); got != "Hello" {
		t.Errorf("Expected Hello, got %q", got)
	}
	if got := responseText(nil); got != "" {
		t.Errorf("Expected empty text for nil response, got %q", got)
	}
}

func TestMockChatSessionStreams(t *testing.T) {
	chat, err := NewMockGeminiClient().GenerateChat(context.Background(), repositories.ChatSettings{}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	stream, err := chat.SendMessageStream(context.Background(), repositories.ChatMessage{Role: repositories.UserRole, Content: "hello"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var sb strings.Builder
	deltas := 0
	for d := range stream {
		if d.Err != nil {
			t.Fatalf("Expected no stream error, got %v", d.Err)
		}
		sb.WriteString(d.Text)
		deltas++
	}
	if deltas < 2 {
		t.Errorf("Expected several deltas, got %d", deltas)
	}
	if !strings.Contains(sb.String(), "hello") {
		t.Errorf("Expected reply to echo the message, got %q", sb.String())
	}

	history, _ := chat.History()
	if len(history) != 2 {
		t.Errorf("Expected 2 history messages, got %d", len(history))
	}
}
