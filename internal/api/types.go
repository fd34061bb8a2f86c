package api

import (
	"time"

	"github.com/satriahrh/voicechat/adapters/tts"
	"github.com/satriahrh/voicechat/domain/entities"
)

// WidgetTokenRequest represents the request payload for widget authentication
type WidgetTokenRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	WidgetKey string `json:"widget_key" validate:"required"`
}

// WidgetTokenResponse represents the response payload for widget authentication
type WidgetTokenResponse struct {
	Token     string                 `json:"token"`
	ExpiresAt time.Time              `json:"expires_at"`
	ProjectID string                 `json:"project_id"`
	Voice     entities.VoiceSettings `json:"voice"`
}

// ConversationListResponse lists conversations without their messages
type ConversationListResponse struct {
	Conversations []*entities.Conversation `json:"conversations"`
}

// VoiceListResponse lists the voices a widget may switch to
type VoiceListResponse struct {
	Voices []tts.Voice `json:"voices"`
}

// HealthResponse reports liveness and open voice sessions
type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Sessions int    `json:"sessions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
