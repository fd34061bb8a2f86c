package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/internal/capture"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Messages sent by the browser
const (
	MessageTypeMicrophoneStatus MessageType = "microphone_status"
	MessageTypeStartVAD         MessageType = "start_vad"
	MessageTypeStopVAD          MessageType = "stop_vad"
	MessageTypePressToTalk      MessageType = "press_to_talk"
	MessageTypeReleaseToTalk    MessageType = "release_to_talk"
	MessageTypeStop             MessageType = "stop"
	MessageTypeRetry            MessageType = "retry"
	MessageTypeSettings         MessageType = "settings"
	MessageTypeHover            MessageType = "hover"
	MessageTypePlaybackEnded    MessageType = "playback_ended"
	MessageTypePing             MessageType = "ping"
)

// Messages sent by the server
const (
	MessageTypeSessionOpened     MessageType = "session_opened"
	MessageTypePong              MessageType = "pong"
	MessageTypeError             MessageType = "error"
	MessageTypeState             MessageType = "state"
	MessageTypeTranscript        MessageType = "transcript"
	MessageTypeResponseDelta     MessageType = "response_delta"
	MessageTypeResponseComplete  MessageType = "response_complete"
	MessageTypeChunkReady        MessageType = "chunk_ready"
	MessageTypePlayChunk         MessageType = "play_chunk"
	MessageTypeStopPlayback      MessageType = "stop_playback"
	MessageTypeMicrophoneRequest MessageType = "microphone_request"
	MessageTypeMicrophoneRelease MessageType = "microphone_release"
	MessageTypeCaptureFallback   MessageType = "capture_fallback"
	MessageTypeConversationBound MessageType = "conversation_bound"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

func base(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// MicrophoneStatusMessage answers a microphone_request
type MicrophoneStatusMessage struct {
	BaseMessage
	Granted    bool   `json:"granted"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ControlMessage carries a command without arguments (start_vad, stop, ...)
type ControlMessage struct {
	BaseMessage
}

// SettingsMessage changes voice settings from the next turn on
type SettingsMessage struct {
	BaseMessage
	VoiceID   string `json:"voice_id,omitempty"`
	PersonaID string `json:"persona_id,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
}

// HoverMessage carries pointer proximity in [0, 1]
type HoverMessage struct {
	BaseMessage
	Value float64 `json:"value"`
}

// PlaybackEndedMessage reports that the browser finished a play_chunk
type PlaybackEndedMessage struct {
	BaseMessage
	PlayID int64  `json:"play_id"`
	Error  string `json:"error,omitempty"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

type SessionOpenedMessage struct {
	BaseMessage
	VoiceSessionID string `json:"voice_session_id"`
	State          string `json:"state"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code      string `json:"error_code"`
	Message   string `json:"message"`
	TurnID    string `json:"turn_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Retryable bool   `json:"retryable"`
}

type StateMessage struct {
	BaseMessage
	From string `json:"from"`
	To   string `json:"to"`
}

type TranscriptMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type ResponseDeltaMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
	Delta  string `json:"delta"`
	Text   string `json:"text"`
}

type ResponseCompleteMessage struct {
	BaseMessage
	TurnID   string `json:"turn_id"`
	Text     string `json:"text"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

type ChunkReadyMessage struct {
	BaseMessage
	TurnID string `json:"turn_id"`
	Seq    int    `json:"seq"`
	Text   string `json:"text,omitempty"`
}

// PlayChunkMessage tells the browser to play one chunk. When Inline is set
// the audio follows as the next binary frame; otherwise it is fetched from URL.
type PlayChunkMessage struct {
	BaseMessage
	PlayID      int64  `json:"play_id"`
	Seq         int    `json:"seq"`
	URL         string `json:"url,omitempty"`
	Inline      bool   `json:"inline"`
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
}

type StopPlaybackMessage struct {
	BaseMessage
	PlayID int64 `json:"play_id"`
}

type MicrophoneRequestMessage struct {
	BaseMessage
	Mode string `json:"mode"`
}

type MicrophoneReleaseMessage struct {
	BaseMessage
}

type CaptureFallbackMessage struct {
	BaseMessage
	Reason string `json:"reason"`
}

type ConversationBoundMessage struct {
	BaseMessage
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var b BaseMessage
	if err := json.Unmarshal(messageBytes, &b); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch b.Type {
	case MessageTypeMicrophoneStatus:
		var msg MicrophoneStatusMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid microphone status message: %w", err)
		}
		if err := v.validateMicrophoneStatus(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeStartVAD, MessageTypeStopVAD, MessageTypePressToTalk,
		MessageTypeReleaseToTalk, MessageTypeStop, MessageTypeRetry:
		return &ControlMessage{BaseMessage: b}, nil

	case MessageTypeSettings:
		var msg SettingsMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid settings message: %w", err)
		}
		if msg.VoiceID == "" && msg.PersonaID == "" && msg.ModelID == "" {
			return nil, errors.New("settings message changes nothing")
		}
		return &msg, nil

	case MessageTypeHover:
		var msg HoverMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid hover message: %w", err)
		}
		if msg.Value < 0 || msg.Value > 1 {
			return nil, errors.New("value must be between 0 and 1")
		}
		return &msg, nil

	case MessageTypePlaybackEnded:
		var msg PlaybackEndedMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid playback ended message: %w", err)
		}
		if msg.PlayID <= 0 {
			return nil, errors.New("play_id is required")
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", b.Type)
	}
}

// validateMicrophoneStatus requires a usable format when access was granted
func (v *MessageValidator) validateMicrophoneStatus(msg *MicrophoneStatusMessage) error {
	if !msg.Granted {
		return nil
	}
	if msg.Encoding == "" {
		msg.Encoding = capture.EncodingPCM16
	}
	if msg.Encoding != capture.EncodingPCM16 && msg.Encoding != capture.EncodingWAV {
		return fmt.Errorf("encoding must be one of: %s, %s", capture.EncodingPCM16, capture.EncodingWAV)
	}
	if msg.Encoding == capture.EncodingPCM16 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
		return errors.New("sample_rate must be between 8000 and 48000")
	}
	return nil
}

// CreateErrorMessage creates a standardized error message from a pipeline error
func CreateErrorMessage(turnID string, kind error, message string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: base(MessageTypeError),
		Code:        errorCode(kind),
		Message:     message,
		TurnID:      turnID,
		Retryable:   domain.IsRetryable(kind),
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: base(MessageTypePong), Data: data}
}

func errorCode(kind error) string {
	switch kind {
	case domain.ErrPermissionDenied:
		return "permission_denied"
	case domain.ErrCapabilityUnavailable:
		return "capability_unavailable"
	case domain.ErrDetectorFailure:
		return "detector_failure"
	case domain.ErrTransientNetwork:
		return "transient_network"
	case domain.ErrReconciliationMismatch:
		return "reconciliation_mismatch"
	case domain.ErrCaptureFailure:
		return "capture_failure"
	case domain.ErrEmptyTranscript:
		return "empty_transcript"
	case domain.ErrSessionBusy:
		return "session_busy"
	case domain.ErrSessionClosed:
		return "session_closed"
	case nil:
		return "internal_error"
	default:
		return "invalid_request"
	}
}
