package websocket

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/satriahrh/voicechat/domain"
)

func TestMessageValidator_ValidateMicrophoneStatus(t *testing.T) {
	validator := NewMessageValidator()

	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{
			name:    "granted pcm16",
			message: `{"type": "microphone_status", "granted": true, "sample_rate": 48000, "encoding": "pcm16"}`,
			wantErr: false,
		},
		{
			name:    "granted wav without sample rate",
			message: `{"type": "microphone_status", "granted": true, "encoding": "wav"}`,
			wantErr: false,
		},
		{
			name:    "denied needs no format",
			message: `{"type": "microphone_status", "granted": false, "reason": "NotAllowedError"}`,
			wantErr: false,
		},
		{
			name:    "invalid sample rate",
			message: `{"type": "microphone_status", "granted": true, "sample_rate": 100000, "encoding": "pcm16"}`,
			wantErr: true,
		},
		{
			name:    "granted without sample rate",
			message: `{"type": "microphone_status", "granted": true}`,
			wantErr: true,
		},
		{
			name:    "invalid encoding",
			message: `{"type": "microphone_status", "granted": true, "sample_rate": 16000, "encoding": "opus"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := validator.ValidateMessage([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if _, ok := result.(*MicrophoneStatusMessage); !ok {
					t.Errorf("Expected *MicrophoneStatusMessage, got %T", result)
				}
			}
		})
	}
}

func TestMessageValidator_DefaultsEncoding(t *testing.T) {
	validator := NewMessageValidator()

	result, err := validator.ValidateMessage([]byte(`{"type": "microphone_status", "granted": true, "sample_rate": 16000}`))
	if err != nil {
		t.Fatalf("ValidateMessage failed: %v", err)
	}
	status := result.(*MicrophoneStatusMessage)
	if status.Encoding != "pcm16" {
		t.Errorf("Expected encoding 'pcm16', got '%s'", status.Encoding)
	}
}

func TestMessageValidator_ControlMessages(t *testing.T) {
	validator := NewMessageValidator()

	for _, msgType := range []MessageType{
		MessageTypeStartVAD,
		MessageTypeStopVAD,
		MessageTypePressToTalk,
		MessageTypeReleaseToTalk,
		MessageTypeStop,
		MessageTypeRetry,
	} {
		t.Run(string(msgType), func(t *testing.T) {
			result, err := validator.ValidateMessage([]byte(`{"type": "` + string(msgType) + `"}`))
			if err != nil {
				t.Fatalf("ValidateMessage failed: %v", err)
			}
			control, ok := result.(*ControlMessage)
			if !ok {
				t.Fatalf("Expected *ControlMessage, got %T", result)
			}
			if control.Type != msgType {
				t.Errorf("Expected type %s, got %s", msgType, control.Type)
			}
		})
	}
}

func TestMessageValidator_ValidateSettingsHoverAndPlayback(t *testing.T) {
	validator := NewMessageValidator()

	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"settings with voice", `{"type": "settings", "voice_id": "v1"}`, false},
		{"settings with nothing", `{"type": "settings"}`, true},
		{"hover in range", `{"type": "hover", "value": 0.4}`, false},
		{"hover above range", `{"type": "hover", "value": 1.5}`, true},
		{"hover below range", `{"type": "hover", "value": -0.1}`, true},
		{"playback ended", `{"type": "playback_ended", "play_id": 3}`, false},
		{"playback ended without id", `{"type": "playback_ended"}`, true},
		{"ping", `{"type": "ping", "data": "x"}`, false},
		{"unknown type", `{"type": "audio_chunk"}`, true},
		{"invalid json", `{invalid json}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateMessage([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateErrorMessage(t *testing.T) {
	tests := []struct {
		kind          error
		wantCode      string
		wantRetryable bool
	}{
		{domain.ErrTransientNetwork, "transient_network", true},
		{domain.ErrPermissionDenied, "permission_denied", false},
		{domain.ErrCapabilityUnavailable, "capability_unavailable", false},
		{domain.ErrSessionBusy, "session_busy", false},
		{nil, "internal_error", false},
		{errors.New("bad frame"), "invalid_request", false},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			msg := CreateErrorMessage("turn-1", tt.kind, "something happened")
			if msg.Type != MessageTypeError {
				t.Errorf("Expected type error, got %s", msg.Type)
			}
			if msg.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, msg.Code)
			}
			if msg.Retryable != tt.wantRetryable {
				t.Errorf("Expected retryable %v, got %v", tt.wantRetryable, msg.Retryable)
			}
			if msg.TurnID != "turn-1" {
				t.Errorf("Expected turn_id turn-1, got %s", msg.TurnID)
			}
		})
	}
}

func TestPlayChunkMessage_JSON(t *testing.T) {
	msg := &PlayChunkMessage{
		BaseMessage: base(MessageTypePlayChunk),
		PlayID:      7,
		Seq:         2,
		Inline:      true,
		ContentType: "audio/mpeg",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["type"] != "play_chunk" {
		t.Errorf("Expected type play_chunk, got %v", decoded["type"])
	}
	if _, ok := decoded["url"]; ok {
		t.Error("Expected url to be omitted for inline chunks")
	}
	if decoded["play_id"] != float64(7) {
		t.Errorf("Expected play_id 7, got %v", decoded["play_id"])
	}
}

func BenchmarkMessageValidation(b *testing.B) {
	validator := NewMessageValidator()
	message := []byte(`{"type": "microphone_status", "granted": true, "sample_rate": 48000, "encoding": "pcm16"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := validator.ValidateMessage(message); err != nil {
			b.Errorf("Validation failed: %v", err)
		}
	}
}
