package repositories

import "context"

type TextToSpeech interface {
	ConvertTextToSpeech(ctx context.Context, text string, voice VoiceConfig) (<-chan []byte, error)
	// ContentType is the MIME type of the produced audio
	ContentType() string
}

// VoiceConfig selects the synthesized voice for one request. Empty fields use
// the adapter defaults.
type VoiceConfig struct {
	VoiceID string `json:"voice_id"`
	ModelID string `json:"model_id"`
}
