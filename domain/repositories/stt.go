package repositories

import "context"

// SpeechToText abstracts speech recognition services. A missing credential is
// reported as domain.ErrCapabilityUnavailable, recoverable network trouble as
// domain.ErrTransientNetwork.
type SpeechToText interface {
	// TranscribeAudio converts audio data to text
	TranscribeAudio(ctx context.Context, audioData []byte, config AudioConfig) (string, error)
}

// AudioConfig describes the audio handed to TranscribeAudio
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}
