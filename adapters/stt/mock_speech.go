package stt

import (
	"context"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// MockSpeechToText returns canned transcripts sized by the audio length, for
// local runs without cloud credentials
type MockSpeechToText struct {
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*MockSpeechToText)(nil)

// NewMockSpeechToText creates a new mock speech-to-text service
func NewMockSpeechToText(logger *zap.Logger) *MockSpeechToText {
	return &MockSpeechToText{logger: logger}
}

// TranscribeAudio implements repositories.SpeechToText
func (s *MockSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	s.logger.Info("Processing speech-to-text",
		zap.Int("audioSize", len(audioData)),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding))
	return mockTranscript(len(audioData)), nil
}

func mockTranscript(size int) string {
	switch {
	case size == 0:
		return ""
	case size > 64000:
		return "Can you tell me something interesting about the ocean?"
	case size > 16000:
		return "How are you doing today?"
	default:
		return "Hello"
	}
}
