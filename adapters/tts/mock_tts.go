package tts

import (
	"context"
	"errors"
	"strings"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// MockTextToSpeech produces silent 24kHz PCM sized by the text length, for
// local runs without an API key
type MockTextToSpeech struct{}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

// NewMockTextToSpeech creates a new mock synthesizer
func NewMockTextToSpeech() *MockTextToSpeech {
	return &MockTextToSpeech{}
}

// ConvertTextToSpeech emits 100ms of silence per word
func (m *MockTextToSpeech) ConvertTextToSpeech(ctx context.Context, text string, voice repositories.VoiceConfig) (<-chan []byte, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, errors.New("text cannot be empty")
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		for i := 0; i < words; i++ {
			select {
			case out <- make([]byte, 4800):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ContentType implements repositories.TextToSpeech
func (m *MockTextToSpeech) ContentType() string {
	return "audio/pcm"
}

// ListVoices returns a single placeholder voice
func (m *MockTextToSpeech) ListVoices(ctx context.Context) ([]Voice, error) {
	return []Voice{{VoiceID: "mock", Name: "Mock"}}, nil
}
