package repositories

import (
	"context"

	"github.com/satriahrh/voicechat/domain/entities"
)

// ResponseEventKind identifies the payload of a ResponseEvent
type ResponseEventKind int

const (
	ResponseTextDelta ResponseEventKind = iota
	ResponseAudioChunkReady
	ResponseComplete
	ResponseFailed
)

func (k ResponseEventKind) String() string {
	switch k {
	case ResponseTextDelta:
		return "text_delta"
	case ResponseAudioChunkReady:
		return "audio_chunk_ready"
	case ResponseComplete:
		return "complete"
	case ResponseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ResponseEvent is one item of a streamed response. Text deltas arrive in
// order; audio chunks may arrive in any order relative to deltas and to each
// other.
type ResponseEvent struct {
	Kind     ResponseEventKind
	Delta    string
	Chunk    entities.AudioChunk
	FullText string
	Err      error
}

// ResponseRequest is the input of one response generation
type ResponseRequest struct {
	TurnID         string
	ConversationID string
	Transcript     string
	History        []ChatMessage
	Settings       entities.VoiceSettings
}

// ResponseGenerator produces the reply to a transcript as a stream of events.
// The channel is closed once every event of the response has been delivered.
type ResponseGenerator interface {
	Generate(ctx context.Context, req ResponseRequest) (<-chan ResponseEvent, error)
}
