package voice

import (
	"github.com/satriahrh/voicechat/domain/entities"
)

// Event is delivered to the owner of a Session, in order, exactly once.
type Event interface {
	isEvent()
}

type StateChanged struct {
	From entities.VoiceState
	To   entities.VoiceState
}

// TranscriptFinal carries the immutable transcript of a turn.
type TranscriptFinal struct {
	TurnID string
	Text   string
}

// ResponseDelta carries the newest delta and the display text so far.
type ResponseDelta struct {
	TurnID string
	Delta  string
	Text   string
}

type ResponseComplete struct {
	TurnID   string
	Text     string
	Mismatch bool
}

// AudioChunkReady is emitted when a chunk is handed to playback in sequence order.
type AudioChunkReady struct {
	TurnID string
	Chunk  entities.AudioChunk
}

// PlayChunk is emitted when a chunk starts playing.
type PlayChunk struct {
	TurnID string
	Seq    int
}

// CaptureFallback tells the user to switch to push-to-talk. Sent at most once per session.
type CaptureFallback struct {
	Reason string
}

type ErrorEvent struct {
	TurnID    string
	Kind      error
	Message   string
	Retryable bool
}

// Hover forwards a pointer proximity value for visual feedback.
type Hover struct {
	Value float64
}

type ConversationBound struct {
	ConversationID string
	SessionID      string
}

func (StateChanged) isEvent()      {}
func (TranscriptFinal) isEvent()   {}
func (ResponseDelta) isEvent()     {}
func (ResponseComplete) isEvent()  {}
func (AudioChunkReady) isEvent()   {}
func (PlayChunk) isEvent()         {}
func (CaptureFallback) isEvent()   {}
func (ErrorEvent) isEvent()        {}
func (Hover) isEvent()             {}
func (ConversationBound) isEvent() {}
