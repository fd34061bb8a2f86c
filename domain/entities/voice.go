package entities

import "time"

// VoiceState is the single state of a voice session at any instant
type VoiceState int

const (
	StateIdle VoiceState = iota
	StateListening
	StateRecording
	StateProcessing
	StateSpeaking
)

func (s VoiceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// IsBusy reports whether a turn is in flight
func (s VoiceState) IsBusy() bool {
	return s == StateProcessing || s == StateSpeaking
}

// IsCapturing reports whether user audio is being listened to or recorded
func (s VoiceState) IsCapturing() bool {
	return s == StateListening || s == StateRecording
}

// CaptureMode selects the capture strategy of a session
type CaptureMode string

const (
	CaptureModeVAD    CaptureMode = "vad"
	CaptureModeManual CaptureMode = "manual"
)

// VoiceSettings selects voice, persona and model. Changes apply on the next turn.
type VoiceSettings struct {
	VoiceID   string `json:"voice_id" bson:"voice_id"`
	PersonaID string `json:"persona_id" bson:"persona_id"`
	ModelID   string `json:"model_id" bson:"model_id"`
}

// Merge returns s with every non-empty field of o applied
func (s VoiceSettings) Merge(o VoiceSettings) VoiceSettings {
	if o.VoiceID != "" {
		s.VoiceID = o.VoiceID
	}
	if o.PersonaID != "" {
		s.PersonaID = o.PersonaID
	}
	if o.ModelID != "" {
		s.ModelID = o.ModelID
	}
	return s
}

// SpeechSegment is one captured utterance of mono PCM samples
type SpeechSegment struct {
	Samples    []float32
	SampleRate int
	CapturedAt time.Time
}

// Duration returns the length of the segment
func (s SpeechSegment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// AudioChunk is a reference to one synthesized piece of a response
type AudioChunk struct {
	Seq         int    `json:"seq"`
	Ref         string `json:"ref,omitempty"`
	Data        []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Turn is one transcript to response exchange
type Turn struct {
	ID           string
	Transcript   string
	ResponseText string
	AudioChunks  []AudioChunk
	StartedAt    time.Time
}
