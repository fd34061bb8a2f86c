package voice

import "github.com/satriahrh/voicechat/domain/entities"

// Trigger is an input to the session state machine.
type Trigger int

const (
	TriggerCaptureArmed Trigger = iota
	TriggerCaptureLost
	TriggerSpeechStart
	TriggerSegmentReady
	TriggerMisfire
	TriggerFirstContent
	TriggerTurnComplete
	TriggerTurnFailed
	TriggerStop
)

func (t Trigger) String() string {
	switch t {
	case TriggerCaptureArmed:
		return "capture_armed"
	case TriggerCaptureLost:
		return "capture_lost"
	case TriggerSpeechStart:
		return "speech_start"
	case TriggerSegmentReady:
		return "segment_ready"
	case TriggerMisfire:
		return "misfire"
	case TriggerFirstContent:
		return "first_content"
	case TriggerTurnComplete:
		return "turn_complete"
	case TriggerTurnFailed:
		return "turn_failed"
	case TriggerStop:
		return "stop"
	default:
		return "unknown"
	}
}

type stateKey struct {
	state   entities.VoiceState
	trigger Trigger
}

var transitions = map[stateKey]entities.VoiceState{
	{entities.StateIdle, TriggerCaptureArmed}: entities.StateListening,
	{entities.StateIdle, TriggerSpeechStart}:  entities.StateRecording,
	{entities.StateIdle, TriggerSegmentReady}: entities.StateProcessing,
	{entities.StateIdle, TriggerMisfire}:      entities.StateIdle,
	{entities.StateIdle, TriggerCaptureLost}:  entities.StateIdle,
	{entities.StateIdle, TriggerTurnComplete}: entities.StateIdle,
	{entities.StateIdle, TriggerTurnFailed}:   entities.StateIdle,
	{entities.StateIdle, TriggerFirstContent}: entities.StateIdle,
	{entities.StateIdle, TriggerStop}:         entities.StateIdle,

	{entities.StateListening, TriggerCaptureArmed}: entities.StateListening,
	{entities.StateListening, TriggerSpeechStart}:  entities.StateRecording,
	{entities.StateListening, TriggerSegmentReady}: entities.StateProcessing,
	{entities.StateListening, TriggerMisfire}:      entities.StateListening,
	{entities.StateListening, TriggerCaptureLost}:  entities.StateIdle,
	{entities.StateListening, TriggerStop}:         entities.StateIdle,

	{entities.StateRecording, TriggerSpeechStart}:  entities.StateRecording,
	{entities.StateRecording, TriggerSegmentReady}: entities.StateProcessing,
	{entities.StateRecording, TriggerMisfire}:      entities.StateListening,
	{entities.StateRecording, TriggerCaptureLost}:  entities.StateIdle,
	{entities.StateRecording, TriggerStop}:         entities.StateIdle,

	{entities.StateProcessing, TriggerFirstContent}: entities.StateSpeaking,
	{entities.StateProcessing, TriggerTurnComplete}: entities.StateIdle,
	{entities.StateProcessing, TriggerTurnFailed}:   entities.StateIdle,
	{entities.StateProcessing, TriggerMisfire}:      entities.StateProcessing,
	{entities.StateProcessing, TriggerCaptureArmed}: entities.StateProcessing,
	{entities.StateProcessing, TriggerCaptureLost}:  entities.StateProcessing,
	{entities.StateProcessing, TriggerStop}:         entities.StateIdle,

	{entities.StateSpeaking, TriggerSpeechStart}:  entities.StateRecording,
	{entities.StateSpeaking, TriggerFirstContent}: entities.StateSpeaking,
	{entities.StateSpeaking, TriggerTurnComplete}: entities.StateIdle,
	{entities.StateSpeaking, TriggerTurnFailed}:   entities.StateIdle,
	{entities.StateSpeaking, TriggerMisfire}:      entities.StateSpeaking,
	{entities.StateSpeaking, TriggerCaptureArmed}: entities.StateSpeaking,
	{entities.StateSpeaking, TriggerCaptureLost}:  entities.StateSpeaking,
	{entities.StateSpeaking, TriggerStop}:         entities.StateIdle,
}

// transition is total over (state, trigger): pairs missing from the table
// are rejected and leave the state unchanged.
func transition(state entities.VoiceState, trigger Trigger) (entities.VoiceState, bool) {
	next, ok := transitions[stateKey{state, trigger}]
	if !ok {
		return state, false
	}
	return next, true
}
