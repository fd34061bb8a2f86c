package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
)

func testConfig() Config {
	return Config{TargetSampleRate: 16000, RecoveryDelay: 20 * time.Millisecond}
}

func TestAdapter_PermissionDeniedOffersFallbackOnce(t *testing.T) {
	mic := &fakeMicrophone{openErr: fmt.Errorf("browser said no: %w", domain.ErrPermissionDenied)}
	a := NewAdapter(mic, &scriptedDetector{events: make(chan DetectorEvent)}, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	err := a.StartVAD(context.Background())
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("Expected permission denied, got %v", err)
	}
	ev := waitForEvent(t, a.Events(), EventFallback)
	if ev.Mode != entities.CaptureModeManual {
		t.Errorf("Expected fallback to manual, got %s", ev.Mode)
	}

	if err := a.StartVAD(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("Expected permission denied again, got %v", err)
	}
	if err := a.StartManual(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("Expected permission denied for manual, got %v", err)
	}
	if n := countEvents(a.Events(), EventFallback, 100*time.Millisecond); n != 0 {
		t.Errorf("Expected fallback to be offered once, got %d more", n)
	}
}

func TestAdapter_ManualPermissionDeniedOffersNoFallback(t *testing.T) {
	mic := &fakeMicrophone{openErr: fmt.Errorf("browser said no: %w", domain.ErrPermissionDenied)}
	a := NewAdapter(mic, nil, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartManual(context.Background()); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("Expected permission denied, got %v", err)
	}
	if n := countEvents(a.Events(), EventFallback, 100*time.Millisecond); n != 0 {
		t.Errorf("Expected no fallback when manual capture itself failed, got %d", n)
	}
}

func TestAdapter_SecondDetectorFailureDisablesVAD(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 16000, Encoding: EncodingPCM16}}
	detector := &failingDetector{}
	a := NewAdapter(mic, detector, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	err := a.StartVAD(context.Background())
	if !errors.Is(err, domain.ErrDetectorFailure) {
		t.Fatalf("Expected detector failure, got %v", err)
	}
	waitForEvent(t, a.Events(), EventFailure)

	// the recovery attempt fails as well
	waitForEvent(t, a.Events(), EventFallback)
	if detector.count() != 2 {
		t.Errorf("Expected exactly one recovery attempt, got %d starts", detector.count())
	}
	if !a.VADDisabled() {
		t.Error("Expected VAD to be disabled after the second failure")
	}

	if err := a.StartVAD(context.Background()); !errors.Is(err, domain.ErrDetectorFailure) {
		t.Errorf("Expected detector failure on later start, got %v", err)
	}
	if detector.count() != 2 {
		t.Errorf("Expected no further detector starts, got %d", detector.count())
	}

	for i, s := range mic.streams {
		if s.closeCount() != 1 {
			t.Errorf("Stream %d: expected one release, got %d", i, s.closeCount())
		}
	}
}

func TestAdapter_VADSegmentsAreResampled(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 48000, Encoding: EncodingPCM16}}
	detector := &scriptedDetector{events: make(chan DetectorEvent, 4)}
	a := NewAdapter(mic, detector, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartVAD(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitForEvent(t, a.Events(), EventArmed)

	detector.events <- DetectorEvent{Kind: DetectorSpeechStart}
	detector.events <- DetectorEvent{Kind: DetectorSpeechEnd, Samples: make([]float32, 48000), SampleRate: 48000}

	waitForEvent(t, a.Events(), EventSpeechStarted)
	ev := waitForEvent(t, a.Events(), EventSegment)
	if ev.Segment.SampleRate != 16000 {
		t.Errorf("Expected 16000 Hz, got %d", ev.Segment.SampleRate)
	}
	if len(ev.Segment.Samples) != 16000 {
		t.Errorf("Expected 16000 samples, got %d", len(ev.Segment.Samples))
	}

	a.StopVAD()
	waitForEvent(t, a.Events(), EventReleased)
	if mic.last().closeCount() != 1 {
		t.Errorf("Expected microphone released once, got %d", mic.last().closeCount())
	}
}

func TestAdapter_ManualRecording(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 48000, Encoding: EncodingPCM16}}
	a := NewAdapter(mic, nil, PCMDecoder{}, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartManual(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitForEvent(t, a.Events(), EventArmed)

	stream := mic.last()
	stream.chunks <- Float32ToPCM16(tone(24000, 0.2, 48000))
	stream.chunks <- Float32ToPCM16(tone(24000, 0.2, 48000))

	if err := a.StopManual(); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ev := waitForEvent(t, a.Events(), EventSegment)
	if len(ev.Segment.Samples) != 16000 || ev.Segment.SampleRate != 16000 {
		t.Errorf("Expected 16000 samples at 16000 Hz, got %d at %d", len(ev.Segment.Samples), ev.Segment.SampleRate)
	}
	if stream.closeCount() != 1 {
		t.Errorf("Expected microphone released once, got %d", stream.closeCount())
	}
	if mic.modes[0] != entities.CaptureModeManual {
		t.Errorf("Expected manual open, got %s", mic.modes[0])
	}
}

func TestAdapter_StopManualWithoutRecording(t *testing.T) {
	a := NewAdapter(&fakeMicrophone{}, nil, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StopManual(); !errors.Is(err, domain.ErrCaptureFailure) {
		t.Errorf("Expected capture failure, got %v", err)
	}
}

func TestAdapter_EmptyManualRecordingFails(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 16000, Encoding: EncodingPCM16}}
	a := NewAdapter(mic, nil, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartManual(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := a.StopManual(); !errors.Is(err, domain.ErrCaptureFailure) {
		t.Errorf("Expected capture failure, got %v", err)
	}
	waitForEvent(t, a.Events(), EventFailure)
}

func TestAdapter_CloseReleasesMicrophone(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 16000, Encoding: EncodingPCM16}}
	a := NewAdapter(mic, &scriptedDetector{events: make(chan DetectorEvent)}, nil, testConfig(), zaptest.NewLogger(t))

	if err := a.StartVAD(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	a.Close()
	a.Close()

	if mic.last().closeCount() != 1 {
		t.Errorf("Expected one release, got %d", mic.last().closeCount())
	}
	if err := a.StartVAD(context.Background()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Expected session closed, got %v", err)
	}
}

func TestAdapter_CancelManualDiscardsRecording(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 16000, Encoding: EncodingPCM16}}
	a := NewAdapter(mic, nil, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartManual(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitForEvent(t, a.Events(), EventArmed)
	stream := mic.last()
	stream.chunks <- Float32ToPCM16(tone(1600, 0.2, 16000))

	a.CancelManual()
	a.CancelManual()

	if stream.closeCount() != 1 {
		t.Errorf("Expected microphone released once, got %d", stream.closeCount())
	}
	if n := countEvents(a.Events(), EventSegment, 100*time.Millisecond); n != 0 {
		t.Errorf("Expected no segment from a cancelled recording, got %d", n)
	}
	if err := a.StopManual(); !errors.Is(err, domain.ErrCaptureFailure) {
		t.Errorf("Expected capture failure after cancel, got %v", err)
	}

	if err := a.StartManual(context.Background()); err != nil {
		t.Errorf("Expected a new recording to start after cancel, got %v", err)
	}
}

func TestAdapter_SegmentWithoutSampleRateFails(t *testing.T) {
	mic := &fakeMicrophone{format: Format{SampleRate: 16000, Encoding: EncodingPCM16}}
	detector := &scriptedDetector{events: make(chan DetectorEvent, 4)}
	a := NewAdapter(mic, detector, nil, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartVAD(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitForEvent(t, a.Events(), EventArmed)

	detector.events <- DetectorEvent{Kind: DetectorSpeechEnd, Samples: make([]float32, 8000), SampleRate: 0}

	ev := waitForEvent(t, a.Events(), EventFailure)
	if !errors.Is(ev.Err, domain.ErrCaptureFailure) {
		t.Errorf("Expected capture failure, got %v", ev.Err)
	}
	if n := countEvents(a.Events(), EventSegment, 100*time.Millisecond); n != 0 {
		t.Errorf("Expected no segment, got %d", n)
	}
}

type rateless struct{}

func (rateless) Decode(data []byte, format Format) ([]float32, int, error) {
	return make([]float32, len(data)/2), 0, nil
}

func TestAdapter_ManualRecordingWithoutSampleRateFails(t *testing.T) {
	mic := &fakeMicrophone{format: Format{Encoding: EncodingPCM16}}
	a := NewAdapter(mic, nil, rateless{}, testConfig(), zaptest.NewLogger(t))
	defer a.Close()

	if err := a.StartManual(context.Background()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	waitForEvent(t, a.Events(), EventArmed)
	mic.last().chunks <- make([]byte, 320)

	if err := a.StopManual(); !errors.Is(err, domain.ErrCaptureFailure) {
		t.Errorf("Expected capture failure, got %v", err)
	}
	ev := waitForEvent(t, a.Events(), EventFailure)
	if ev.Mode != entities.CaptureModeManual {
		t.Errorf("Expected manual failure, got %s", ev.Mode)
	}
}
