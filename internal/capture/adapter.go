package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
)

// Microphone grants access to a live audio source. Open suspends until the
// user answers the permission request and returns domain.ErrPermissionDenied
// on refusal.
type Microphone interface {
	Open(ctx context.Context, mode entities.CaptureMode) (Stream, error)
}

// Stream is an open microphone. Chunks is closed once the stream is released.
type Stream interface {
	Chunks() <-chan []byte
	Format() Format
	Close() error
}

// EventKind classifies what the adapter reports to its session.
type EventKind int

const (
	EventArmed EventKind = iota
	EventSpeechStarted
	EventSegment
	EventMisfire
	EventFallback
	EventFailure
	EventReleased
)

func (k EventKind) String() string {
	switch k {
	case EventArmed:
		return "armed"
	case EventSpeechStarted:
		return "speech_started"
	case EventSegment:
		return "segment"
	case EventMisfire:
		return "misfire"
	case EventFallback:
		return "fallback"
	case EventFailure:
		return "failure"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Mode    entities.CaptureMode
	Segment entities.SpeechSegment
	Reason  string
	Err     error
}

type Config struct {
	TargetSampleRate int
	RecoveryDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TargetSampleRate: DefaultTargetRate,
		RecoveryDelay:    2 * time.Second,
	}
}

// Adapter owns the microphone for one session. It turns detector output and
// push-to-talk windows into 16 kHz speech segments and applies the detector
// failure policy: one delayed recovery, then manual capture for the rest of
// the session.
type Adapter struct {
	mic      Microphone
	detector Detector
	decoder  Decoder
	cfg      Config
	logger   *zap.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	closed           bool
	stream           *trackedStream
	mode             entities.CaptureMode
	cancel           context.CancelFunc
	manual           *manualRecording
	detectorFailures int
	vadDisabled      bool
	fallbackOffered  bool
	recovery         *time.Timer
}

func NewAdapter(mic Microphone, detector Detector, decoder Decoder, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = DefaultTargetRate
		logger.Info("Using default target sample rate", zap.Int("sampleRate", cfg.TargetSampleRate))
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = DefaultConfig().RecoveryDelay
	}
	if decoder == nil {
		decoder = PCMDecoder{}
	}
	return &Adapter{
		mic:      mic,
		detector: detector,
		decoder:  decoder,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan Event, 32),
		done:     make(chan struct{}),
	}
}

func (a *Adapter) Events() <-chan Event {
	return a.events
}

// VADDisabled reports whether automatic detection has been given up for this session.
func (a *Adapter) VADDisabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vadDisabled
}

// StartVAD opens the microphone and arms the detector.
func (a *Adapter) StartVAD(ctx context.Context) error {
	const op = "capture.start_vad"

	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return domain.ErrSessionClosed
	case a.vadDisabled:
		a.mu.Unlock()
		return domain.NewError(domain.ErrDetectorFailure, op, errors.New("voice activity detection disabled for this session"))
	case a.detector == nil:
		a.mu.Unlock()
		return domain.NewError(domain.ErrCapabilityUnavailable, op, errors.New("no voice activity detector configured"))
	case a.stream != nil && a.mode == entities.CaptureModeVAD:
		a.mu.Unlock()
		return nil
	case a.stream != nil:
		a.mu.Unlock()
		return domain.NewError(domain.ErrSessionBusy, op, errors.New("push-to-talk recording in progress"))
	}
	a.mu.Unlock()

	raw, err := a.mic.Open(ctx, entities.CaptureModeVAD)
	if err != nil {
		return a.openFailed(op, err)
	}
	stream := track(raw)

	dctx, cancel := context.WithCancel(context.Background())
	detections, err := a.detector.Start(dctx, stream)
	if err != nil {
		cancel()
		a.release(stream)
		return a.detectorFailed(err)
	}

	a.mu.Lock()
	if a.closed || a.stream != nil {
		a.mu.Unlock()
		cancel()
		a.release(stream)
		return domain.NewError(domain.ErrSessionBusy, op, errors.New("capture already active"))
	}
	a.stream = stream
	a.mode = entities.CaptureModeVAD
	a.cancel = cancel
	a.mu.Unlock()

	go a.pump(dctx, stream, detections)

	a.logger.Info("Voice activity detection armed", zap.Int("sampleRate", stream.Format().SampleRate))
	a.emit(Event{Kind: EventArmed, Mode: entities.CaptureModeVAD})
	return nil
}

// StopVAD disarms the detector and releases the microphone.
func (a *Adapter) StopVAD() {
	a.mu.Lock()
	if a.stream == nil || a.mode != entities.CaptureModeVAD {
		a.mu.Unlock()
		return
	}
	stream, cancel := a.stream, a.cancel
	a.stream, a.cancel = nil, nil
	a.mu.Unlock()

	cancel()
	a.release(stream)
	a.emit(Event{Kind: EventReleased, Mode: entities.CaptureModeVAD})
}

// StartManual begins a push-to-talk recording, disarming the detector if needed.
func (a *Adapter) StartManual(ctx context.Context) error {
	const op = "capture.start_manual"

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if a.manual != nil {
		a.mu.Unlock()
		return nil
	}
	vadActive := a.stream != nil
	a.mu.Unlock()

	if vadActive {
		a.StopVAD()
	}

	raw, err := a.mic.Open(ctx, entities.CaptureModeManual)
	if err != nil {
		return a.openFailed(op, err)
	}
	stream := track(raw)
	rec := newManualRecording(stream)

	a.mu.Lock()
	if a.closed || a.stream != nil {
		a.mu.Unlock()
		a.release(stream)
		return domain.NewError(domain.ErrSessionBusy, op, errors.New("capture already active"))
	}
	a.stream = stream
	a.mode = entities.CaptureModeManual
	a.manual = rec
	a.mu.Unlock()

	go rec.collect()

	a.logger.Info("Push-to-talk recording started", zap.String("encoding", stream.Format().Encoding))
	a.emit(Event{Kind: EventArmed, Mode: entities.CaptureModeManual})
	return nil
}

// StopManual ends the push-to-talk window, decodes what was recorded and
// emits it as a segment.
func (a *Adapter) StopManual() error {
	const op = "capture.stop_manual"

	a.mu.Lock()
	rec := a.manual
	a.manual = nil
	if rec != nil && a.stream == rec.stream {
		a.stream = nil
	}
	a.mu.Unlock()

	if rec == nil {
		return domain.NewError(domain.ErrCaptureFailure, op, errors.New("no recording in progress"))
	}

	format := rec.stream.Format()
	data := rec.stop()
	a.release(rec.stream)
	a.emit(Event{Kind: EventReleased, Mode: entities.CaptureModeManual})

	samples, rate, err := a.decoder.Decode(data, format)
	if err != nil {
		wrapped := domain.NewError(domain.ErrCaptureFailure, op, fmt.Errorf("decode recording: %w", err))
		a.logger.Error("Failed to decode push-to-talk recording", zap.Error(err), zap.Int("bytes", len(data)))
		a.emit(Event{Kind: EventFailure, Mode: entities.CaptureModeManual, Err: wrapped})
		return wrapped
	}
	if len(samples) == 0 {
		wrapped := domain.NewError(domain.ErrCaptureFailure, op, errors.New("recording is empty"))
		a.emit(Event{Kind: EventFailure, Mode: entities.CaptureModeManual, Err: wrapped})
		return wrapped
	}

	seg, err := a.segment(samples, rate)
	if err != nil {
		wrapped := domain.NewError(domain.ErrCaptureFailure, op, err)
		a.logger.Error("Push-to-talk recording has no usable sample rate", zap.Int("sampleRate", rate))
		a.emit(Event{Kind: EventFailure, Mode: entities.CaptureModeManual, Err: wrapped})
		return wrapped
	}
	a.emit(Event{Kind: EventSegment, Mode: entities.CaptureModeManual, Segment: seg})
	return nil
}

// CancelManual ends the push-to-talk window and throws the recording away.
// It emits nothing.
func (a *Adapter) CancelManual() {
	a.mu.Lock()
	rec := a.manual
	a.manual = nil
	if rec != nil && a.stream == rec.stream {
		a.stream = nil
	}
	a.mu.Unlock()

	if rec == nil {
		return
	}
	discarded := len(rec.stop())
	a.release(rec.stream)
	a.logger.Info("Push-to-talk recording cancelled", zap.Int("bytes", discarded))
}

// Close releases the microphone and stops all background work. Safe to call more than once.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		if a.recovery != nil {
			a.recovery.Stop()
			a.recovery = nil
		}
		stream, cancel, rec := a.stream, a.cancel, a.manual
		a.stream, a.cancel, a.manual = nil, nil, nil
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if rec != nil {
			rec.stop()
		}
		if stream != nil {
			a.release(stream)
		}
		close(a.done)
		a.logger.Debug("Capture adapter closed")
	})
}

func (a *Adapter) pump(ctx context.Context, stream *trackedStream, detections <-chan DetectorEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-detections:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				a.mu.Lock()
				owned := a.stream == stream
				if owned {
					a.cancel()
					a.stream, a.cancel = nil, nil
				}
				a.mu.Unlock()
				a.release(stream)
				if owned {
					a.detectorFailed(errors.New("detector stopped unexpectedly"))
				}
				return
			}
			a.handleDetection(ev)
		}
	}
}

func (a *Adapter) handleDetection(ev DetectorEvent) {
	switch ev.Kind {
	case DetectorSpeechStart:
		a.emit(Event{Kind: EventSpeechStarted, Mode: entities.CaptureModeVAD})
	case DetectorSpeechEnd:
		seg, err := a.segment(ev.Samples, ev.SampleRate)
		if err != nil {
			a.logger.Error("Detector produced a segment without a usable sample rate", zap.Int("sampleRate", ev.SampleRate))
			a.emit(Event{Kind: EventFailure, Mode: entities.CaptureModeVAD,
				Err: domain.NewError(domain.ErrCaptureFailure, "capture.segment", err)})
			return
		}
		a.logger.Debug("Speech segment detected", zap.Duration("duration", seg.Duration()))
		a.emit(Event{Kind: EventSegment, Mode: entities.CaptureModeVAD, Segment: seg})
	case DetectorMisfire:
		a.emit(Event{Kind: EventMisfire, Mode: entities.CaptureModeVAD})
	}
}

func (a *Adapter) segment(samples []float32, rate int) (entities.SpeechSegment, error) {
	if rate <= 0 {
		return entities.SpeechSegment{}, fmt.Errorf("invalid sample rate %d", rate)
	}
	if rate != a.cfg.TargetSampleRate {
		samples = Resample(samples, rate, a.cfg.TargetSampleRate)
	}
	return entities.SpeechSegment{
		Samples:    samples,
		SampleRate: a.cfg.TargetSampleRate,
		CapturedAt: time.Now(),
	}, nil
}

func (a *Adapter) openFailed(op string, err error) error {
	if errors.Is(err, domain.ErrPermissionDenied) {
		a.logger.Warn("Microphone permission denied", zap.String("op", op))
		if op == "capture.start_vad" {
			a.offerFallback("microphone permission denied")
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	wrapped := domain.NewError(domain.ErrCaptureFailure, op, err)
	a.logger.Error("Failed to open microphone", zap.String("op", op), zap.Error(err))
	a.emit(Event{Kind: EventFailure, Err: wrapped})
	return wrapped
}

func (a *Adapter) detectorFailed(err error) error {
	wrapped := domain.NewError(domain.ErrDetectorFailure, "capture.detector", err)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return wrapped
	}
	a.detectorFailures++
	failures := a.detectorFailures
	if failures == 1 {
		a.recovery = time.AfterFunc(a.cfg.RecoveryDelay, a.recover)
	} else {
		a.vadDisabled = true
	}
	a.mu.Unlock()

	if failures == 1 {
		a.logger.Warn("Voice activity detector failed, scheduling recovery",
			zap.Error(err), zap.Duration("delay", a.cfg.RecoveryDelay))
		a.emit(Event{Kind: EventFailure, Mode: entities.CaptureModeVAD, Err: wrapped})
		return wrapped
	}

	a.logger.Error("Voice activity detector failed again, disabling for this session",
		zap.Error(err), zap.Int("failures", failures))
	a.offerFallback("voice detection unavailable")
	return wrapped
}

func (a *Adapter) recover() {
	a.mu.Lock()
	a.recovery = nil
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.StartVAD(ctx); err != nil {
		a.logger.Warn("Voice activity detector recovery failed", zap.Error(err))
		return
	}
	a.logger.Info("Voice activity detector recovered")
}

func (a *Adapter) offerFallback(reason string) {
	a.mu.Lock()
	if a.fallbackOffered {
		a.mu.Unlock()
		a.logger.Debug("Manual capture fallback already offered", zap.String("reason", reason))
		return
	}
	a.fallbackOffered = true
	a.mu.Unlock()

	a.emit(Event{Kind: EventFallback, Mode: entities.CaptureModeManual, Reason: reason})
}

func (a *Adapter) emit(ev Event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) release(stream *trackedStream) {
	if err := stream.Close(); err != nil {
		a.logger.Warn("Failed to release microphone", zap.Error(err))
	}
}

// trackedStream makes Close idempotent regardless of the underlying stream.
type trackedStream struct {
	Stream
	once sync.Once
	err  error
}

func track(s Stream) *trackedStream {
	return &trackedStream{Stream: s}
}

func (s *trackedStream) Close() error {
	s.once.Do(func() { s.err = s.Stream.Close() })
	return s.err
}

type manualRecording struct {
	stream   *trackedStream
	buf      bytes.Buffer
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newManualRecording(stream *trackedStream) *manualRecording {
	return &manualRecording{
		stream: stream,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *manualRecording) collect() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			r.drain()
			return
		case chunk, ok := <-r.stream.Chunks():
			if !ok {
				return
			}
			r.buf.Write(chunk)
		}
	}
}

func (r *manualRecording) drain() {
	for {
		select {
		case chunk, ok := <-r.stream.Chunks():
			if !ok {
				return
			}
			r.buf.Write(chunk)
		default:
			return
		}
	}
}

// stop ends collection and returns everything recorded so far.
func (r *manualRecording) stop() []byte {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
	return r.buf.Bytes()
}
