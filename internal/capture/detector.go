package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// DetectorEventKind is what the voice activity detector observed.
type DetectorEventKind int

const (
	DetectorSpeechStart DetectorEventKind = iota
	DetectorSpeechEnd
	DetectorMisfire
)

func (k DetectorEventKind) String() string {
	switch k {
	case DetectorSpeechStart:
		return "speech_start"
	case DetectorSpeechEnd:
		return "speech_end"
	case DetectorMisfire:
		return "misfire"
	default:
		return "unknown"
	}
}

// DetectorEvent carries the samples of a finished utterance on SpeechEnd.
type DetectorEvent struct {
	Kind       DetectorEventKind
	Samples    []float32
	SampleRate int
}

// Detector watches a Stream and reports utterance boundaries. The returned
// channel is closed when ctx is cancelled or the stream ends.
type Detector interface {
	Start(ctx context.Context, stream Stream) (<-chan DetectorEvent, error)
}

// EnergyConfig tunes the RMS energy detector.
type EnergyConfig struct {
	FrameDuration    time.Duration
	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechFrames     int
	SilenceFrames    int
	MinSpeech        time.Duration
	MaxSegment       time.Duration
}

// DefaultEnergyConfig is tuned for 20ms frames of close-talking speech.
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{
		FrameDuration:    20 * time.Millisecond,
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     3,
		SilenceFrames:    30,
		MinSpeech:        250 * time.Millisecond,
		MaxSegment:       30 * time.Second,
	}
}

// ValidateEnergyConfig checks threshold ordering and frame counts.
func ValidateEnergyConfig(cfg EnergyConfig) error {
	if cfg.FrameDuration <= 0 {
		return errors.New("frame duration must be positive")
	}
	if cfg.SilenceThreshold <= 0 || cfg.SpeechThreshold <= 0 {
		return errors.New("thresholds must be positive")
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return fmt.Errorf("silence threshold %.4f above speech threshold %.4f", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.SpeechFrames < 1 || cfg.SilenceFrames < 1 {
		return errors.New("frame counts must be at least 1")
	}
	return nil
}

// EnergyDetector is a pure-Go voice activity detector over RMS levels, with
// hysteresis between the speech and silence thresholds.
type EnergyDetector struct {
	cfg    EnergyConfig
	logger *zap.Logger
}

var _ Detector = (*EnergyDetector)(nil)

func NewEnergyDetector(cfg EnergyConfig, logger *zap.Logger) (*EnergyDetector, error) {
	if err := ValidateEnergyConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid energy detector config: %w", err)
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = DefaultEnergyConfig().MaxSegment
	}
	return &EnergyDetector{cfg: cfg, logger: logger}, nil
}

func (d *EnergyDetector) Start(ctx context.Context, stream Stream) (<-chan DetectorEvent, error) {
	format := stream.Format()
	if format.Encoding != EncodingPCM16 {
		return nil, fmt.Errorf("energy detector needs %s, got %q", EncodingPCM16, format.Encoding)
	}
	frameSize := int(int64(format.SampleRate) * int64(d.cfg.FrameDuration) / int64(time.Second))
	if frameSize <= 0 {
		return nil, fmt.Errorf("sample rate %d too low for %s frames", format.SampleRate, d.cfg.FrameDuration)
	}

	out := make(chan DetectorEvent, 8)
	go d.run(ctx, stream, format.SampleRate, frameSize, out)
	return out, nil
}

type vadState struct {
	inSpeech     bool
	speechCount  int
	silenceCount int
	pending      [][]float32
	utterance    []float32
	voiced       int
}

func (d *EnergyDetector) run(ctx context.Context, stream Stream, rate, frameSize int, out chan<- DetectorEvent) {
	defer close(out)

	send := func(ev DetectorEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	minVoiced := int(d.cfg.MinSpeech / d.cfg.FrameDuration)
	maxFrames := int(d.cfg.MaxSegment / d.cfg.FrameDuration)

	var (
		st  vadState
		buf []float32
	)

	finish := func() bool {
		samples := st.utterance
		voiced := st.voiced
		st = vadState{}
		if voiced < minVoiced {
			d.logger.Debug("Utterance too short, reporting misfire", zap.Int("voicedFrames", voiced))
			return send(DetectorEvent{Kind: DetectorMisfire})
		}
		return send(DetectorEvent{Kind: DetectorSpeechEnd, Samples: samples, SampleRate: rate})
	}

	for {
		var chunk []byte
		select {
		case <-ctx.Done():
			return
		case c, ok := <-stream.Chunks():
			if !ok {
				if st.inSpeech {
					finish()
				}
				return
			}
			chunk = c
		}

		buf = append(buf, PCM16ToFloat32(chunk)...)
		for len(buf) >= frameSize {
			frame := make([]float32, frameSize)
			copy(frame, buf[:frameSize])
			buf = buf[frameSize:]

			level := rms(frame)
			if !st.inSpeech {
				if level < d.cfg.SpeechThreshold {
					st.speechCount = 0
					st.pending = st.pending[:0]
					continue
				}
				st.speechCount++
				st.pending = append(st.pending, frame)
				if st.speechCount < d.cfg.SpeechFrames {
					continue
				}
				st.inSpeech = true
				st.silenceCount = 0
				for _, f := range st.pending {
					st.utterance = append(st.utterance, f...)
				}
				st.voiced = len(st.pending)
				st.pending = nil
				if !send(DetectorEvent{Kind: DetectorSpeechStart}) {
					return
				}
				continue
			}

			st.utterance = append(st.utterance, frame...)
			if level < d.cfg.SilenceThreshold {
				st.silenceCount++
			} else {
				st.silenceCount = 0
				st.voiced++
			}

			if st.silenceCount >= d.cfg.SilenceFrames || len(st.utterance)/frameSize >= maxFrames {
				if !finish() {
					return
				}
			}
		}
	}
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
