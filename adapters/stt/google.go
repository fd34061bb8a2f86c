package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// GoogleConfig configures the Google Cloud speech adapter
type GoogleConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Model is the recognition model, e.g. "latest_short"
	Model string
}

// GoogleSpeechToText implements SpeechToText for Google Cloud. The client is
// created on first use so a missing credential surfaces per turn.
type GoogleSpeechToText struct {
	config GoogleConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *speech.Client
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates a Google Cloud speech adapter
func NewGoogleSpeechToText(config GoogleConfig, logger *zap.Logger) *GoogleSpeechToText {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
		logger.Info("Using default maxRetries", zap.Int("maxRetries", config.MaxRetries))
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 300 * time.Millisecond
	}
	return &GoogleSpeechToText{config: config, logger: logger}
}

func (g *GoogleSpeechToText) getClient(ctx context.Context) (*speech.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, classifySpeechError("stt.client", err)
	}
	g.client = client
	return client, nil
}

// Close releases the underlying client
func (g *GoogleSpeechToText) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// TranscribeAudio converts one complete utterance to text. An utterance with
// no recognizable speech yields an empty transcript and no error.
func (g *GoogleSpeechToText) TranscribeAudio(ctx context.Context, audioData []byte, config repositories.AudioConfig) (string, error) {
	if len(audioData) == 0 {
		return "", nil
	}
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return "", err
	}
	client, err := g.getClient(ctx)
	if err != nil {
		return "", err
	}

	request := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   encoding,
			SampleRateHertz:            int32(config.SampleRate),
			LanguageCode:               config.Language,
			Model:                      g.config.Model,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audioData},
		},
	}

	var transcript string
	backoff := retry.WithMaxRetries(uint64(g.config.MaxRetries), retry.NewExponential(g.config.BaseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := client.Recognize(ctx, request)
		if err != nil {
			err = classifySpeechError("stt.recognize", err)
			if domain.IsRetryable(err) {
				g.logger.Warn("Speech recognition failed, retrying", zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		var sb strings.Builder
		for _, result := range resp.Results {
			if len(result.Alternatives) > 0 {
				sb.WriteString(result.Alternatives[0].Transcript)
			}
		}
		transcript = strings.TrimSpace(sb.String())
		return nil
	})
	if err != nil {
		return "", classifySpeechError("stt.recognize", err)
	}

	g.logger.Info("Speech recognized",
		zap.Int("audioSize", len(audioData)),
		zap.Int("transcriptLength", len(transcript)))
	return transcript, nil
}

// classifySpeechError maps gRPC and credential failures onto voice error kinds
func classifySpeechError(op string, err error) error {
	if err == nil || domain.KindOf(err) != nil || errors.Is(err, context.Canceled) {
		return err
	}
	if strings.Contains(err.Error(), "could not find default credentials") {
		return domain.NewError(domain.ErrCapabilityUnavailable, op, err)
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return domain.NewError(domain.ErrCapabilityUnavailable, op, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return domain.NewError(domain.ErrTransientNetwork, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.ErrTransientNetwork, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
