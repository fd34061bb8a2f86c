package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultModelID      = "eleven_multilingual_v2"
	defaultOutputFormat = "mp3_44100_128"
	defaultReadSize     = 4096
	defaultStability    = 0.5
	defaultClarity      = 0.75
	defaultMaxRetries   = 2
	defaultBaseDelay    = 200 * time.Millisecond
)

// ElevenLabsConfig configures the ElevenLabs synthesizer. Only APIKey is
// required; zero values take the defaults above.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string // used when a request names no voice
	ModelID      string
	OutputFormat string // browsers decode the default mp3 natively
	ReadSize     int
	Stability    float64
	Clarity      float64

	// MaxRetries bounds retries of a request rejected with 429 or 5xx before
	// any audio was received
	MaxRetries int
	BaseDelay  time.Duration
}

// ElevenLabsTTS streams synthesized speech from the ElevenLabs API
type ElevenLabsTTS struct {
	config ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisRequest struct {
	Text                   string        `json:"text"`
	ModelID                string        `json:"model_id"`
	VoiceSettings          voiceSettings `json:"voice_settings"`
	ApplyTextNormalization string        `json:"apply_text_normalization,omitempty"`
}

// Voice is one entry of the provider's voice catalog
type Voice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return domain.NewError(domain.ErrCapabilityUnavailable, "tts.config", errors.New("eleven labs API key is required"))
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ReadSize < 0 || config.MaxRetries < 0 {
		return fmt.Errorf("read size and retries cannot be negative")
	}
	return nil
}

// NewElevenLabsTTS creates a new ElevenLabs synthesizer
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	config.APIBaseURL = strings.TrimRight(config.APIBaseURL, "/")
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", config.VoiceID))
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", config.ModelID))
	}
	if config.OutputFormat == "" {
		config.OutputFormat = defaultOutputFormat
	}
	if config.ReadSize == 0 {
		config.ReadSize = defaultReadSize
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}

	logger.Info("ElevenLabs synthesizer configured",
		zap.String("apiBaseURL", config.APIBaseURL),
		zap.String("outputFormat", config.OutputFormat),
		zap.Int("maxRetries", config.MaxRetries))

	return &ElevenLabsTTS{
		config: config,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}, nil
}

// ContentType reports the MIME type matching the configured output format
func (e *ElevenLabsTTS) ContentType() string {
	switch {
	case strings.HasPrefix(e.config.OutputFormat, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(e.config.OutputFormat, "ulaw"):
		return "audio/basic"
	default:
		return "audio/mpeg"
	}
}

// ConvertTextToSpeech streams the synthesized audio of text. The response
// status is checked before the channel is returned, so a rejected key or an
// exhausted quota is an error rather than an empty stream.
func (e *ElevenLabsTTS) ConvertTextToSpeech(ctx context.Context, text string, voice repositories.VoiceConfig) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}

	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = e.config.VoiceID
	}
	modelID := voice.ModelID
	if modelID == "" {
		modelID = e.config.ModelID
	}

	body, err := json.Marshal(synthesisRequest{
		Text:                   text,
		ModelID:                modelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: voiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	e.logger.Debug("Synthesizing speech",
		zap.Int("textLength", len(text)),
		zap.String("voiceID", voiceID),
		zap.String("modelID", modelID))

	path := fmt.Sprintf("/text-to-speech/%s/stream?output_format=%s&enable_logging=false", voiceID, e.config.OutputFormat)
	resp, err := e.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	audio := make(chan []byte, 10)
	go e.pump(ctx, resp.Body, audio)
	return audio, nil
}

// pump forwards the response body in ReadSize pieces and closes audio when
// the body ends, fails or ctx is cancelled.
func (e *ElevenLabsTTS) pump(ctx context.Context, body io.ReadCloser, audio chan<- []byte) {
	defer close(audio)
	defer body.Close()

	total := 0
	for {
		buf := make([]byte, e.config.ReadSize)
		n, err := body.Read(buf)
		if n > 0 {
			total += n
			select {
			case audio <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		switch {
		case err == io.EOF:
			e.logger.Debug("Speech stream finished", zap.Int("totalBytes", total))
			return
		case err != nil:
			e.logger.Error("Speech stream interrupted", zap.Int("totalBytes", total), zap.Error(err))
			return
		}
	}
}

// do sends an authenticated request and retries transient rejections. On
// success the caller owns the response body.
func (e *ElevenLabsTTS) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	backoff := retry.WithMaxRetries(uint64(e.config.MaxRetries), retry.NewExponential(e.config.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, e.config.APIBaseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("xi-api-key", e.config.APIKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", e.ContentType())
		}

		r, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(domain.NewError(domain.ErrTransientNetwork, "tts.request", err))
		}
		if err := statusError(r); err != nil {
			r.Body.Close()
			if domain.IsRetryable(err) {
				e.logger.Warn("ElevenLabs request rejected, retrying", zap.Int("statusCode", r.StatusCode))
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		e.logger.Error("ElevenLabs request failed", zap.String("path", strings.SplitN(path, "?", 2)[0]), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// statusError maps a non-200 response to a voice error kind
func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("eleven labs API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusPaymentRequired:
		return domain.NewError(domain.ErrCapabilityUnavailable, "tts.request", err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.NewError(domain.ErrTransientNetwork, "tts.request", err)
	}
	return err
}

// ListVoices retrieves the voices available to the API key
func (e *ElevenLabsTTS) ListVoices(ctx context.Context) ([]Voice, error) {
	resp, err := e.do(ctx, http.MethodGet, "/voices", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var catalog struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}

	e.logger.Debug("Retrieved available voices", zap.Int("count", len(catalog.Voices)))
	return catalog.Voices, nil
}

// NewElevenLabsConfigFromEnv creates a new ElevenLabsConfig from environment variables
func NewElevenLabsConfigFromEnv() ElevenLabsConfig {
	return ElevenLabsConfig{
		APIKey:       os.Getenv("ELEVEN_LABS_API_KEY"),
		APIBaseURL:   os.Getenv("ELEVEN_LABS_API_BASE_URL"),
		VoiceID:      os.Getenv("ELEVEN_LABS_VOICE_ID"),
		ModelID:      os.Getenv("ELEVEN_LABS_MODEL_ID"),
		OutputFormat: os.Getenv("ELEVEN_LABS_OUTPUT_FORMAT"),
		ReadSize:     envInt("ELEVEN_LABS_CHUNK_SIZE"),
		MaxRetries:   envInt("ELEVEN_LABS_MAX_RETRIES"),
		Stability:    envUnit("ELEVEN_LABS_STABILITY"),
		Clarity:      envUnit("ELEVEN_LABS_CLARITY"),
	}
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// envUnit reads a value in [0, 1]; anything else means unset
func envUnit(key string) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f < 0 || f > 1 {
		return 0
	}
	return f
}
