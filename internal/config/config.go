// Package config loads server configuration from the environment
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
	StoreS3     = "s3"
)

type Config struct {
	Env            string
	Port           string
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string

	// MockProviders swaps Gemini, Google STT and ElevenLabs for local fakes
	MockProviders     bool
	ConversationStore string
	AudioStore        string
	AudioStoreSize    int

	// Seeded into the in-memory project repository
	DemoProjectID string
	DemoWidgetKey string

	Voice   VoiceConfig
	Capture CaptureConfig
}

type VoiceConfig struct {
	Language             string
	VoiceID              string
	PersonaID            string
	ModelID              string
	HistoryLimit         int
	TitleLength          int
	DefaultTitle         string
	TurnTimeout          time.Duration
	PlaybackTimeout      time.Duration
	PermissionTimeout    time.Duration
	SynthesisConcurrency int
}

type CaptureConfig struct {
	TargetSampleRate int
	RecoveryDelay    time.Duration
	SpeechThreshold  float64
	SilenceThreshold float64
	SilenceFrames    int
	MinSpeech        time.Duration
	MaxSegment       time.Duration
}

// Load reads the environment, after loading any of files that exist. With no
// files it tries ".env".
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{
		Env:               getEnv("APP_ENV", "production"),
		Port:              getEnv("PORT", "8080"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		TokenTTL:          getEnvDuration("TOKEN_TTL", 24*time.Hour),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", nil),
		MockProviders:     getEnvBool("MOCK_PROVIDERS", false),
		ConversationStore: getEnv("CONVERSATION_STORE", StoreMemory),
		AudioStore:        getEnv("AUDIO_STORE", StoreMemory),
		AudioStoreSize:    getEnvInt("AUDIO_STORE_SIZE", 1024),
		DemoProjectID:     os.Getenv("DEMO_PROJECT_ID"),
		DemoWidgetKey:     os.Getenv("DEMO_WIDGET_KEY"),
		Voice: VoiceConfig{
			Language:             getEnv("VOICE_LANGUAGE", "en-US"),
			VoiceID:              os.Getenv("VOICE_DEFAULT_VOICE_ID"),
			PersonaID:            getEnv("VOICE_DEFAULT_PERSONA", "default"),
			ModelID:              os.Getenv("VOICE_DEFAULT_MODEL"),
			HistoryLimit:         getEnvInt("VOICE_HISTORY_LIMIT", 20),
			TitleLength:          getEnvInt("VOICE_TITLE_LENGTH", 60),
			DefaultTitle:         getEnv("VOICE_DEFAULT_TITLE", "Voice conversation"),
			TurnTimeout:          getEnvDuration("VOICE_TURN_TIMEOUT", 90*time.Second),
			PlaybackTimeout:      getEnvDuration("VOICE_PLAYBACK_TIMEOUT", 60*time.Second),
			PermissionTimeout:    getEnvDuration("VOICE_PERMISSION_TIMEOUT", 30*time.Second),
			SynthesisConcurrency: getEnvInt("VOICE_SYNTHESIS_CONCURRENCY", 3),
		},
		Capture: CaptureConfig{
			TargetSampleRate: getEnvInt("CAPTURE_TARGET_SAMPLE_RATE", 16000),
			RecoveryDelay:    getEnvDuration("CAPTURE_RECOVERY_DELAY", 2*time.Second),
			SpeechThreshold:  getEnvFloat("VAD_SPEECH_THRESHOLD", 0.015),
			SilenceThreshold: getEnvFloat("VAD_SILENCE_THRESHOLD", 0.008),
			SilenceFrames:    getEnvInt("VAD_SILENCE_FRAMES", 30),
			MinSpeech:        getEnvDuration("VAD_MIN_SPEECH", 250*time.Millisecond),
			MaxSegment:       getEnvDuration("VAD_MAX_SEGMENT", 30*time.Second),
		},
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings that have no safe default
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.ConversationStore {
	case StoreMemory, StoreMongo:
	default:
		return errors.New("CONVERSATION_STORE must be memory or mongo")
	}
	switch c.AudioStore {
	case StoreMemory, StoreS3:
	default:
		return errors.New("AUDIO_STORE must be memory or s3")
	}
	if c.Capture.SilenceThreshold > c.Capture.SpeechThreshold {
		return errors.New("VAD_SILENCE_THRESHOLD must not exceed VAD_SPEECH_THRESHOLD")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
