package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/voicechat/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultTopP           = 0.9
	defaultTopK           = 40
	defaultMaxTokens      = 512
	defaultTimeoutSeconds = 30
	defaultMaxRetries     = 2
	defaultPersona        = "default"
)

// GeminiConfig configures the Gemini chat adapter
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
	MaxRetries      int
	// Personas maps a persona id to its system instruction
	Personas map[string]string
	// Fallbacks are spoken when the model returns no text
	Fallbacks []string
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return errors.New("Gemini API key is required")
	}
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}
	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}
	if config.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", config.MaxRetries)
	}
	return nil
}

// NewGeminiConfigFromEnv reads the Gemini configuration from the environment
func NewGeminiConfigFromEnv() GeminiConfig {
	config := GeminiConfig{
		APIKey: os.Getenv("GEMINI_API_KEY"),
		Model:  os.Getenv("GEMINI_MODEL"),
	}
	if v, err := strconv.ParseFloat(os.Getenv("GEMINI_TEMPERATURE"), 32); err == nil {
		config.Temperature = float32(v)
	}
	if v, err := strconv.Atoi(os.Getenv("GEMINI_MAX_OUTPUT_TOKENS")); err == nil {
		config.MaxOutputTokens = v
	}
	if v, err := strconv.Atoi(os.Getenv("GEMINI_TIMEOUT_SECONDS")); err == nil {
		config.TimeoutSeconds = v
	}
	if prompt := os.Getenv("GEMINI_SYSTEM_PROMPT"); prompt != "" {
		config.Personas = map[string]string{defaultPersona: prompt}
	}
	return config
}

// GeminiLLM implements the LargeLanguageModel interface using Google's Gemini API
type GeminiLLM struct {
	client         *genai.Client
	config         GeminiConfig
	safetySettings []*genai.SafetySetting
	logger         *zap.Logger
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if config.Model == "" {
		config.Model = defaultModel
		logger.Info("Using default model", zap.String("model", config.Model))
	}
	if config.Temperature == 0 {
		config.Temperature = defaultTemperature
		logger.Info("Using default temperature", zap.Float32("temperature", config.Temperature))
	}
	if config.TopP == 0 {
		config.TopP = defaultTopP
	}
	if config.TopK == 0 {
		config.TopK = defaultTopK
	}
	if config.MaxOutputTokens == 0 {
		config.MaxOutputTokens = defaultMaxTokens
		logger.Info("Using default maxOutputTokens", zap.Int("maxOutputTokens", config.MaxOutputTokens))
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = defaultTimeoutSeconds
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	config.Personas = withDefaultPersonas(config.Personas)
	if len(config.Fallbacks) == 0 {
		config.Fallbacks = defaultFallbacks
	}

	return &GeminiLLM{
		client:         client,
		config:         config,
		safetySettings: defaultSafetySettings,
		logger:         logger,
	}, nil
}

// GenerateChat creates a chat session with history
func (g *GeminiLLM) GenerateChat(ctx context.Context, settings repositories.ChatSettings, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	model := settings.ModelID
	if model == "" {
		model = g.config.Model
	}

	prompt, ok := g.config.Personas[settings.PersonaID]
	if !ok {
		if settings.PersonaID != "" {
			g.logger.Warn("Unknown persona, using default", zap.String("personaID", settings.PersonaID))
		}
		prompt = g.config.Personas[defaultPersona]
	}

	return &GeminiChatSession{
		client:  g.client,
		logger:  g.logger.With(zap.String("model", model)),
		model:   model,
		timeout: time.Duration(g.config.TimeoutSeconds) * time.Second,
		retries: uint64(g.config.MaxRetries),
		generation: &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(prompt, genai.RoleUser),
			SafetySettings:    g.safetySettings,
			Temperature:       genai.Ptr(g.config.Temperature),
			TopP:              genai.Ptr(g.config.TopP),
			TopK:              genai.Ptr(g.config.TopK),
			MaxOutputTokens:   int32(g.config.MaxOutputTokens),
		},
		fallbacks: g.config.Fallbacks,
		history:   convertRepositoryToGeminiFormat(history),
	}, nil
}

var defaultSafetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

var defaultFallbacks = []string{
	"Sorry, I didn't catch that. Could you say it again?",
	"Hmm, I'm not sure how to answer that. Can you ask another way?",
}

const voicePrompt = "You are speaking out loud through a voice assistant. Answer in short, natural spoken sentences. " +
	"Do not use markdown, lists, code blocks or emoji."

func withDefaultPersonas(personas map[string]string) map[string]string {
	out := map[string]string{
		defaultPersona: "You are a friendly, helpful assistant. " + voicePrompt,
		"concise":      "You are a precise assistant who answers in one or two sentences. " + voicePrompt,
		"tutor":        "You are a patient tutor who explains step by step and checks understanding. " + voicePrompt,
	}
	for id, prompt := range personas {
		out[id] = prompt
	}
	return out
}
