package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/adapters/llm"
	"github.com/satriahrh/voicechat/adapters/memory"
	"github.com/satriahrh/voicechat/adapters/mongo"
	"github.com/satriahrh/voicechat/adapters/storage"
	"github.com/satriahrh/voicechat/adapters/stt"
	"github.com/satriahrh/voicechat/adapters/tts"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/api"
	"github.com/satriahrh/voicechat/internal/auth"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/config"
	"github.com/satriahrh/voicechat/internal/voice"
	"github.com/satriahrh/voicechat/internal/websocket"
	"github.com/satriahrh/voicechat/usecase"
)

// synthesizer is a TextToSpeech that can also list its voices
type synthesizer interface {
	repositories.TextToSpeech
	api.VoiceCatalog
}

// chunkStore stores synthesized audio and serves it back
type chunkStore interface {
	repositories.ChunkStore
	api.ChunkReader
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	ctx := context.Background()
	var closers []func(context.Context)

	// Initialize adapters
	llmService, speechToText, textToSpeech, closeProviders, err := newProviders(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize providers", zap.Error(err))
	}
	closers = append(closers, closeProviders)

	projects, conversations, closeStores, err := newStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize stores", zap.Error(err))
	}
	closers = append(closers, closeStores)

	chunks, err := newChunkStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize audio store", zap.Error(err))
	}

	if err := seedDemoProject(ctx, cfg, projects, logger); err != nil {
		logger.Fatal("Failed to seed demo project", zap.Error(err))
	}

	// Initialize usecase services
	chatService := usecase.NewChatService(conversations, logger)
	responseService := usecase.NewResponseService(llmService, textToSpeech, chunks, usecase.ResponseConfig{
		SynthesisConcurrency: cfg.Voice.SynthesisConcurrency,
	}, logger)

	// Initialize WebSocket hub
	hub, err := websocket.NewHub(websocket.Dependencies{
		STT:           speechToText,
		Responder:     responseService,
		Conversations: conversations,
		History:       chatService,
	}, hubConfig(cfg), logger)
	if err != nil {
		logger.Fatal("Failed to initialize websocket hub", zap.Error(err))
	}
	go hub.Run()

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to initialize token issuer", zap.Error(err))
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: origins}))

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Issuer:        issuer,
		Projects:      projects,
		Conversations: chatService,
		Voices:        textToSpeech,
		Chunks:        chunks,
		Sessions:      hub,
	}, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.Bool("mockProviders", cfg.MockProviders),
		zap.String("conversationStore", cfg.ConversationStore),
		zap.String("audioStore", cfg.AudioStore))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i](shutdownCtx)
	}

	logger.Info("Server exited")
}

func newProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.LargeLanguageModel, repositories.SpeechToText, synthesizer, func(context.Context), error) {
	if cfg.MockProviders {
		logger.Warn("Using mock speech and language providers")
		return llm.NewMockGeminiClient(), stt.NewMockSpeechToText(logger), tts.NewMockTextToSpeech(), func(context.Context) {}, nil
	}

	llmService, err := llm.NewGeminiLLM(ctx, llm.NewGeminiConfigFromEnv(), logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("gemini: %w", err)
	}

	ttsConfig := tts.NewElevenLabsConfigFromEnv()
	if cfg.Voice.VoiceID != "" {
		ttsConfig.VoiceID = cfg.Voice.VoiceID
	}
	textToSpeech, err := tts.NewElevenLabsTTS(ttsConfig, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("elevenlabs: %w", err)
	}

	speechToText := stt.NewGoogleSpeechToText(stt.GoogleConfig{}, logger)
	closeSTT := func(context.Context) {
		if err := speechToText.Close(); err != nil {
			logger.Warn("Failed to close speech client", zap.Error(err))
		}
	}
	return llmService, speechToText, textToSpeech, closeSTT, nil
}

func newStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.ProjectRepository, repositories.ConversationStore, func(context.Context), error) {
	if cfg.ConversationStore == config.StoreMemory {
		logger.Info("Using in-memory conversation store")
		return memory.NewProjectRepository(), memory.NewConversationStore(), func(context.Context) {}, nil
	}

	client, err := mongo.NewClient(ctx, mongo.NewConfigFromEnv(), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closeClient := func(ctx context.Context) {
		if err := client.Close(ctx); err != nil {
			logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}
	return mongo.NewProjectRepository(client.Database),
		mongo.NewConversationRepository(client.Database, logger),
		closeClient, nil
}

func newChunkStore(cfg *config.Config, logger *zap.Logger) (chunkStore, error) {
	if cfg.AudioStore == config.StoreS3 {
		return storage.NewS3StoreFromConfig(storage.NewS3ConfigFromEnv(), logger)
	}
	logger.Info("Using in-memory audio store", zap.Int("maxObjects", cfg.AudioStoreSize))
	return storage.NewMemoryStore(cfg.AudioStoreSize), nil
}

// seedDemoProject registers the configured demo widget. An existing project is kept.
func seedDemoProject(ctx context.Context, cfg *config.Config, projects repositories.ProjectRepository, logger *zap.Logger) error {
	if cfg.DemoProjectID == "" || cfg.DemoWidgetKey == "" {
		return nil
	}
	if _, err := projects.GetByID(ctx, cfg.DemoProjectID); err == nil {
		return nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return err
	}

	err := projects.Create(ctx, &entities.Project{
		ID:        cfg.DemoProjectID,
		Name:      "Demo",
		WidgetKey: cfg.DemoWidgetKey,
		Voice: entities.VoiceSettings{
			VoiceID:   cfg.Voice.VoiceID,
			PersonaID: cfg.Voice.PersonaID,
			ModelID:   cfg.Voice.ModelID,
		},
	})
	if err != nil {
		return err
	}
	logger.Info("Seeded demo project", zap.String("projectID", cfg.DemoProjectID))
	return nil
}

func hubConfig(cfg *config.Config) websocket.Config {
	detector := capture.DefaultEnergyConfig()
	detector.SpeechThreshold = cfg.Capture.SpeechThreshold
	detector.SilenceThreshold = cfg.Capture.SilenceThreshold
	detector.SilenceFrames = cfg.Capture.SilenceFrames
	detector.MinSpeech = cfg.Capture.MinSpeech
	detector.MaxSegment = cfg.Capture.MaxSegment

	return websocket.Config{
		Voice: voice.Config{
			Settings: entities.VoiceSettings{
				VoiceID:   cfg.Voice.VoiceID,
				PersonaID: cfg.Voice.PersonaID,
				ModelID:   cfg.Voice.ModelID,
			},
			Language:     cfg.Voice.Language,
			HistoryLimit: cfg.Voice.HistoryLimit,
			DefaultTitle: cfg.Voice.DefaultTitle,
			TitleLength:  cfg.Voice.TitleLength,
			TurnTimeout:  cfg.Voice.TurnTimeout,
		},
		Capture: capture.Config{
			TargetSampleRate: cfg.Capture.TargetSampleRate,
			RecoveryDelay:    cfg.Capture.RecoveryDelay,
		},
		Detector:          detector,
		PlaybackTimeout:   cfg.Voice.PlaybackTimeout,
		PermissionTimeout: cfg.Voice.PermissionTimeout,
		AllowedOrigins:    cfg.AllowedOrigins,
	}
}
