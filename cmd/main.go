package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/adapters/llm"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/adapters/memory"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/adapters/mongo"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/adapters/realtime"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/adapters/stt"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/adapters/tts"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/api"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/auth"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/config"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/relay"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/internal/websocket"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/usecase"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize adapters
	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize realtime provider", zap.Error(err))
	}

	archive, closeArchive, err := newArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session archive", zap.Error(err))
	}
	defer closeArchive()

	var authenticator *auth.Authenticator
	if cfg.Server.JWTSecret != "" {
		authenticator, err = auth.NewAuthenticator(cfg.Server.JWTSecret, auth.DefaultTokenTTL)
		if err != nil {
			logger.Fatal("Failed to initialize authenticator", zap.Error(err))
		}
	}

	coordinator := relay.NewCoordinator(provider, cfg.RelayConfig(), logger,
		relay.WithArchive(archive),
		relay.WithCostEstimator(cfg.Pricing),
	)

	// Initialize WebSocket hub with the session coordinator
	hub := websocket.NewHub(coordinator, nil, logger)
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go hub.Run(hubCtx)

	cleanup := websocket.NewSessionCleanupService(coordinator, cfg.Session.IdleTimeout, cfg.Session.CleanupInterval, logger)
	cleanup.Start()
	defer cleanup.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:          hub,
		Sessions:     coordinator,
		Archive:      archive,
		Auth:         authenticator,
		AuthRequired: cfg.Server.AuthRequired,
		Logger:       logger,
	})

	port := strconv.Itoa(cfg.Server.Port)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Voice relay started",
		zap.String("port", port),
		zap.String("provider", cfg.Realtime.Provider),
		zap.Bool("authRequired", cfg.Server.AuthRequired))

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to close sessions", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newProvider builds the upstream speech provider selected by config.
func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.RealtimeProvider, error) {
	switch cfg.Realtime.Provider {
	case config.ProviderOpenAI:
		opts := []realtime.Option{realtime.WithTurnDetection(cfg.Realtime.TurnDetection)}
		if cfg.Realtime.URL != "" {
			opts = append(opts, realtime.WithURL(cfg.Realtime.URL))
		}
		if cfg.Realtime.Model != "" {
			opts = append(opts, realtime.WithModel(cfg.Realtime.Model))
		}
		return realtime.NewProvider(cfg.Realtime.APIKey, logger, opts...)

	case config.ProviderCascade:
		chat, err := llm.NewGeminiLLM(ctx, llm.GeminiConfig{
			APIKey:       cfg.Cascade.GeminiAPIKey,
			Model:        cfg.Cascade.GeminiModel,
			SystemPrompt: cfg.Realtime.Instructions,
		}, logger)
		if err != nil {
			return nil, err
		}
		speech, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:       cfg.Cascade.ElevenLabsAPIKey,
			VoiceID:      cfg.Cascade.ElevenLabsVoiceID,
			ModelID:      cfg.Cascade.ElevenLabsModelID,
			OutputFormat: fmt.Sprintf("pcm_%d", cfg.Realtime.SampleRate),
		}, logger)
		if err != nil {
			return nil, err
		}
		return usecase.NewConversationService(
			stt.NewGoogleSpeechToText(logger),
			speech,
			usecase.NewChatService(chat),
			usecase.ConversationConfig{
				Language:     cfg.Cascade.SpeechLanguage,
				Instructions: cfg.Realtime.Instructions,
			},
			logger,
		), nil

	case config.ProviderMock:
		logger.Warn("Using the scripted mock provider")
		return usecase.NewConversationService(
			stt.NewMockSpeechToText(logger),
			tts.NewMockTextToSpeech(cfg.Realtime.SampleRate, logger),
			usecase.NewChatService(llm.NewMockGeminiClient()),
			usecase.ConversationConfig{Instructions: cfg.Realtime.Instructions},
			logger,
		), nil
	}
	return nil, fmt.Errorf("unknown realtime provider %q", cfg.Realtime.Provider)
}

// newArchive returns the MongoDB archive when configured and an in-memory one
// otherwise.
func newArchive(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.SessionRepository, func(), error) {
	if cfg.MongoDB.URI == "" {
		logger.Info("MongoDB not configured, keeping session history in memory")
		return memory.NewSessionRepository(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, mongo.Config{
		URI:      cfg.MongoDB.URI,
		Database: cfg.MongoDB.Database,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	repo := mongo.NewSessionRepository(client.Database, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Warn("Failed to create session indexes", zap.Error(err))
	}

	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(closeCtx)
	}
	return repo, closeFn, nil
}
