package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/beluga-cat/internal/config"
	"github.com/p-blackswan/beluga-cat/internal/health"
	"github.com/p-blackswan/beluga-cat/internal/llm"
	"github.com/p-blackswan/beluga-cat/internal/logging"
	"github.com/p-blackswan/beluga-cat/internal/metrics"
	"github.com/p-blackswan/beluga-cat/internal/mgmt"
	"github.com/p-blackswan/beluga-cat/internal/session"
	slackpkg "github.com/p-blackswan/beluga-cat/internal/slack"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger, logCloser := logging.New(logging.Options{
		Level:     cfg.LogLevel,
		Debug:     cfg.Debug,
		Console:   cfg.IsDevelopment(),
		File:      cfg.LogFile,
		FileMaxMB: cfg.LogFileMaxMB,
	})
	defer logCloser.Close()
	log.Logger = logger

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("refusing to start")
	}

	persona, err := cfg.Persona()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load persona")
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("provider", cfg.LLMProvider).
		Bool("mock", cfg.MockMode).
		Str("ops_addr", cfg.OpsListenAddr).
		Bool("delete_on_end", cfg.DeleteOnEnd).
		Msg("starting beluga-cat")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	tracker := llm.NewTracker(m, llm.DefaultFailureThreshold)

	provider, err := llm.New(llm.Options{
		Provider:      cfg.LLMProvider,
		Mock:          cfg.MockMode,
		OpenAIKey:     cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiKey:     cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		GeminiBaseURL: cfg.GeminiBaseURL,
	}, tracker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure text generation")
	}

	slackApp := slackpkg.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackAllowedChannelList(), cfg.Debug, logger)
	identifyCtx, identifyCancel := context.WithTimeout(ctx, 10*time.Second)
	botUserID, err := slackApp.Identify(identifyCtx)
	identifyCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to authenticate with Slack")
	}

	platform := slackpkg.NewThreadPlatform(slackApp.API(), botUserID, logger)

	sessCfg := session.Config{
		Prefix:      cfg.ThreadPrefix,
		MaxTurns:    cfg.MemoryMaxTurns,
		Cooldown:    cfg.TurnCooldown,
		AutoArchive: cfg.AutoArchive,
		DeleteOnEnd: cfg.DeleteOnEnd,
		Instruction: persona.Instruction,
		Intro:       persona.Intro,
		Generation: llm.GenerationConfig{
			MaxTokens:   cfg.MaxOutputTokens,
			Temperature: cfg.Temperature,
		},
		BotID: botUserID,
	}
	if sessCfg.Intro == "" {
		sessCfg.Intro = session.DefaultIntro
	}
	ctrl := session.NewController(sessCfg, platform, provider, logger, session.WithRecorder(m))

	reaper := session.NewReaper(ctrl, cfg.ReaperInterval, cfg.SessionTTL, logger)
	reaper.Start(ctx)

	handler := slackpkg.NewHandler(slackpkg.HandlerConfig{BotUserID: botUserID}, slackApp.API(), ctrl, logger)

	checker := health.NewChecker(health.DefaultCheckTimeout, logger)
	checker.Register("slack", health.FromError(func(ctx context.Context) error {
		_, err := slackApp.API().AuthTestContext(ctx)
		return err
	}))
	checker.Register("provider", health.DegradedOnError(llm.HealthCheck(provider, tracker)))
	checker.Register("reaper", func(context.Context) health.Status {
		if reaper.IsRunning() {
			return health.StatusOK
		}
		return health.StatusDegraded
	})

	opsServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.OpsListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.OpsAuthMode,
			APIKey: cfg.OpsAPIKey,
		},
		RateLimit: cfg.OpsRateLimit,
	}, ctrl, checker, m.Handler(), logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := opsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("ops API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := slackApp.Run(ctx, handler); err != nil {
			logger.Error().Err(err).Msg("Slack Socket Mode error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Stop taking new events before draining sessions.
	cancel()
	reaper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := handler.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("event handlers still running")
	}
	if err := ctrl.Shutdown(shutdownCtx, cfg.EndOnShutdown); err != nil {
		logger.Warn().Err(err).Msg("session shutdown incomplete")
	}
	if err := opsServer.Shutdown(5 * time.Second); err != nil {
		logger.Error().Err(err).Msg("ops API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("beluga-cat stopped")
}
