package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	slackapi "github.com/slack-go/slack"

	"github.com/jndoye/pikaboard/internal/board"
	"github.com/jndoye/pikaboard/internal/characters"
	"github.com/jndoye/pikaboard/internal/config"
	"github.com/jndoye/pikaboard/internal/gateway"
	"github.com/jndoye/pikaboard/internal/health"
	"github.com/jndoye/pikaboard/internal/metrics"
	"github.com/jndoye/pikaboard/internal/notify"
	"github.com/jndoye/pikaboard/internal/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Bool("gateway_enabled", cfg.GatewayEnabled()).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting pikaboard")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()

	// Board storage
	store, err := board.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open board store")
	}
	defer store.Close()

	// Character roster
	roster, err := characters.Load(cfg.CharactersDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load characters")
	}
	logger.Info().Int("characters", roster.Len()).Msg("character roster loaded")

	// Health checks
	checker := health.NewChecker(logger)
	checker.Register("db", func(ctx context.Context) health.Status {
		if err := store.Ping(); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Slack notifications (optional)
	var notifier *notify.Notifier
	if cfg.SlackEnabled() {
		api := slackapi.New(cfg.SlackBotToken)
		notifier = notify.New(api, cfg.SlackActivityChannel, m, logger)
		logger.Info().Str("channel", cfg.SlackActivityChannel).Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack not configured, skipping notifications")
	}

	// Gateway chat client (optional)
	var chat server.Chat
	var client *gateway.Client
	var minter *server.TokenMinter
	if cfg.GatewayEnabled() {
		minter = server.NewTokenMinter(cfg.GatewayTokenSecret, cfg.GatewayTokenTTL, cfg.GatewayClientID)

		tokens := gateway.NewEdgeTokenSource(
			tokenEndpoint(cfg.ListenAddr), cfg.APIToken, logger)

		client = gateway.New(gateway.Config{
			URL:               cfg.GatewayURL,
			SessionKey:        cfg.GatewaySessionKey,
			ClientID:          cfg.GatewayClientID,
			CallTimeout:       cfg.CallTimeout,
			RunTimeout:        cfg.RunTimeout,
			ReconnectBase:     cfg.ReconnectBase,
			ReconnectMax:      cfg.ReconnectMax,
			ReconnectAttempts: cfg.ReconnectAttempts,
			HistoryLimit:      cfg.HistoryLimit,
		}, tokens, m, logger)
		chat = client

		checker.Register("gateway", func(ctx context.Context) health.Status {
			if client.Connected() {
				return health.StatusOK
			}
			// The board works without chat; a lost gateway only degrades.
			return health.StatusDegraded
		})
	} else {
		logger.Info().Msg("gateway not configured, chat disabled")
	}

	// HTTP server
	handlers := server.NewHandlers(store, roster, chat, minter, checker, notifier, m, logger)
	srv := server.NewServer(server.ServerConfig{
		ListenAddr: cfg.ListenAddr,
		Auth: server.AuthConfig{
			Mode:  cfg.AuthMode,
			Token: cfg.APIToken,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, handlers, checker, m, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// Connect to the gateway once the token endpoint is reachable.
	if client != nil {
		client.Open()
	}

	// Periodic activity retention sweep
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.RunRetention(ctx, cfg.ActivityRetention); err != nil {
					logger.Warn().Err(err).Msg("activity retention failed")
				}
			}
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if client != nil {
		client.Close()
	}
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("pikaboard stopped")
}

// tokenEndpoint derives the gateway token URL from the listen address.
func tokenEndpoint(listenAddr string) string {
	host := listenAddr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	return "http://" + host + "/api/gateway/token"
}
