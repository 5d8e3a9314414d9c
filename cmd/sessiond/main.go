// Package main implements sessiond, the ClearNode session coordinator
// daemon. It owns one relay connection, authenticates with the configured
// wallet, and exposes a local HTTP surface for session control, health, and
// metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yellowfun/session_layer/internal/auth"
	"github.com/yellowfun/session_layer/internal/config"
	"github.com/yellowfun/session_layer/internal/coordinator"
	"github.com/yellowfun/session_layer/internal/metrics"
	"github.com/yellowfun/session_layer/internal/participant"
	"github.com/yellowfun/session_layer/internal/prices"
	"github.com/yellowfun/session_layer/internal/protocol"
	"github.com/yellowfun/session_layer/internal/transport"
	"github.com/yellowfun/session_layer/pkg/logger"
	"github.com/yellowfun/session_layer/supabase/client"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// .env is optional; ignore a missing file.
	_ = godotenv.Load(*envFile)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.NewDefault("sessiond").Fatal("load config", "error", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stdout",
	})
	log = log.WithField("service", "sessiond")

	identity, err := coordinator.LoadOrCreateIdentity(cfg.Auth.IdentityPath)
	if err != nil {
		log.Fatal("signing identity", "error", err)
	}

	var wallet *protocol.KeySigner
	if cfg.Auth.WalletKey != "" {
		wallet, err = protocol.NewKeySignerFromHex(cfg.Auth.WalletKey)
	} else {
		wallet, err = protocol.NewKeySigner()
	}
	if err != nil {
		log.Fatal("wallet key", "error", err)
	}

	store, err := buildStore(cfg, log)
	if err != nil {
		log.Fatal("participant store", "error", err)
	}

	m := metrics.New()
	coord, err := coordinator.New(coordinator.Config{
		Transport: transport.Config{
			URL:              cfg.Relay.URL,
			CallTimeout:      cfg.Relay.CallTimeout,
			HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		},
		Auth: auth.Config{
			AppName: cfg.Auth.AppName,
			Scope:   cfg.Auth.Scope,
			TTL:     cfg.Auth.TTL,
		},
		Reconnect: reconnectPolicy(cfg),
	}, identity, wallet, store, log, m)
	if err != nil {
		log.Fatal("build coordinator", "error", err)
	}

	priceClient := prices.NewClient(prices.Config{
		BaseURL:  cfg.Prices.BaseURL,
		CacheTTL: cfg.Prices.CacheTTL,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(coord, priceClient, m),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("http server", "error", err)
		}
	}()

	if err := coord.Connect(ctx); err != nil {
		log.WithError(err).Error("initial connect failed; will retry on demand")
	} else if err := coord.Authenticate(ctx); err != nil {
		log.WithError(err).Error("authentication failed")
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	coord.Disconnect()
	log.Info("stopped")
}

// buildStore prefers the Supabase-backed participant store and falls back to
// memory when no store is configured.
func buildStore(cfg *config.Config, log *logger.Logger) (participant.Store, error) {
	if cfg.Supabase.URL == "" {
		log.Warn("no supabase url configured, using in-memory participant store")
		return participant.NewMemoryStore(), nil
	}
	sc, err := client.NewResilient(client.Config{
		URL:    cfg.Supabase.URL,
		APIKey: cfg.Supabase.APIKey,
	}, client.DefaultRetryConfig(), client.DefaultCircuitBreakerConfig())
	if err != nil {
		return nil, err
	}
	return participant.NewSupabaseStore(sc), nil
}

func reconnectPolicy(cfg *config.Config) transport.ReconnectPolicy {
	policy := transport.DefaultReconnectPolicy()
	if cfg.Reconnect.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Reconnect.MaxAttempts
	}
	if cfg.Reconnect.InitialBackoff > 0 {
		policy.InitialBackoff = cfg.Reconnect.InitialBackoff
	}
	if cfg.Reconnect.MaxBackoff > 0 {
		policy.MaxBackoff = cfg.Reconnect.MaxBackoff
	}
	return policy
}

func init() {
	if os.Getenv("TZ") == "" {
		os.Setenv("TZ", "UTC")
	}
}
