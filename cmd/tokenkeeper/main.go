package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvcrn/tokenkeeper/internal/app"
	"github.com/dvcrn/tokenkeeper/internal/authclient"
	"github.com/dvcrn/tokenkeeper/internal/broadcast"
	"github.com/dvcrn/tokenkeeper/internal/kv"
	"github.com/dvcrn/tokenkeeper/internal/logger"
	"github.com/dvcrn/tokenkeeper/internal/manager"
)

func main() {
	storePath := flag.String("store-path", kv.DefaultStorePath(), "Path to the shared credential store file")
	redisAddr := flag.String("redis-addr", "", "Redis address; enables Redis-backed store and pub/sub for cross-host peers")
	authorityURL := flag.String("authority-url", "http://localhost:8080", "Base URL of the remote authority")
	flag.Parse()

	log := logger.New()
	production := os.Getenv("ENV") == "production"

	var store kv.Store
	var bc broadcast.Broadcaster
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		store = kv.NewRedisStore(client)
		bc = broadcast.NewRedisBroadcaster(client, log)
		log.Info().Str("addr", *redisAddr).Msg("Using Redis store and pub/sub coordination")
	} else {
		fileStore, err := kv.NewFileStore(*storePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open credential store")
		}
		store = fileStore
		log.Info().Str("path", *storePath).Msg("Using file store, same-host coordination only")
	}

	authority := authclient.New(*authorityURL)

	mgr := app.NewCredentialManager(manager.Options{
		Production:  production,
		Store:       store,
		Broadcaster: bc,
		Refresh:     authority.Refresh,
		Probe:       authority,
		FetchCSRF:   authority.CSRFToken,
		Logger:      log,
	})
	defer mgr.Destroy()

	ctx := context.Background()
	validateCredentialsAtStartup(ctx, mgr, log)
	mgr.Bootstrap(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func validateCredentialsAtStartup(ctx context.Context, mgr *manager.Manager, log zerolog.Logger) {
	if !mgr.HasTokens(ctx) {
		log.Warn().Msg("No credentials present, waiting for login to seed the store")
		return
	}

	log.Info().
		Bool("secure_cookies", mgr.UsingSecureCookies()).
		Msg("Credentials loaded successfully")

	if mgr.UsingSecureCookies() {
		return
	}

	token := mgr.GetOrRefreshToken(ctx)
	if token == "" {
		log.Warn().Msg("Stored credentials could not be refreshed, re-authentication required")
		return
	}
	log.Info().Int("token_length", len(token)).Msg("Access token is valid")
}
