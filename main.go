package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaycrm/mailsync/internal/api"
	"github.com/relaycrm/mailsync/internal/auth"
	"github.com/relaycrm/mailsync/internal/config"
	"github.com/relaycrm/mailsync/internal/credentials"
	"github.com/relaycrm/mailsync/internal/events"
	"github.com/relaycrm/mailsync/internal/mail"
	"github.com/relaycrm/mailsync/internal/providers/gmail"
	"github.com/relaycrm/mailsync/internal/providers/outlook"
	"github.com/relaycrm/mailsync/internal/store/sqlite"
	"github.com/relaycrm/mailsync/internal/sync"
)

func main() {
	cfg := config.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store, err := sqlite.Open(cfg.Store.DatabasePath)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The classification signal is optional infrastructure: without NATS the
	// engine still syncs, it just has nothing to notify.
	var notifier sync.Notifier
	publisher, err := events.NewPublisher(cfg.Events.NATSURL)
	if err != nil {
		log.Warn("NATS unavailable, classification signal disabled", zap.Error(err))
	} else {
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Warn("failed to ensure event stream", zap.Error(err))
		}
		notifier = publisher
	}

	creds := credentials.NewManager(cfg.OAuth.TokenURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)

	providerFactory := func(ctx context.Context, conn *mail.Connection, accessToken string) (sync.Provider, error) {
		switch conn.Provider {
		case mail.ProviderMicrosoft:
			return outlook.New(ctx, accessToken, conn.Email)
		default:
			return gmail.New(ctx, accessToken, cfg.Sync.FetchRatePerSec)
		}
	}

	orchestrator := sync.NewOrchestrator(store, creds, providerFactory, notifier,
		cfg.Sync.MaxMessages, cfg.Sync.PassBudget, log)

	scheduler := sync.NewScheduler(orchestrator, cfg.Sync.Interval, log)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var verifier *auth.JWTVerifier
	if cfg.Server.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.Server.JWKSURL)
		if err != nil {
			log.Fatal("failed to initialize JWT verifier", zap.Error(err))
		}
	} else {
		log.Warn("JWKS_URL not set, API authentication disabled")
	}

	server := api.NewServer(store, orchestrator, verifier, log)

	log.Info("listening", zap.String("port", cfg.Server.Port))
	if err := server.Router().Run(":" + cfg.Server.Port); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
