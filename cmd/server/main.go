package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/tandem-chat/tandem/internal/api/http"
	guard "github.com/tandem-chat/tandem/internal/application/boundary"
	"github.com/tandem-chat/tandem/internal/application/conversation"
	"github.com/tandem-chat/tandem/internal/application/longpoll"
	"github.com/tandem-chat/tandem/internal/config"
	"github.com/tandem-chat/tandem/internal/domain/boundary"
	"github.com/tandem-chat/tandem/internal/domain/message"
	"github.com/tandem-chat/tandem/internal/domain/session"
	"github.com/tandem-chat/tandem/internal/infrastructure/cryptobox"
	"github.com/tandem-chat/tandem/internal/infrastructure/identity"
	"github.com/tandem-chat/tandem/internal/infrastructure/memstore"
	"github.com/tandem-chat/tandem/internal/infrastructure/postgres"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	// stores
	var (
		sessionRepo session.Repository
		messageRepo message.Repository
		auditRepo   boundary.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		sessionRepo = postgres.NewSessionRepository(pool)
		messageRepo = postgres.NewMessageRepository(pool)
		auditRepo = postgres.NewAuditRepository(pool)
	} else {
		logger.Warn().Msg("no DATABASE_URL; using in-memory store")
		store := memstore.New()
		sessionRepo = store.Sessions()
		messageRepo = store.Messages()
		auditRepo = store.Audits()
	}

	// content encryption
	var cipher conversation.FieldCipher = cryptobox.Plaintext{}
	if cfg.FieldKeyHex != "" {
		box, err := cryptobox.NewFromHex(cfg.FieldKeyHex)
		if err != nil {
			log.Fatalf("field key error: %v", err)
		}
		cipher = box
	} else {
		logger.Warn().Msg("no FIELD_KEY_HEX; message content stored in plaintext")
	}

	// identity
	resolver, err := identity.NewResolver(cfg.AuthTokens, cfg.PrivilegedAuthTokens)
	if err != nil {
		log.Fatalf("auth token error: %v", err)
	}
	if resolver.Empty() {
		logger.Warn().Msg("no AUTH_TOKENS; authentication disabled")
	}

	// services
	boundaryGuard, err := guard.NewGuard(guard.Config{
		IntensityFlagThreshold:    cfg.IntensityFlagThreshold,
		ContextEmergencyThreshold: cfg.ContextEmergencyThreshold,
		LongMessageLength:         cfg.LongMessageLength,
		LongMessageIntensity:      cfg.LongMessageIntensity,
	}, logger)
	if err != nil {
		log.Fatalf("boundary guard error: %v", err)
	}
	dispatcher := longpoll.NewDispatcher(longpoll.Config{
		DefaultWait:          cfg.LongPollDefaultWait,
		MaxWait:              cfg.LongPollMaxWait,
		Heartbeat:            cfg.LongPollHeartbeat,
		MaxWaitersPerSession: cfg.MaxWaitersPerClient,
	}, logger)
	convSvc := conversation.NewService(sessionRepo, messageRepo, auditRepo, boundaryGuard, dispatcher, cipher, logger)

	apiServer := httpapi.NewServer(convSvc, resolver, logger)

	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Write timeout must exceed the maximum long-poll wait.
		WriteTimeout: cfg.LongPollMaxWait + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// background sweep for waiters whose timers were lost to a panic or
	// clock anomaly
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n := dispatcher.Sweep(time.Now()); n > 0 {
				logger.Info().Int("expired", n).Msg("swept stale waiters")
			}
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	dispatcher.Stop()
}
