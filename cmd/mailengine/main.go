package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"github.com/hireloop/mailengine/internal/account"
	"github.com/hireloop/mailengine/internal/config"
	"github.com/hireloop/mailengine/internal/credentials"
	"github.com/hireloop/mailengine/internal/database"
	"github.com/hireloop/mailengine/internal/dispatch"
	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
	"github.com/hireloop/mailengine/internal/provider/gmail"
	"github.com/hireloop/mailengine/internal/provider/imap"
	"github.com/hireloop/mailengine/internal/provider/smtp"
	"github.com/hireloop/mailengine/internal/quota"
	"github.com/hireloop/mailengine/internal/ratelimit"
	"github.com/hireloop/mailengine/internal/store/postgres"
	"github.com/hireloop/mailengine/internal/syncer"
	"github.com/hireloop/mailengine/internal/thread"
	"github.com/hireloop/mailengine/internal/web"
	"github.com/hireloop/mailengine/internal/web/handlers"
	"github.com/hireloop/mailengine/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Database
	db, err := postgres.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Stores
	accountStore := postgres.NewAccountStore(db)
	threadStore := postgres.NewThreadStore(db)
	messageStore := postgres.NewMessageStore(db)
	attachmentStore := postgres.NewAttachmentStore(db)
	rateLimitStore := postgres.NewRateLimitStore(db)

	// Credentials
	sealer, err := credentials.NewSealer(cfg.CredentialKey)
	if err != nil {
		slog.Error("failed to init credential sealer", "error", err)
		os.Exit(1)
	}
	oauthConfigs := map[models.ProviderKind]*oauth2.Config{
		models.ProviderGmail:   credentials.GoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
		models.ProviderOutlook: credentials.MicrosoftOAuthConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret),
	}
	credStore := credentials.NewStore(accountStore, sealer, oauthConfigs)

	// Protocol adapters
	imapFetcher := imap.New(credStore)
	smtpSender := smtp.NewSender(credStore)
	registry := provider.Registry{
		models.ProviderGmail:   gmail.New(credStore),
		models.ProviderOutlook: provider.Combined{Fetcher: imapFetcher, Sender: smtpSender},
		models.ProviderSMTP:    provider.Combined{Fetcher: imapFetcher, Sender: smtpSender},
	}

	// Services
	assembler := thread.NewAssembler(threadStore, cfg.ThreadRecencyWindow)
	threadService := thread.NewService(threadStore, messageStore)
	quotaService := quota.NewService(rateLimitStore, cfg.HourlySendLimit, cfg.DailySendLimit)
	dispatcher := dispatch.New(registry, accountStore, messageStore, attachmentStore, assembler, quotaService, credStore, dispatch.Options{
		SpamWarnThreshold: cfg.SpamWarnThreshold,
		SpamHardCeiling:   cfg.SpamHardCeiling,
	})

	// Sync engine
	ingestor := syncer.NewIngestor(registry, accountStore, messageStore, attachmentStore, assembler, credStore, cfg.SyncFetchBatch)
	scheduler := syncer.NewScheduler(accountStore, ingestor, syncer.SchedulerOptions{
		DefaultFrequency: cfg.DefaultSyncFrequency,
		BackoffBase:      cfg.SyncBackoffBase,
		BackoffMax:       cfg.SyncBackoffMax,
		FailureFlagAfter: cfg.SyncFailureFlagAfter,
	})

	accountService := account.NewService(accountStore, sealer, scheduler, cfg.DefaultSyncFrequency)

	syncCtx, stopSync := context.WithCancel(context.Background())
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		scheduler.Run(syncCtx)
	}()

	// Rate limiter for the HTTP surface
	limiter := ratelimit.NewLimiter(syncCtx, cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Handlers
	accountHandler := handlers.NewAccountHandler(accountService, quotaService)
	threadHandler := handlers.NewThreadHandler(threadService)
	sendHandler := handlers.NewSendHandler(accountService, dispatcher)

	// Router
	router := web.NewRouter(web.RouterDeps{
		AccountHandler: accountHandler,
		ThreadHandler:  threadHandler,
		SendHandler:    sendHandler,
		Limiter:        limiter,
	})

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("mailengine starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Stop sync workers and wait for in-flight passes.
	stopSync()
	select {
	case <-syncDone:
	case <-ctx.Done():
		slog.Warn("sync workers did not stop in time")
	}
}
