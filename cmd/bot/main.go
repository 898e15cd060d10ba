package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"object_registry_bot/internal/audit"
	"object_registry_bot/internal/auth"
	"object_registry_bot/internal/config"
	"object_registry_bot/internal/health"
	"object_registry_bot/internal/identity"
	"object_registry_bot/internal/importer"
	"object_registry_bot/internal/logging"
	"object_registry_bot/internal/mail"
	"object_registry_bot/internal/materials"
	"object_registry_bot/internal/ratelimit"
	"object_registry_bot/internal/registry"
	"object_registry_bot/internal/settings"
	"object_registry_bot/internal/store"
	"object_registry_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	bootstrapTimeout        = 5 * time.Second
	healthShutdownTimeout   = 5 * time.Second
	telegramShutdownTimeout = 10 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	if err := mongoManager.EnsureBaseIndexes(indexCtx); err != nil {
		cancelIndexes()
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}
	cancelIndexes()

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	recorder := audit.NewRecorder(mongoManager.AuditLog(), logger)
	identityStore := identity.NewStore(mongoManager.Users(), recorder, logger)

	bootstrapCtx, cancelBootstrap := context.WithTimeout(context.Background(), bootstrapTimeout)
	if err := identityStore.EnsureSuperadmin(bootstrapCtx, cfg.SuperadminID); err != nil {
		cancelBootstrap()
		logger.WithError(err).Error("superadmin bootstrap error")
		fmt.Fprintf(os.Stderr, "superadmin bootstrap error: %v\n", err)
		os.Exit(1)
	}
	cancelBootstrap()

	settingsService := settings.NewService(mongoManager.Settings(), settings.Defaults{
		WindowMinutes:  cfg.WindowMinutes,
		RecipientEmail: cfg.RecipientEmail,
	}, recorder, logger)

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), bootstrapTimeout)
	if err := settingsService.EnsureDefaults(seedCtx); err != nil {
		cancelSeed()
		logger.WithError(err).Error("settings bootstrap error")
		fmt.Fprintf(os.Stderr, "settings bootstrap error: %v\n", err)
		os.Exit(1)
	}
	windowMinutes, err := settingsService.WindowMinutes(seedCtx)
	cancelSeed()
	if err != nil {
		logger.WithError(err).Warn("rate window lookup failed, using configured default")
		windowMinutes = cfg.WindowMinutes
	}

	limiter := ratelimit.New(time.Duration(windowMinutes)*time.Minute, ratelimit.Ceilings{
		ratelimit.ClassMutation:  cfg.RateCeilingMutation,
		ratelimit.ClassSearch:    cfg.RateCeilingSearch,
		ratelimit.ClassImport:    cfg.RateCeilingImport,
		ratelimit.ClassMaterials: cfg.RateCeilingMaterials,
	})

	objectSequence := store.NewSequence(mongoManager.Counters(), store.SequenceObjects)
	objectRegistry := registry.New(mongoManager.Objects(), mongoManager.Bindings(), objectSequence, recorder, logger)
	groupDirectory := registry.NewGroups(mongoManager.Groups(), logger)

	gate, err := auth.NewGate(identityStore, limiter, recorder, logger)
	if err != nil {
		logger.WithError(err).Error("authorization gate setup error")
		fmt.Fprintf(os.Stderr, "authorization gate setup error: %v\n", err)
		os.Exit(1)
	}

	importService := importer.NewService(objectRegistry, mongoManager.ImportRuns(), recorder, logger)

	mailer, err := mail.NewDispatcher(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("mail dispatcher setup error")
		fmt.Fprintf(os.Stderr, "mail dispatcher setup error: %v\n", err)
		os.Exit(1)
	}

	statsProvider := store.NewStatsProvider(mongoManager.Users(), mongoManager.Objects(), mongoManager.Bindings())
	healthServer := health.NewServer(cfg.HTTPPort, mongoManager, statsProvider, logger)

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server error")
		}
	}()

	options := []telegram.Option{
		telegram.WithGate(gate),
		telegram.WithIdentity(identityStore),
		telegram.WithRegistry(objectRegistry),
		telegram.WithGroups(groupDirectory),
		telegram.WithSettings(settingsService),
		telegram.WithImporter(importService),
		telegram.WithWindowSetter(limiter),
	}
	if mailer != nil {
		options = append(options, telegram.WithMailer(mailer))
		materialsService := materials.NewService(
			objectRegistry,
			settingsService,
			mailer,
			mongoManager.MaterialsCounters(),
			mongoManager.MaterialRequests(),
			recorder,
			logger,
		)
		options = append(options, telegram.WithMaterials(materialsService))
	}

	tgClient, err := telegram.NewClient(cfg, logger, options...)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
