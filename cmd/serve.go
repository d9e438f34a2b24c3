package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/omnidesk/omnidesk/internal/agents"
	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/calendar"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/channels/meta"
	"github.com/omnidesk/omnidesk/internal/channels/wppconnect"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/gateway"
	"github.com/omnidesk/omnidesk/internal/handover"
	"github.com/omnidesk/omnidesk/internal/httpapi"
	"github.com/omnidesk/omnidesk/internal/nlu"
	"github.com/omnidesk/omnidesk/internal/providers"
	"github.com/omnidesk/omnidesk/internal/router"
	"github.com/omnidesk/omnidesk/internal/scheduling"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/memory"
	"github.com/omnidesk/omnidesk/internal/store/pg"
	"github.com/omnidesk/omnidesk/internal/telemetry"
	"github.com/omnidesk/omnidesk/internal/transcription"
	"github.com/omnidesk/omnidesk/internal/uploads"
	"github.com/omnidesk/omnidesk/pkg/protocol"
)

const inboundQueueSize = 256

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and the message router",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config.load_failed", "error", err)
		os.Exit(1)
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Error("OMNIDESK_JWT_SECRET is not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown.initiated", "signal", sig)
		cancel()
	}()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Error("telemetry.setup_failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry.shutdown_failed", "error", err)
		}
	}()

	// Standalone keeps everything in process memory; managed persists to
	// Postgres with migrations applied on boot.
	var stores *store.Stores
	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
		if err := pg.Migrate(cfg.Database.PostgresDSN); err != nil {
			logger.Error("db.migrate_failed", "error", err)
			os.Exit(1)
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			logger.Error("db.open_failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		stores = pg.NewStores(db)
	} else {
		stores = memory.NewStores()
	}

	providerMap := buildProviders(cfg)
	if len(providerMap) == 0 {
		logger.Warn("no LLM provider configured, agents reply with fallbacks only")
	}

	var classifier nlu.Classifier = nlu.NewRulesClassifier()
	if cfg.NLU.Mode == "model" {
		if p, ok := providerMap["openai"]; ok {
			classifier = nlu.NewModelClassifier(p, logger)
		} else {
			logger.Warn("nlu.model_unavailable, using rules", "reason", "openai provider not configured")
		}
	}
	nluSvc := nlu.NewService(classifier, logger)

	var calClient calendar.Client = calendar.NewOfflineClient()
	if cfg.Calendar.BaseURL != "" {
		calClient = calendar.NewHTTPClient(cfg.Calendar.BaseURL, cfg.Calendar.CalendarID,
			cfg.Calendar.Token, time.Duration(cfg.Calendar.TimeoutSec)*time.Second)
	}
	scheduler := scheduling.NewCoordinator(cfg.Scheduling, calClient, stores.Calendar, logger)

	handovers := handover.NewService(stores.Handovers, logger)
	registry := agents.NewRegistry(cfg.Agents, providerMap, stores.CustomAgents, logger)
	toolbelt := agents.NewSchedulingToolbelt(scheduler, stores.Users)

	var broker *uploads.Broker
	if cfg.Storage.AccessKey != "" && cfg.Storage.SecretKey != "" {
		s3Client, presignClient, err := uploads.NewS3Clients(ctx, cfg.Storage)
		if err != nil {
			logger.Error("storage.setup_failed", "error", err)
			os.Exit(1)
		}
		broker = uploads.NewBroker(cfg.Storage, presignClient, s3Client, stores.Uploads, logger)

		sweeper := cron.New()
		if _, err := sweeper.AddFunc(cfg.Storage.SweepSchedule, func() {
			broker.Sweep(context.Background())
		}); err != nil {
			logger.Warn("storage.sweep_schedule_invalid", "schedule", cfg.Storage.SweepSchedule, "error", err)
		} else {
			sweeper.Start()
			defer sweeper.Stop()
		}
		logger.Info("storage.enabled", "bucket", cfg.Storage.Bucket)
	} else {
		logger.Info("storage.disabled, uploads unavailable")
	}

	channelMgr := channels.NewManager(logger)
	metaChannels := make(map[string]*meta.Channel)
	registerMeta := func(kind meta.Kind, c config.MetaChannelConfig) {
		if !c.Enabled {
			return
		}
		ch := meta.New(kind, c)
		channelMgr.Register(ch)
		metaChannels[string(kind)] = ch
	}
	registerMeta(meta.KindWhatsApp, cfg.Channels.WhatsApp)
	registerMeta(meta.KindInstagram, cfg.Channels.Instagram)
	registerMeta(meta.KindFacebook, cfg.Channels.Facebook)

	var wpp *wppconnect.Channel
	if cfg.Channels.WPPConnect.Enabled {
		wpp = wppconnect.New(cfg.Channels.WPPConnect)
		channelMgr.Register(wpp)
	}

	var transcriber transcription.Transcriber
	if cfg.Providers.OpenAI.APIKey != "" {
		transcriber = transcription.NewWhisperClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase)
	}

	authSvc, err := auth.NewService(stores.Users, cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLMin)*time.Minute)
	if err != nil {
		logger.Error("auth.setup_failed", "error", err)
		os.Exit(1)
	}

	events := bus.NewPublisher(logger)
	inbound := bus.NewMessageQueue(inboundQueueSize)

	rt := router.New(ctx, router.Deps{
		Config:      cfg,
		Stores:      stores,
		Events:      events,
		Inbound:     inbound,
		NLU:         nluSvc,
		Handovers:   handovers,
		Scheduler:   scheduler,
		Agents:      registry,
		Toolbelt:    toolbelt,
		Channels:    channelMgr,
		Uploads:     broker,
		Transcriber: transcriber,
		Logger:      logger,
	})
	go rt.Run(ctx)

	api := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Auth:      authSvc,
		Stores:    stores,
		Router:    rt,
		Uploads:   broker,
		NLU:       nluSvc,
		Handovers: handovers,
		Scheduler: scheduler,
		Agents:    registry,
		Inbound:   inbound,
		Meta:      metaChannels,
		WPP:       wpp,
		Logger:    logger,
	})

	go func() {
		if err := config.Watch(ctx, cfgPath, logger, func(fresh *config.Config) {
			cfg.ApplyTunables(fresh)
		}); err != nil {
			logger.Warn("config.watch_unavailable", "error", err)
		}
	}()

	server := gateway.NewServer(cfg, events, rt, authSvc, stores.Users, api.Handler(), logger)

	logger.Info("omnidesk.starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"nlu", cfg.NLU.Mode,
		"channels", channelMgr.Names(),
	)

	if err := server.Start(ctx); err != nil {
		logger.Error("gateway.error", "error", err)
		os.Exit(1)
	}
}

// buildProviders materializes the configured LLM providers by name.
func buildProviders(cfg *config.Config) map[string]providers.Provider {
	out := make(map[string]providers.Provider)
	if c := cfg.Providers.OpenAI; c.APIKey != "" {
		out["openai"] = providers.NewOpenAIProvider(c.APIKey, c.APIBase, c.Model)
	}
	if c := cfg.Providers.Anthropic; c.APIKey != "" {
		out["anthropic"] = providers.NewAnthropicProvider(c.APIKey, c.Model)
	}
	return out
}
