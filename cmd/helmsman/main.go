package main

import (
	"context"

	"github.com/dapidd12/hexhs/internal/bot"
	"github.com/dapidd12/hexhs/internal/clients/telegram"
	"github.com/dapidd12/hexhs/internal/config"
	"github.com/dapidd12/hexhs/internal/fanout"
	"github.com/dapidd12/hexhs/internal/handlers"
	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/metrics"
	"github.com/dapidd12/hexhs/internal/monitoring"
	"github.com/dapidd12/hexhs/internal/server"
	"github.com/dapidd12/hexhs/internal/session"
	"github.com/dapidd12/hexhs/internal/store"
	"github.com/dapidd12/hexhs/internal/transport"
	"github.com/dapidd12/hexhs/internal/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("helmsman")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Helmsman (device session panel)")

	settings := config.Load()
	if len(settings.JWTSecret) == 0 {
		logger.Fatal("JWT_SECRET must be set")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("helmsman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("helmsman", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Stores
	users := store.NewUserStore(settings.DataDir, logger)
	access := store.NewAccessStore(settings.DataDir, settings.DeveloperIDs, logger)
	sessions := store.NewSessionStore(settings.DataDir, settings.AuthDir, logger)

	// Transport driver
	var provider transport.Provider
	switch settings.TransportDriver {
	case "memory":
		provider = transport.NewMemoryProvider()
	default:
		logger.WithField("driver", settings.TransportDriver).Fatal("Unknown transport driver")
	}

	// Session lifecycle core
	registry := session.NewRegistry()
	eventFanout := fanout.New(logger, serviceMetrics)
	supervisor := session.NewSupervisor(provider, registry, eventFanout, sessions, session.Config{
		PairingGraceDelay: settings.PairingGraceDelay,
		ConnectTimeout:    settings.ConnectTimeout,
		ReconnectDelays:   settings.ReconnectDelays,
		MaxReconnects:     settings.MaxReconnects,
	}, logger, serviceMetrics)
	defer supervisor.Shutdown()

	serviceMetrics.SetRegisteredSessions(sessions.Count())

	// Health checks
	healthChecker.AddCheck("users_store", monitoring.StoreHealthCheck("user.json", users.Probe))
	healthChecker.AddCheck("sessions_store", monitoring.StoreHealthCheck("user_sessions.json", sessions.Probe))
	healthChecker.AddCheck("reconciliation", monitoring.SessionReconciliationCheck(registry.Size, sessions.Count))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATA_DIR": settings.DataDir,
		"AUTH_DIR": settings.AuthDir,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reload coordinator
	reloader := session.NewReloader(supervisor, registry, sessions, session.ReloadConfig{
		StartupDelay:   settings.StartupReloadDelay,
		ObserveDelay:   settings.ReloadObserveDelay,
		MaxAttempts:    settings.MaxReloadAttempts,
		HealthInterval: settings.HealthInterval,
	}, logger, serviceMetrics)
	go reloader.Run(ctx)

	// Telegram bot, if configured
	if settings.TelegramToken != "" {
		tgClient := telegram.NewClient(telegram.Config{
			Token:  settings.TelegramToken,
			APIURL: settings.TelegramAPIURL,
			Logger: logger,
		})
		tgBot := bot.New(tgClient, supervisor, registry, sessions, users, access, eventFanout, logger)
		go tgBot.Run(ctx)
	} else {
		logger.Info("Telegram bot disabled, no token configured")
	}

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "helmsman", healthChecker, metricsCollector)
	handlers.New(supervisor, registry, eventFanout, users, sessions, settings, logger).RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("helmsman", settings.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
