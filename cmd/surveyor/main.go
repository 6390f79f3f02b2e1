package main

import (
	"github.com/casoon/auditmysite-studio-sub003/internal/audits"
	"github.com/casoon/auditmysite-studio-sub003/internal/browser"
	"github.com/casoon/auditmysite-studio-sub003/internal/events"
	"github.com/casoon/auditmysite-studio-sub003/internal/handlers"
	"github.com/casoon/auditmysite-studio-sub003/internal/metrics"
	"github.com/casoon/auditmysite-studio-sub003/internal/pipeline"
	"github.com/casoon/auditmysite-studio-sub003/internal/sitemap"
	"github.com/casoon/auditmysite-studio-sub003/internal/websocket"
	"github.com/casoon/auditmysite-studio-sub003/pkg/config"
	"github.com/casoon/auditmysite-studio-sub003/pkg/logging"
	"github.com/casoon/auditmysite-studio-sub003/pkg/middleware"
	"github.com/casoon/auditmysite-studio-sub003/pkg/monitoring"
	"github.com/casoon/auditmysite-studio-sub003/pkg/server"
	"github.com/casoon/auditmysite-studio-sub003/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("surveyor")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.ShortCommit(),
	}).Info("Starting Surveyor (Audit Pipeline)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("surveyor", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("surveyor", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		ActiveItems:     metricsCollector.NewGauge("active_items", "Currently active items", []string{"type"}),
		HubConnections:  metricsCollector.NewGauge("websocket_hub_connections_active", "Active WebSocket hub connections", nil),
		HubMessages:     metricsCollector.NewCounter("websocket_hub_messages_total", "WebSocket hub messages", []string{"direction"}),
		EventsPublished: metricsCollector.NewCounter("audit_events_published_total", "Audit lifecycle events published", []string{"event_type"}),
	}
	serviceMetrics.BrowserSessions, serviceMetrics.BrowserLaunches, serviceMetrics.NavigationDuration = metricsCollector.CreateBrowserMetrics()
	serviceMetrics.PagesTotal, serviceMetrics.PageDuration, serviceMetrics.PageRetries = metricsCollector.CreatePipelineMetrics()

	outputDir := config.GetEnv("OUTPUT_DIR", "./audit-results")

	// Browser session pool
	poolSize := config.GetEnvInt("BROWSER_POOL_SIZE", 4)
	pool := browser.NewPool(logger, poolSize, browser.LaunchOptionsFromEnv(), serviceMetrics)

	// Accessibility analyzer bundle, hot-reloaded on change
	analyzer := audits.NewAnalyzer(logger, config.GetEnv("A11Y_ANALYZER_PATH", ""))
	if err := analyzer.Watch(); err != nil {
		logger.WithError(err).Warn("Accessibility bundle watcher unavailable")
	}
	chain := audits.NewChain(logger, analyzer)

	// Event bus and sitemap loader
	bus := events.NewBus(logger)
	loader := sitemap.NewLoader(logger,
		sitemap.WithCacheTTL(config.GetEnvDuration("SITEMAP_CACHE_TTL", 0)))

	// Audit run manager
	manager := pipeline.NewManager(logger, bus, pool, chain, loader, serviceMetrics)

	// Initialize WebSocket hub fed by the bus
	hub := websocket.NewHub(logger, bus, serviceMetrics)
	go hub.Run()

	// Initialize handlers
	surveyorHandlers := handlers.NewSurveyorHandlers(manager, hub, loader, logger, outputDir)

	// Add health checks
	healthChecker.AddCheck("browser", monitoring.BrowserPoolHealthCheck(pool))
	healthChecker.AddCheck("output_dir", monitoring.OutputDirHealthCheck(outputDir))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "surveyor", healthChecker, metricsCollector)

	// Service routes
	router.GET("/health", surveyorHandlers.HandleHealth)
	router.GET("/status", surveyorHandlers.HandleStatus)
	router.GET("/ws", surveyorHandlers.HandleWebSocket)

	// Mutating routes, token-protected when SERVICE_TOKEN is set
	audit := router.Group("")
	if token := config.GetEnv("SERVICE_TOKEN", ""); token != "" {
		audit.Use(middleware.ServiceAuthMiddleware(token))
	}
	audit.POST("/audit", surveyorHandlers.HandleStartAudit)
	audit.POST("/audit/:runId/cancel", surveyorHandlers.HandleCancelAudit)

	router.NoRoute(surveyorHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("surveyor", "8090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}

	// Drain in dependency order: stop accepting runs, detach event
	// consumers, then tear down browser processes.
	manager.Close()
	bus.Close()
	pool.Close()
	if err := analyzer.Close(); err != nil {
		logger.WithError(err).Warn("Analyzer close failed")
	}

	logger.Info("Surveyor stopped")
}
