package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nusatech/whatsapp-agent-gateway/internal/aiproxy"
	"github.com/nusatech/whatsapp-agent-gateway/internal/auth"
	"github.com/nusatech/whatsapp-agent-gateway/internal/config"
	"github.com/nusatech/whatsapp-agent-gateway/internal/dispatch"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/media"
	"github.com/nusatech/whatsapp-agent-gateway/internal/metrics"
	"github.com/nusatech/whatsapp-agent-gateway/internal/scheduler"
	"github.com/nusatech/whatsapp-agent-gateway/internal/session"
	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
	"github.com/nusatech/whatsapp-agent-gateway/internal/waclient"
	"github.com/nusatech/whatsapp-agent-gateway/internal/ws"
)

var startTime = time.Now()

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	// Initialize database.
	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize services.
	m := metrics.New()
	limiter := scheduler.New(cfg.Scheduler, log)
	factory := waclient.NewMeowFactory(cfg.AuthDir, cfg.QRTerminal, log)
	runner := aiproxy.NewRunner(cfg, m, log)
	dispatcher := dispatch.New(runner, limiter, m, cfg.DeveloperJID, log)
	hub := ws.NewHub(log)

	supervisor := session.NewSupervisor(session.Deps{
		Store:    db.Queries,
		Factory:  factory,
		Limiter:  limiter,
		Metrics:  m,
		Messages: dispatcher,
		Events:   hub,
		AuthDir:  cfg.AuthDir,
		RunBase:  cfg.EndpointBase(),
		Logger:   log,
	})

	mediaService := media.NewService(cfg.TempDir, cfg.MediaFetchTimeout, log)
	sweeper, err := media.NewSweeper(cfg.TempDir, log)
	if err != nil {
		log.Error("failed to initialize media sweeper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize handlers.
	sessionHandler := session.NewHandler(supervisor, mediaService, log)
	runHandler := aiproxy.NewHandler(runner, supervisor, log)
	agentAuth := auth.NewAgentAuthMiddleware(db.Queries, log)

	// Initialize Gin router.
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))

	// Add CORS middleware.
	corsOrigins := strings.Split(cfg.CORSOrigins, ",")
	router.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			for _, allowed := range corsOrigins {
				allowed = strings.TrimSpace(allowed)
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					c.Header("Access-Control-Allow-Origin", allowed)
					break
				}
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, x-trace-id")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoint (no auth required).
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(startTime).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"traceId":   logger.TraceIDFromContext(c.Request.Context()),
		})
	})

	// Prometheus exposition.
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Session lifecycle routes.
	sessions := router.Group("/sessions")
	{
		sessions.POST("", sessionHandler.CreateSession)
		sessions.GET("/:agentId", sessionHandler.GetSession)
		sessions.DELETE("/:agentId", sessionHandler.DeleteSession)
		sessions.POST("/:agentId/reconnect", sessionHandler.ReconnectSession)
		sessions.POST("/:agentId/qr", sessionHandler.GenerateQR)
		sessions.GET("/:agentId/events", hub.HandleAgentEvents)
	}

	// Agent routes (protected by per-agent API keys).
	agents := router.Group("/agents")
	agents.Use(agentAuth.RequireAgent())
	{
		agents.POST("/:agentId/run", runHandler.Run)
		agents.POST("/:agentId/messages", sessionHandler.SendMessage)
		agents.POST("/:agentId/media", sessionHandler.SendMedia)
	}

	sweeper.Start()

	// Revive previously connected sessions without blocking the HTTP surface.
	go func() {
		if err := supervisor.Bootstrap(context.Background()); err != nil {
			log.Error("session bootstrap failed", slog.String("error", err.Error()))
		}
	}()

	port := ":" + cfg.Port

	log.Info("🔁  gateway listening on "+port, slog.String("base_url", cfg.AppBaseURL))
	log.Info("✅  ai backend", slog.String("url", cfg.AIBackendURL))
	if cfg.DeveloperJID == "" {
		log.Info("⚠️  developer fallback notifications disabled")
	}

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("🛑 shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	// The limiter drains in-flight sends before the supervisor destroys
	// the clients they run on. The DB stays open until both are done.
	limiter.Close()
	supervisor.Close()
	hub.Close()
	sweeper.Stop()

	if err := db.DB.Close(); err != nil {
		log.Error("failed to close database", slog.String("error", err.Error()))
	}

	log.Info("✅ server exited")
}
