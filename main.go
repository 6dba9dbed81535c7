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

	"github.com/gin-gonic/gin"

	"github.com/peterohwofasa/chainproof-ai-sub001/config"
	"github.com/peterohwofasa/chainproof-ai-sub001/handler"
	"github.com/peterohwofasa/chainproof-ai-sub001/middleware"
	"github.com/peterohwofasa/chainproof-ai-sub001/pkg/logger"
	"github.com/peterohwofasa/chainproof-ai-sub001/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully")

	// Initialize services
	artifactSvc, err := service.NewArtifactService(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize artifact storage", "error", err)
		os.Exit(1)
	}

	if err := artifactSvc.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure artifact bucket", "error", err)
		os.Exit(1)
	}

	engineSvc := service.NewEngineService(&cfg.Engine)

	service.InitAuditStore(&cfg.Store)
	store := service.GetAuditStore()

	progress := service.NewProgressChannel(store, cfg.Progress.QueueSize)
	machine := service.NewJobStateMachine(store, progress)
	pipeline := service.NewExportPipeline(service.NewReportRenderer())

	// Initialize handlers
	authHandler := handler.NewAuthHandler(cfg)
	auditHandler := handler.NewAuditHandler(artifactSvc, engineSvc, machine, progress, pipeline, cfg)
	callbackHandler := handler.NewCallbackHandler(engineSvc, machine)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New() // Use New() instead of Default() to avoid default middleware

	router.Use(middleware.RequestID())                 // Request ID for tracing
	router.Use(middleware.Recovery())                  // Panic recovery
	router.Use(middleware.RequestLogger())             // Access logging
	router.Use(corsMiddleware())                       // CORS
	router.Use(middleware.RateLimit(100, time.Minute)) // Rate limiting: 100 requests per minute

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	// Public routes
	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
		api.POST("/engine/callback", callbackHandler.HandleCallback)
	}

	// Protected routes
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	protected.Use(middleware.AuditContext())
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/audits", auditHandler.Submit)
		protected.POST("/audits/upload", auditHandler.Upload)
		protected.GET("/audits", auditHandler.List)
		protected.GET("/audits/compare", auditHandler.Compare)
		protected.GET("/audits/:id", auditHandler.Get)
		protected.GET("/audits/:id/status", auditHandler.GetStatus)
		protected.GET("/audits/:id/events", auditHandler.Events)
		protected.GET("/audits/:id/export", auditHandler.Export)
		protected.DELETE("/audits/:id", auditHandler.Delete)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
