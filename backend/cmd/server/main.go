package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/edeng23/beyond-meet/backend/internal/api"
	"github.com/edeng23/beyond-meet/backend/internal/constants"
	"github.com/edeng23/beyond-meet/backend/internal/graph"
	"github.com/edeng23/beyond-meet/backend/internal/identity"
	"github.com/edeng23/beyond-meet/backend/internal/ingest"
	"github.com/edeng23/beyond-meet/backend/internal/mailsource"
	"github.com/edeng23/beyond-meet/backend/internal/metrics"
	"github.com/edeng23/beyond-meet/backend/internal/progress"
	"github.com/edeng23/beyond-meet/backend/internal/session"
	"github.com/edeng23/beyond-meet/backend/pkg/config"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting HTTP API server...", zap.String("env", cfg.Env))

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify Neo4j connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	graphRepo := graph.NewRepository(driver)
	if err := graphRepo.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to apply graph schema", zap.Error(err))
	}

	// Durable session tier
	sessionDB, err := session.OpenBadger(session.BadgerConfig{
		Path:       cfg.SessionDBPath,
		SyncWrites: cfg.IsProduction(),
		Logger:     log,
	})
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer sessionDB.Close()

	// Initialize dependencies
	collector := metrics.NewCollector("beyondmeet")
	sessions := session.NewCache(sessionDB, cfg.SessionTTL).WithRecorder(collector)
	provider := identity.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL, constants.OAuthScopes)
	tracker := ingest.NewTracker(cfg.GenerationCooldown)
	hub := progress.NewHub(tracker, cfg.ProgressWait)
	pipeline := ingest.NewPipeline(
		sessions,
		mailsource.NewFactory(provider.OAuthConfig()),
		graphRepo,
		hub,
		tracker,
		ingest.Options{
			QueryDays:        cfg.QueryDays,
			FetchConcurrency: cfg.FetchConcurrency,
			IOTimeout:        cfg.IOTimeout,
			IgnoredEmails:    cfg.IgnoredEmails,
			IgnoredDomains:   cfg.IgnoredDomains,
		},
	).WithRecorder(collector)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewServer(api.Deps{
		Auth:           provider,
		Sessions:       sessions,
		Generator:      pipeline,
		Store:          graphRepo,
		Progress:       hub,
		Metrics:        collector,
		AllowedOrigins: cfg.AllowedOrigins,
		SessionTTL:     cfg.SessionTTL,
	}).Router()

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Let in-flight ingestions save before the stores close
	done := make(chan struct{})
	go func() {
		pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.IOTimeout):
		log.Warn("Ingestion still running at shutdown, its graph will not be saved")
	}

	log.Info("Server exited")
}
