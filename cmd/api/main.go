package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reelmint/reelmint/internal/admission"
	"github.com/reelmint/reelmint/internal/api"
	"github.com/reelmint/reelmint/internal/config"
	"github.com/reelmint/reelmint/internal/db"
	"github.com/reelmint/reelmint/internal/identity"
	"github.com/reelmint/reelmint/internal/pipeline"
	"github.com/reelmint/reelmint/internal/providers"
	"github.com/reelmint/reelmint/internal/queue"
	"github.com/reelmint/reelmint/internal/storage"
	"github.com/reelmint/reelmint/internal/worker"
)

func main() {
	log.Println("Starting Reelmint API...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.StorageBucket)
	log.Println("Initialized storage")

	verifier := identity.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey)

	images := providers.NewGeminiImageProvider(cfg.GeminiAPIKey, stor)

	admit := admission.New(database, q, images)

	handler := api.NewHandler(database, admit, stor, q, cfg.BillingWebhookSecret)
	router := api.NewRouter(handler, verifier, database, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		SignupGrant:    cfg.SignupGrantTokens,
	})

	if cfg.BillingWebhookSecret == "" {
		log.Println("WARNING: BILLING_WEBHOOK_SECRET not set — billing webhook disabled")
	}

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		script := providers.NewOpenAIScriptProvider(cfg.OpenAIAPIKey)
		voice := providers.NewElevenLabsVoiceProvider(cfg.ElevenLabsAPIKey, stor)
		render := providers.NewHTTPRenderProvider(cfg.RenderAPIURL, cfg.RenderAPIKey)

		orchestrator := pipeline.New(
			database, script, images, voice, render,
			cfg.VoiceID, cfg.PlaceholderBaseURL,
			pipeline.WithPolling(time.Duration(cfg.RenderPollSeconds)*time.Second, cfg.RenderPollMax),
		)

		w := worker.New(q, orchestrator, database,
			cfg.MaxConcurrentJobs, cfg.SweepInterval, cfg.SweepThreshold)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx)
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
