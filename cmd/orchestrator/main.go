package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/ai-orchestrator/config"
	"github.com/vnmchuo/ai-orchestrator/internal/adapter"
	"github.com/vnmchuo/ai-orchestrator/internal/auth"
	"github.com/vnmchuo/ai-orchestrator/internal/billing"
	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
	"github.com/vnmchuo/ai-orchestrator/internal/compress"
	"github.com/vnmchuo/ai-orchestrator/internal/httpapi"
	"github.com/vnmchuo/ai-orchestrator/internal/orchestrate"
	"github.com/vnmchuo/ai-orchestrator/internal/persist"
	"github.com/vnmchuo/ai-orchestrator/internal/provider"
	"github.com/vnmchuo/ai-orchestrator/internal/provider/anthropic"
	"github.com/vnmchuo/ai-orchestrator/internal/provider/deepseek"
	"github.com/vnmchuo/ai-orchestrator/internal/provider/google"
	"github.com/vnmchuo/ai-orchestrator/internal/provider/openai"
	"github.com/vnmchuo/ai-orchestrator/internal/routing"
	"github.com/vnmchuo/ai-orchestrator/internal/seeder"
	"github.com/vnmchuo/ai-orchestrator/internal/telemetry"
	"github.com/vnmchuo/ai-orchestrator/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("ai-orchestrator", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init billing
	billingStore := billing.NewPostgresStore(pool)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Init the async persistence writer
	persistCtx, stopPersist := context.WithCancel(ctx)
	defer stopPersist()
	writer := persist.NewWriter(persist.NewPostgresStore(pool))
	go writer.Process(persistCtx)

	// 9. Init the generation pipeline
	cat := catalog.New()
	providers := map[adapter.Family]provider.Provider{
		adapter.FamilyOpenAI:    openai.New(cfg.OpenAIAPIKey),
		adapter.FamilyAnthropic: anthropic.New(cfg.AnthropicAPIKey),
		adapter.FamilyGoogle:    google.New(cfg.GeminiAPIKey),
		adapter.FamilyDeepSeek:  deepseek.New(cfg.DeepSeekAPIKey),
	}
	engine := orchestrate.New(orchestrate.Config{
		Catalog:    cat,
		Compressor: compress.New(),
		Router:     routing.New(cat, time.Now().UnixNano()),
		Adapter:    adapter.New(cat),
		Providers:  providers,
		Sink:       writer,
		Budget: orchestrate.ResourceBudget{
			MaxResponseBytes:  cfg.MaxResponseBytes,
			MaxReasoningBytes: cfg.MaxReasoningBytes,
		},
	})

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer("ai-orchestrator")
	handler := httpapi.NewHandler(engine, cat, billingStore, limiter, tracer, httpapi.CostLimits{
		WarningUSD:   cfg.CostWarningUSD,
		HardLimitUSD: cfg.CostHardLimitUSD,
	})

	// 11. Seed test API keys if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKeys(ctx, authStore)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"ai-orchestrator"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/respond", handler.HandleRespond)
		r.Post("/v1/respond/sync", handler.HandleRespondSync)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/models", handler.HandleModels)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streams can legitimately run for minutes on reasoning models.
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("AI orchestrator starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
