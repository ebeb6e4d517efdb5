// Package main provides the prescription gateway API service entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthlane/rxledger/internal/api/handlers"
	"github.com/healthlane/rxledger/internal/api/middleware"
	"github.com/healthlane/rxledger/internal/asset"
	"github.com/healthlane/rxledger/internal/domain/prescription"
	"github.com/healthlane/rxledger/internal/infrastructure/postgres"
	"github.com/healthlane/rxledger/internal/infrastructure/redpanda"
	"github.com/healthlane/rxledger/internal/ledger"
	"github.com/healthlane/rxledger/internal/observability/metrics"
	"github.com/healthlane/rxledger/internal/observability/tracing"
)

// Config holds gateway configuration.
type Config struct {
	Port         string
	DatabaseURL  string
	APIKeys      map[string]string
	OTLPEndpoint string
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	ctx := context.Background()

	if cfg.OTLPEndpoint != "" {
		tcfg := tracing.DefaultConfig("gateway-api")
		tcfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := tracing.Init(ctx, tcfg)
		if err != nil {
			logger.Fatal("tracing init failed", zap.Error(err))
		}
		defer provider.Shutdown(context.Background())
	}

	m := metrics.New()

	// With no database the gateway runs on the in-memory ledger. Useful for
	// local development; state does not survive a restart.
	var (
		store ledger.Store
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
		store = ledger.NewMemoryStore()
	} else {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		logger.Info("connected to database")
		store = postgres.NewStore(pool, logger)
	}

	var recorder asset.Recorder = asset.NewLedgerRecorder(store, logger)
	if pool != nil {
		recorder = &outboxRecorder{inner: recorder, pool: pool, logger: logger}
	}

	engine := prescription.NewEngine(store, recorder, logger)
	prescriptionHandler := handlers.NewPrescriptionHandler(engine, m, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("gateway-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CallerAuth(cfg.APIKeys))
		r.Use(middleware.TxContext(asset.SystemClock{}))
		r.Mount("/prescriptions", prescriptionHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting gateway API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	apiKeys := map[string]string{
		"demo-api-key-12345": "demo-client",
		"test-api-key-67890": "test-client",
	}
	if key := os.Getenv("API_KEY"); key != "" {
		apiKeys[key] = "env-client"
	}

	return Config{
		Port:         port,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		APIKeys:      apiKeys,
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"gateway-api","version":"1.0.0"}`)
}

// outboxRecorder writes the audit record to the ledger and enqueues the same
// transition for asynchronous publication: once to the lifecycle topic keyed
// by prescription, once to the compliance trail keyed by audit ID. An enqueue
// failure fails the operation; the ledger write is create-only, so the
// engine's re-execution remains safe.
type outboxRecorder struct {
	inner  asset.Recorder
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func (r *outboxRecorder) Record(ctx context.Context, rec asset.AuditRecord) error {
	if err := r.inner.Record(ctx, rec); err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	entries := []*postgres.OutboxEntry{
		{
			PrescriptionID: rec.TargetID,
			Action:         rec.Action,
			Actor:          rec.Actor,
			Payload:        payload,
			Topic:          redpanda.TopicLifecycle,
			Key:            rec.TargetID,
		},
		{
			PrescriptionID: rec.TargetID,
			Action:         rec.Action,
			Actor:          rec.Actor,
			Payload:        payload,
			Topic:          redpanda.TopicAuditTrail,
			Key:            rec.ID,
		},
	}
	for _, entry := range entries {
		if err := postgres.Enqueue(ctx, r.pool, entry); err != nil {
			return err
		}
		r.logger.Debug("lifecycle event enqueued",
			zap.Int64("outbox_id", entry.ID),
			zap.String("topic", entry.Topic),
			zap.String("action", rec.Action))
	}
	return nil
}
