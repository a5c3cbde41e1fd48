package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-fulfillment/internal/admin/admin_api"
	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/catalog"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database/migrations"
	"ms-fulfillment/internal/download"
	"ms-fulfillment/internal/download/blob"
	"ms-fulfillment/internal/download/download_api"
	"ms-fulfillment/internal/entitlement/db"
	"ms-fulfillment/internal/fulfillment"
	"ms-fulfillment/internal/fulfillment/fulfillment_api"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/notification"
	"ms-fulfillment/internal/reconciliation"
	"ms-fulfillment/internal/revocation"
	"ms-fulfillment/internal/utils"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		// .env is a dev convenience, not a requirement.
		fmt.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	// --- PostgreSQL Setup ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}
	log.Info("DATABASE", "Connected to Postgres")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	migrationRunner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
	if err := migrationRunner.RunMigrations(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}
	log.Info("DATABASE", "Migrations applied")

	// --- Redis Setup ---
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The catalog cache degrades to read-through; boot anyway.
		log.Warn("REDIS", fmt.Sprintf("Redis unreachable, catalog cache disabled: %v", err))
		redisClient = nil
	} else {
		log.Info("REDIS", "Connected to Redis")
	}

	// --- Payment Provider ---
	provider, err := fulfillment.NewProviderClient(cfg.Stripe, log)
	if err != nil {
		log.Fatal("STRIPE", fmt.Sprintf("Provider client init failed: %v", err))
	}

	// --- Kafka Setup ---
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, kafka.Topics{
			OrderFulfilled: cfg.Kafka.Topics.OrderFulfilled,
			OrderRefunded:  cfg.Kafka.Topics.OrderRefunded,
			TokenRevoked:   cfg.Kafka.Topics.TokenRevoked,
		})
		defer producer.Close()
		log.Info("KAFKA", fmt.Sprintf("Producer ready, brokers: %v", cfg.Kafka.Brokers))
	} else {
		log.Warn("KAFKA", "Kafka disabled, lifecycle events will not be published")
	}

	// --- Initialize Dependencies ---
	dbLayer := &db.DB{Bun: bunDB}
	productCache := catalog.NewCache(redisClient, cfg.Redis.CacheTTL)
	resolver := catalog.NewResolver(dbLayer, productCache, log)
	mailer := notification.NewSMTPMailer(cfg.Email)
	blobClient := blob.NewClient(cfg.Blob)
	accountClient := fulfillment.NewAccountClient(cfg.Accounts)

	// Interface-typed so a disabled producer stays a true nil inside the
	// services.
	var fulfillmentPublisher fulfillment.EventPublisher
	var revocationPublisher revocation.EventPublisher
	if producer != nil {
		fulfillmentPublisher = producer
		revocationPublisher = producer
	}

	orchestrator := fulfillment.NewService(dbLayer, resolver, fulfillmentPublisher, mailer, accountClient, fulfillment.Policy{
		MaxDownloads:  cfg.Fulfillment.MaxDownloads,
		TokenTTL:      cfg.Fulfillment.TokenTTL,
		PublicBaseURL: cfg.Server.PublicBaseURL,
	}, log)
	revocationService := revocation.NewService(dbLayer, revocationPublisher, mailer, log)
	downloadService := download.NewService(dbLayer, blobClient, log)
	reconService := reconciliation.NewService(provider, dbLayer, orchestrator, log)

	webhookHandler := &fulfillment_api.Handler{
		Provider:     provider,
		Orchestrator: orchestrator,
		Revocation:   revocationService,
		Logger:       log,
	}
	downloadHandler := &download_api.Handler{
		Service: downloadService,
		Logger:  log,
	}
	adminHandler := &admin_api.Handler{
		Store:      dbLayer,
		Provider:   provider,
		Revocation: revocationService,
		Recon:      reconService,
		Logger:     log,
	}

	// --- Setup Router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Post("/webhooks/payment", webhookHandler.PaymentWebhook)

	r.Get("/download/{token}", downloadHandler.Download)
	r.Get("/download/{token}/files", downloadHandler.ListFiles)

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.AdminMiddleware(cfg.Admin.JWTSecret))
		r.Post("/refunds", adminHandler.CreateRefund)
		r.Get("/reconciliation", adminHandler.Reconcile)
		r.Post("/reconciliation/import", adminHandler.ImportOrphan)
		r.Get("/unresolved-items", adminHandler.UnresolvedItems)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbLayer.HealthCheck(r.Context()); err != nil {
			utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Unhealthy", err.Error()))
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("OK", nil))
	})

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("SERVER", fmt.Sprintf("Fulfillment service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("SERVER", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("SERVER", "Shutdown signal received, cleaning up")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal("SERVER", fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	log.Info("SERVER", "Server exited gracefully")
}
