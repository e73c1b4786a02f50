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

	"github.com/parlakisik/campus-exchange/internal/config"
	"github.com/parlakisik/campus-exchange/internal/events"
	"github.com/parlakisik/campus-exchange/internal/httpapi"
	"github.com/parlakisik/campus-exchange/internal/ratelimit"
	"github.com/parlakisik/campus-exchange/internal/service"
	"github.com/parlakisik/campus-exchange/internal/store"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const serviceName = "campus-escrow"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Environment == "development" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting "+serviceName,
		"environment", cfg.Environment,
		"port", cfg.Port,
		"store", cfg.StoreType,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	escrowStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	sink, closeSink := buildSink(cfg)
	defer closeSink()

	limiter := buildLimiter(ctx, cfg)
	defer func() {
		if err := limiter.Close(); err != nil {
			slog.Error("failed to close rate limiter", "error", err)
		}
	}()

	svc := service.New(escrowStore, sink, service.Options{
		RelaxDepositCeiling: cfg.RelaxBalanceChecks,
		DefaultCurrency:     cfg.DefaultCurrency,
		EventTimeout:        cfg.EventTimeout,
	})

	router := httpapi.NewRouter(svc, httpapi.RouterConfig{
		Auth:           httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTSecret == "" && !cfg.IsProduction()),
		MaxRetries:     cfg.MaxRetries,
		DisputeLimiter: limiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	// Committed operations still owe their notifications.
	svc.Drain()

	slog.Info("server stopped")
}

type closer interface {
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (store.EscrowStore, func(), error) {
	switch cfg.StoreType {
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		st := store.NewMongoStore(client, cfg.MongoDB)
		if err := st.EnsureIndexes(ctx); err != nil {
			slog.Warn("failed to create indexes", "error", err)
		}
		slog.Info("using mongodb store", "db", cfg.MongoDB)
		return st, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				slog.Error("failed to disconnect mongodb", "error", err)
			}
		}, nil

	case "firestore":
		st, err := store.NewFirestoreStore(cfg.FirestoreProjectID, cfg.FirestorePrefix)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using firestore store", "project", cfg.FirestoreProjectID, "prefix", cfg.FirestorePrefix)
		return st, closeLogged("firestore", st), nil

	default:
		slog.Warn("using in-memory store, data is lost on restart")
		st := store.NewMemoryStore()
		return st, closeLogged("memory store", st), nil
	}
}

// buildSink logs every event, forwards it to the per-type or catch-all
// webhook when configured and to Kafka when brokers are set.
func buildSink(cfg *config.Config) (events.Sink, func()) {
	publisher := events.NewPublisher(serviceName)
	for eventType, url := range cfg.EventWebhooks {
		publisher.RegisterEndpoint(eventType, url)
	}
	if cfg.EventWebhookURL != "" {
		publisher.RegisterFallback(cfg.EventWebhookURL)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return publisher, func() {}
	}

	kafkaPublisher, err := events.NewKafkaPublisher(serviceName, cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		slog.Warn("kafka publisher disabled", "error", err)
		return publisher, func() {}
	}
	slog.Info("publishing events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	return events.Multi{publisher, kafkaPublisher}, closeLogged("kafka publisher", kafkaPublisher)
}

type closingLimiter interface {
	ratelimit.Limiter
	closer
}

// buildLimiter prefers Redis so limits hold across replicas.
func buildLimiter(ctx context.Context, cfg *config.Config) closingLimiter {
	if cfg.RedisURL != "" {
		client, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err == nil {
			if err = client.Ping(ctx).Err(); err == nil {
				slog.Info("using redis rate limiter")
				return ratelimit.NewRedisLimiter(client, "escrow:disputes", cfg.DisputeRateLimit, cfg.DisputeRateWindow)
			}
			_ = client.Close()
		}
		slog.Warn("redis unavailable, falling back to in-memory rate limiter", "error", err)
	}
	return ratelimit.NewMemoryLimiter(cfg.DisputeRateLimit, cfg.DisputeRateWindow)
}

func closeLogged(name string, c closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Error("failed to close "+name, "error", err)
		}
	}
}
