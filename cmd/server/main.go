package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/freshbazaar/cart-engine/internal/api"
	"github.com/freshbazaar/cart-engine/internal/config"
	"github.com/freshbazaar/cart-engine/internal/engine"
	"github.com/freshbazaar/cart-engine/internal/events"
	"github.com/freshbazaar/cart-engine/internal/gateway"
	"github.com/freshbazaar/cart-engine/internal/localstore"
	"github.com/freshbazaar/cart-engine/internal/metrics"
	"github.com/freshbazaar/cart-engine/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}

	gw, err := gateway.NewHTTPGateway(cfg.CartURL, httpClient)
	if err != nil {
		slog.Error("cart upstream configuration invalid", "err", err)
		os.Exit(1)
	}
	authClient, err := session.NewHTTPAuthClient(cfg.AuthURL, httpClient)
	if err != nil {
		slog.Error("auth upstream configuration invalid", "err", err)
		os.Exit(1)
	}

	var cleanup []func()

	// --- Guest cart store backend ---
	newStore, storeCleanup, err := buildStoreFactory(cfg)
	if err != nil {
		slog.Error("guest store configuration invalid", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, storeCleanup...)

	// --- Checkout event publisher ---
	var publisher engine.EventPublisher
	if cfg.RabbitURL != "" {
		conn, err := events.Dial(cfg.RabbitURL)
		if err != nil {
			slog.Error("rabbitmq connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { conn.Close() })

		pub, err := events.NewRabbitPublisher(conn)
		if err != nil {
			slog.Error("rabbitmq publisher setup failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { pub.Close() })
		publisher = pub
		slog.Info("checkout events enabled")
	} else {
		slog.Warn("RABBITMQ_URL not set, checkout events disabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Session registry ---
	registry := api.NewRegistry(api.RegistryOptions{
		Gateway:    gw,
		AuthClient: authClient,
		NewStore:   newStore,
		Events:     publisher,
		Debounce:   cfg.FlushDebounce,
		SessionTTL: cfg.SessionTTL,
	})
	defer registry.Close()

	svc := api.NewService(registry)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for storefront cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.SessionHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cart-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cart-engine listening", "port", cfg.Port, "guest_store", cfg.GuestStore)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cart-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cart-engine stopped")
}

// buildStoreFactory selects the guest cart backend from config.
func buildStoreFactory(cfg config.Config) (api.StoreFactory, []func(), error) {
	switch cfg.GuestStore {
	case "memory":
		return func(string) localstore.Store {
			return localstore.NewMemoryStore()
		}, nil, nil

	case "file":
		return func(sessionID string) localstore.Store {
			return localstore.NewFileStore(filepath.Join(cfg.GuestStoreDir, sessionID+".json"))
		}, nil, nil

	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		factory := func(sessionID string) localstore.Store {
			return localstore.NewRedisStore(rdb, sessionID, cfg.GuestCartTTL)
		}
		return factory, []func(){func() { rdb.Close() }}, nil

	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if _, err := pool.Exec(context.Background(), localstore.Schema); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("guest cart schema setup failed: %w", err)
		}
		factory := func(sessionID string) localstore.Store {
			return localstore.NewPostgresStore(pool, sessionID)
		}
		return factory, []func(){pool.Close}, nil

	default:
		return nil, nil, fmt.Errorf("unknown guest store backend %q", cfg.GuestStore)
	}
}
