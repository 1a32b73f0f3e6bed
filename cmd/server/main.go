package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Shriprakashbharti/TradePros/internal/config"
	"github.com/Shriprakashbharti/TradePros/internal/instrument"
	"github.com/Shriprakashbharti/TradePros/internal/ledger"
	"github.com/Shriprakashbharti/TradePros/internal/marketdata"
	"github.com/Shriprakashbharti/TradePros/internal/matching"
	"github.com/Shriprakashbharti/TradePros/internal/metrics"
	"github.com/Shriprakashbharti/TradePros/internal/orderbook"
	"github.com/Shriprakashbharti/TradePros/internal/risk"
	"github.com/Shriprakashbharti/TradePros/internal/store"
	"github.com/Shriprakashbharti/TradePros/internal/stream"
	"github.com/Shriprakashbharti/TradePros/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Instruments ---
	registry := instrument.NewRegistry()
	if err := registry.Seed(cfg.Instruments); err != nil {
		slog.Error("instrument seed failed", "err", err)
		os.Exit(1)
	}
	for _, inst := range registry.List(false) {
		if err := st.UpsertInstrument(ctx, inst); err != nil {
			slog.Error("instrument upsert failed", "symbol", inst.Symbol, "err", err)
			os.Exit(1)
		}
	}

	// --- Event sinks ---
	var bg sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(context.Background())

	wsHub := stream.NewWSHub()
	sinks := stream.Fanout{wsHub}
	bg.Add(1)
	go func() {
		defer bg.Done()
		wsHub.Run(runCtx)
	}()

	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := stream.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, kafkaSink)
		bg.Add(1)
		go func() {
			defer bg.Done()
			kafkaSink.Run(runCtx)
		}()
		slog.Info("Kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Engine ---
	l := ledger.New(ledger.WithOpeningBalance(cfg.StartingBalance))
	limiter := risk.NewPositionLimiter(cfg.MaxOrderNotional, cfg.MaxPositionQty)
	engine := matching.New(registry, l, orderbook.NewBooks(), sinks,
		matching.WithStore(st),
		matching.WithLimiter(limiter),
		matching.WithDepth(cfg.BookDepth),
	)
	if err := engine.Restore(ctx); err != nil {
		slog.Error("engine restore failed", "err", err)
		os.Exit(1)
	}
	if n, err := engine.SeedHoldings(ctx, cfg.Holdings); err != nil {
		slog.Error("holding seed failed", "err", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("opening holdings credited", "count", n)
	}

	// --- Market feed ---
	var feed *marketdata.Feed
	if cfg.FeedEnabled {
		feed = marketdata.NewFeed(registry, l, sinks, cfg.TickInterval, marketdata.WithCandleStore(st))
		bg.Add(1)
		go func() {
			defer bg.Done()
			feed.Run(runCtx)
		}()
	}

	tradeSvc := trade.NewService(engine, l, registry, st, feed)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trade.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tradepros"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order, trade, book and ticker events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("tradepros listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down tradepros...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancelRun()
	bg.Wait()
	fmt.Println("tradepros stopped")
}
