package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/api"
	"github.com/hedgepool/settlement-engine/internal/bank"
	"github.com/hedgepool/settlement-engine/internal/config"
	"github.com/hedgepool/settlement-engine/internal/engine"
	"github.com/hedgepool/settlement-engine/internal/metrics"
	"github.com/hedgepool/settlement-engine/internal/oracle"
	"github.com/hedgepool/settlement-engine/internal/risk"
	"github.com/hedgepool/settlement-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.DSN != "" {
		dbpool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, dbpool.Close)
		pg := store.NewPostgresStore(dbpool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("database.dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collaborators ---
	feed := oracle.NewStaticSource(cfg.Oracle.MaxAge)
	ledger := bank.NewInMemoryLedger()
	for asset, accounts := range cfg.Bank.Seed {
		for account, raw := range accounts {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				// Unreachable: config.Load validated the seed table.
				slog.Error("invalid bank seed amount", "asset", asset, "account", account, "err", err)
				os.Exit(1)
			}
			ledger.Credit(asset, account, amount)
			slog.Info("seeded account balance", "asset", asset, "account", account, "amount", raw)
		}
	}
	limiter := risk.NewExposureLimiter(cfg.Limits.MaxActiveOptions, cfg.Limits.MaxCollateralShareBps)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Engine ---
	eng, err := engine.New(engine.Params{
		Admin:                cfg.Engine.Admin,
		AssetPool:            cfg.Engine.AssetPool,
		StablePool:           cfg.Engine.StablePool,
		PremiumBps:           cfg.Engine.PremiumBps,
		MarginFeeBps:         cfg.Engine.MarginFeeBps,
		LiquidationFeeBps:    cfg.Engine.LiquidationFeeBps,
		MaxLeverage:          cfg.Engine.MaxLeverage,
		MaintenanceMarginPct: cfg.Engine.MaintenanceMarginPct,
		SettlementWindow:     cfg.Engine.SettlementWindow,
	}, engine.Deps{
		Oracle:  feed,
		Bank:    ledger,
		Store:   st,
		Limiter: limiter,
		Events:  wsHub,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("engine setup failed", "err", err)
		os.Exit(1)
	}
	if err := eng.Hydrate(ctx); err != nil {
		slog.Error("state hydration failed", "err", err)
		os.Exit(1)
	}

	svc := api.NewService(eng, feed, cfg.Engine.Admin)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + cfg.App.Name + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time lifecycle events.
		r.Get("/ws", wsHub.HandleWS)

		// Pool liquidity.
		r.Get("/pools/{poolID}", svc.GetPool)
		r.Post("/pools/{poolID}/deposits", svc.Deposit)
		r.Post("/pools/{poolID}/withdrawals", svc.Withdraw)

		// Option lifecycle.
		r.Get("/options", svc.ListOptions)
		r.Post("/options", svc.BuyOption)
		r.Get("/options/{optionID}", svc.GetOption)
		r.Post("/options/{optionID}/exercise", svc.ExerciseOption)
		r.Post("/options/{optionID}/expire", svc.ExpireOption)

		// Leveraged positions.
		r.Post("/positions", svc.OpenPosition)
		r.Get("/positions/{owner}", svc.GetPosition)
		r.Post("/positions/{owner}/close", svc.ClosePosition)
		r.Get("/positions/{owner}/liquidation", svc.CheckLiquidation)
		r.Post("/positions/{owner}/liquidate", svc.Liquidate)

		// Fee administration.
		r.Post("/fees/distribute", svc.DistributeFees)
		r.Post("/fees/withdrawals", svc.WithdrawFees)

		// Oracle price posting and platform stats.
		r.Post("/oracle/price", svc.PostPrice)
		r.Get("/stats", svc.GetStats)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Server.Port, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}
