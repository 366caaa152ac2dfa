package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/poolbet/ledger-engine/internal/api"
	"github.com/poolbet/ledger-engine/internal/audit"
	"github.com/poolbet/ledger-engine/internal/config"
	"github.com/poolbet/ledger-engine/internal/events"
	"github.com/poolbet/ledger-engine/internal/ledger"
	"github.com/poolbet/ledger-engine/internal/metrics"
	"github.com/poolbet/ledger-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("config loaded", "config", config.RedactedConfig(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ledger-engine exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("ledger-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store ---
	var st store.Store
	if cfg.Database.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			return err
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return err
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: position cache and cross-instance locks ---
	var locker store.Locker = store.NewLocalLocker()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		locker = store.NewRedisLocker(rdb)
		logger.Info("Redis cache and locks enabled")
	}

	// --- Event sinks ---
	hub := api.NewWSHub(cfg.Server.CORSOrigins...)
	sinks := []events.Publisher{hub}

	if cfg.NATS.URL != "" {
		nc, err := events.DialNATS(ctx, cfg.NATS.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, nc.Close)
		sinks = append(sinks, nc)
		logger.Info("publishing ledger events to NATS", "stream", events.StreamName)
	}

	if cfg.S3.Enabled {
		archiver, err := events.NewS3Archiver(ctx, events.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, archiver)
		logger.Info("archiving settlements to S3", "bucket", cfg.S3.Bucket)
	}

	fanout := events.NewFanout(cfg.Events.PublishTimeout.Duration, logger, sinks...)

	// --- Ledger ---
	svc, err := ledger.NewService(st, locker, fanout, ledger.Options{
		PlatformFee:    cfg.Fees.PlatformFee,
		WithdrawalFees: cfg.Fees.Withdrawal.Schedule(),
		Limits:         cfg.Limits.Limiter(),
		Retry: ledger.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration,
			MaxDelay:    cfg.Retry.MaxDelay.Duration,
			LockTTL:     cfg.Retry.LockTTL.Duration,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"ledger-engine","ws_clients":%d}`, hub.Clients())
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(api.Authenticate(api.AuthConfig{
			AdminKeys:   cfg.Auth.AdminKeys,
			PaymentsKey: cfg.Auth.PaymentsKey,
		}))

		// Live event feed; long-lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			api.NewHandler(svc).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hub.Run(gctx) })

	if cfg.Audit.Enabled {
		reconciler := audit.NewReconciler(st, logger)
		g.Go(func() error { return reconciler.Run(gctx, cfg.Audit.Schedule) })
	}

	g.Go(func() error {
		logger.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down ledger-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// cors answers preflight requests and sets the allow headers for the
// configured origins. "*" allows any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Payments-Key, X-Investor-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
