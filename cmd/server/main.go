package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	"github.com/spf13/cobra"

	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/journal"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/pricefeed"
	"github.com/atmx/papertrade/internal/risk"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/trade"
)

func main() {
	var (
		configPath string
		port       string
	)
	cmd := &cobra.Command{
		Use:   "papertrade",
		Short: "papertrade runs the paper-trading session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML or JSON config file")
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides config and PORT)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Database ---
	var pool *pgxpool.Pool
	if cfg.StoreBackend() == config.StorePostgres || cfg.JournalBackend() == config.JournalPostgres {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		slog.Info("connected to PostgreSQL")
	}

	// --- Session store ---
	st, err := openStore(ctx, cfg, pool, &cleanup)
	if err != nil {
		return err
	}

	// --- Trade journal ---
	rec, reader, err := openJournal(ctx, cfg, pool, &cleanup)
	if err != nil {
		return err
	}

	// --- Lockouts ---
	book := risk.NewBook(st,
		risk.WithDuration(cfg.Session.LockoutDuration),
		risk.WithLogger(logger),
	)
	go book.Run(ctx)

	// --- WebSocket hub ---
	hub := trade.NewWSHub(logger)
	go hub.Run(ctx)

	// --- Sessions ---
	quotes := pricefeed.NewClient(cfg.PriceFeed.URL, cfg.PriceFeed.Timeout)
	feeds := session.PollerFactory(quotes,
		pricefeed.WithInterval(cfg.PriceFeed.Interval),
		pricefeed.WithLogger(logger),
	)
	opts := []session.Option{
		session.WithBroadcaster(hub),
		session.WithDefaults(cfg.Session.Defaults, cfg.Session.Symbol),
		session.WithJournalTimeout(cfg.Journal.Timeout),
		session.WithLogger(logger),
	}
	if rec != nil {
		opts = append(opts, session.WithJournal(rec))
	}
	mgr := session.NewManager(st, book, feeds, opts...)
	defer mgr.Close()

	svc := trade.NewService(mgr, reader, cfg.Server.APIToken, logger)

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"papertrade"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live session events.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("papertrade listening", "port", cfg.Server.Port,
			"store", cfg.StoreBackend(), "journal", cfg.JournalBackend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down papertrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, cleanup *[]func()) (store.Store, error) {
	switch cfg.StoreBackend() {
	case config.StorePostgres:
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		var st store.Store = pg

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			*cleanup = append(*cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled")
		}
		return st, nil

	case config.StoreFile:
		fs, err := store.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		slog.Info("using file store", "dir", cfg.Store.Dir)
		return fs, nil
	}

	slog.Warn("no store configured, using in-memory store (sessions will not persist)")
	return store.NewMemoryStore(), nil
}

// openJournal returns the recorder fed by closed positions and the store
// served by the manual-trades endpoints. Either may be nil.
func openJournal(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, cleanup *[]func()) (journal.Recorder, journal.Store, error) {
	switch cfg.JournalBackend() {
	case config.JournalNone:
		slog.Warn("trade journal disabled")
		return nil, nil, nil

	case config.JournalHTTP:
		slog.Info("journaling trades remotely", "url", cfg.Journal.RemoteURL)
		return journal.NewHTTPRecorder(cfg.Journal.RemoteURL, cfg.Journal.Token, cfg.Journal.Timeout), nil, nil

	case config.JournalPostgres:
		pj := journal.NewPostgresJournal(pool)
		if err := pj.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return pj, pj, nil

	case config.JournalSQLite:
		sj, err := journal.NewSQLiteJournal(cfg.Journal.DBPath)
		if err != nil {
			return nil, nil, err
		}
		*cleanup = append(*cleanup, closer(sj))
		return sj, sj, nil
	}

	mj := journal.NewMemoryJournal()
	return mj, mj, nil
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
}
