package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/replybot/internal/api"
	"github.com/ashureev/replybot/internal/config"
	"github.com/ashureev/replybot/internal/governor"
	"github.com/ashureev/replybot/internal/ledger"
	"github.com/ashureev/replybot/internal/middleware"
	"github.com/ashureev/replybot/internal/msglog"
	"github.com/ashureev/replybot/internal/router"
	"github.com/ashureev/replybot/internal/store"
	"github.com/ashureev/replybot/internal/transport"
	"github.com/ashureev/replybot/web"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and its HTTP endpoints",
		Long: `Serve accepts the messaging bridge on /ws/bridge, answers inbound messages
and exposes /health, /api/status and the pairing page.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

//nolint:gocognit // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	slog.SetDefault(newLogger(slog.LevelInfo))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("Starting replybot",
		"version", versionInfo.Version,
		"port", cfg.Port,
		"base_delay", cfg.Dispatch.BaseDelay,
		"jitter_pct", cfg.Dispatch.JitterPct,
		"limit_per_min", cfg.Dispatch.PerMinuteCap)

	table, err := opts.loadTable(cfg.RepliesPath)
	if err != nil {
		return fmt.Errorf("load reply table: %w", err)
	}

	var repo store.Repository
	var writer msglog.Writer
	if cfg.ConversationLog.DBEnabled {
		sqliteRepo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer func() {
			if closeErr := sqliteRepo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		if err := sqliteRepo.Ping(parent); err != nil {
			return fmt.Errorf("database health check: %w", err)
		}
		repo, writer = sqliteRepo, sqliteRepo
		slog.Info("Database connected", "path", cfg.DBPath)
	}

	sink, err := msglog.New(msglog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, writer, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation log: %w", err)
	}

	bridge := transport.New(transport.Config{
		Token:         cfg.Bridge.Token,
		AllowedOrigin: cfg.Bridge.AllowedOrigin,
	}, logger)

	led := ledger.New(ledger.DefaultWindow)
	govCfg := cfg.Governor()
	if notice := table.RateLimitNotice(); notice != "" {
		govCfg.RateLimitNotice = notice
	}
	gov := governor.New(govCfg, led, bridge, governor.WithLogger(logger))

	rt := router.New(table, gov,
		router.WithSink(sink),
		router.WithRetryPolicy(cfg.RetryPolicy()),
		router.WithReadiness(bridge),
		router.WithLogger(logger))

	handler := api.NewHandler(api.Deps{
		Session:  bridge,
		Repo:     repo,
		Governor: gov,
		Ledger:   led,
		Sink:     sink,
		Logger:   logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	handler.RegisterRoutes(r)
	r.Get("/ws/bridge", bridge.ServeHTTP)
	r.Handle("/*", web.Handler())

	// The bridge websocket is long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeperDone := ledger.StartSweeper(ctx, led, cfg.Ledger.SweepInterval, cfg.Ledger.IdleTTL, logger)

	routerDone := make(chan error, 1)
	go func() {
		routerDone <- rt.Run(ctx, bridge.Events())
	}()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := bridge.Close(); err != nil {
		slog.Debug("Failed to close bridge", "error", err)
	}
	<-routerDone
	<-sweeperDone
	if err := sink.Close(shutdownCtx); err != nil {
		slog.Warn("Conversation log not fully drained", "error", err)
	}

	slog.Info("Server stopped successfully", "dispatch", gov.Stats())
	return runErr
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
