package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/rip-stream/ripstream/internal/cleanup"
	"github.com/rip-stream/ripstream/internal/config"
	"github.com/rip-stream/ripstream/internal/downloader"
	"github.com/rip-stream/ripstream/internal/http/rest"
	"github.com/rip-stream/ripstream/internal/logctx"
	"github.com/rip-stream/ripstream/internal/notifier"
	"github.com/rip-stream/ripstream/internal/progress"
	"github.com/rip-stream/ripstream/internal/queue"
	"github.com/rip-stream/ripstream/internal/session"
	"github.com/rip-stream/ripstream/internal/source/direct"
	"github.com/rip-stream/ripstream/internal/telemetry"
)

// version is set during build via -ldflags "-X main.version=X.Y.Z".
var version = "dev"

func main() {
	// A .env file is a local development convenience; its absence is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, flushLogs, err := buildLogger(ctx, cfg)
	if err != nil {
		slog.Error("logging error", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(logger)

	slog.Info("ripstream starting...", "version", version, "log_level", cfg.LogLevel)

	runErr := run(logctx.WithLogger(ctx, logger), cfg)

	if err := flushLogs(context.Background()); err != nil {
		slog.Error("failed to flush logs", "err", err)
	}

	if runErr != nil {
		slog.Error("fatal error", "err", runErr)
		os.Exit(1)
	}
}

// buildLogger assembles the slog handler chain: JSON to stdout, fanned out to
// an OTLP log exporter when an endpoint is configured, and wrapped so records
// pick up the trace context they are emitted under. The returned flush
// function drains any buffered export batches.
func buildLogger(ctx context.Context, cfg *config.Config) (*slog.Logger, func(context.Context) error, error) {
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})

	handler := slog.Handler(stdout)
	flush := func(context.Context) error { return nil }

	if cfg.Telemetry.Enabled && cfg.Telemetry.OTLPEndpoint != "" {
		exporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpoint(cfg.Telemetry.OTLPEndpoint),
			otlploggrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
		}

		provider := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		)
		flush = provider.Shutdown

		handler = slogmulti.Fanout(
			stdout,
			otelslog.NewHandler(cfg.Telemetry.ServiceName, otelslog.WithLoggerProvider(provider)),
		)
	}

	return slog.New(logctx.NewTraceHandler(handler)), flush, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Download Engine
	sessions := session.NewManager(cfg, tel)
	tracker := progress.NewTracker(logger)
	q := queue.New(cfg.QueueSizeLimit, logger)

	ctrl := downloader.NewController(cfg, tracker, tel)
	ctrl.RegisterProvider(downloader.NewInstrumentedProvider(direct.NewProvider(cfg, sessions), tel))

	// Workers hand the task ID to the download engine, so queue tasks and
	// tracker records share IDs and progress can be mirrored back.
	tracker.Subscribe(func(downloadID string, snap progress.Progress) {
		q.UpdateTaskProgress(downloadID, snap.Percentage)
	})

	q.OnTaskAdded(func(queue.Task) { tel.RecordTaskEvent("added") })
	q.OnTaskCompleted(func(queue.Task) { tel.RecordTaskEvent("completed") })
	q.OnTaskFailed(func(queue.Task, string) { tel.RecordTaskEvent("failed") })

	if err := tel.RegisterQueueDepthCallback(func() (int64, int64) {
		stats := q.GetQueueStats()

		return int64(stats.PendingTasks), int64(stats.DownloadingTasks)
	}); err != nil {
		return fmt.Errorf("failed to register queue depth callback: %w", err)
	}

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		notifier.WatchQueue(ctx, q, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	// =========================================================================
	// Start Workers
	pool := downloader.NewPool(ctrl, q, cfg.MaxConcurrentDownloads)

	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	// =========================================================================
	// Start Cleanup
	go cleanup.NewSweeper(cfg).Run(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, q, tracker, ctrl, tel)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"max_concurrent", cfg.MaxConcurrentDownloads,
		"queue_limit", cfg.QueueSizeLimit,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Workers stop with the context; wait for in-flight downloads to
		// unwind before returning.
		if err := <-poolDone; err != nil {
			return fmt.Errorf("worker pool error: %w", err)
		}

		return nil
	}
}

// setupServer prepares the routing tree for the REST API plus the unguarded
// operational endpoints.
func setupServer(ctx context.Context, cfg *config.Config, q *queue.Queue, tracker *progress.Tracker, ctrl *downloader.Controller, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	// Probes and scrapers stay outside the API's basic auth.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())

	h := rest.NewHandler(cfg.API.Username, cfg.API.Password, cfg, q, tracker, ctrl)
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
