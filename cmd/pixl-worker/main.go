// Command pixl-worker consumes transcode work messages from the shared queue.
package main

import (
	"context"
	"encoding/json"
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

	"golang.org/x/sync/errgroup"

	"github.com/aym-n/pixl/internal/bootstrap"
	"github.com/aym-n/pixl/internal/config"
	"github.com/aym-n/pixl/internal/instrument"
	"github.com/aym-n/pixl/internal/observability/logging"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/serverutil"
	"github.com/aym-n/pixl/internal/transcode"
)

type options struct {
	configPath  string
	metricsAddr string
	workers     int
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("pixl-worker", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", os.Getenv("PIXL_CONFIG"), "path to a YAML configuration file")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "listen address for /metrics and /healthz (empty disables)")
	fs.IntVar(&opts.workers, "workers", 0, "worker slots (overrides workers.concurrency)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.workers < 0 {
		return options{}, fmt.Errorf("workers must not be negative, got %d", opts.workers)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if opts.workers > 0 {
		cfg.Workers.Concurrency = opts.workers
	}
	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if cfg.Queue.Driver != "redis" {
		logger.Error("pixl-worker needs a shared queue; set PIXL_QUEUE_DRIVER=redis", "driver", cfg.Queue.Driver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := backends.Close(closeCtx); err != nil {
			logger.Warn("failed to close backends", "error", err)
		}
	}()

	pipeline, err := bootstrap.NewPipeline(cfg, backends, instrument.New(nil, recorder), logger)
	if err != nil {
		return err
	}
	pool := pipeline.WorkerPool()
	pool.Start()
	logger.Info("worker pool started",
		"workers", len(pool.WorkerIDs()),
		"worker_ids", strings.Join(pool.WorkerIDs(), ","),
		"queue", cfg.Queue.Name,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("worker pool shutdown: %w", err)
		}
		stats := pool.Stats()
		logger.Info("worker pool drained", "completed", stats.Completed, "failed", stats.Failed, "retried", stats.Retried)
		return nil
	})
	if addr := strings.TrimSpace(opts.metricsAddr); addr != "" {
		group.Go(func() error {
			return serverutil.Run(groupCtx, serverutil.Config{
				Addr:            addr,
				Handler:         opsHandler(recorder, pool, backends),
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				Logger:          logger,
			})
		})
	}
	return group.Wait()
}

// opsHandler serves the worker's metrics, health and pool counters.
func opsHandler(recorder *metrics.Recorder, pool *transcode.Pool, backends *bootstrap.Backends) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if err := backends.Repo.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "degraded", "error": err.Error()}
		}
		writeJSON(w, status, body)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"workers": pool.WorkerIDs(),
			"stats":   pool.Stats(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
