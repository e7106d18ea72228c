// Command pixl-server starts the pixl upload and orchestration API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/aym-n/pixl/internal/api"
	"github.com/aym-n/pixl/internal/bootstrap"
	"github.com/aym-n/pixl/internal/config"
	"github.com/aym-n/pixl/internal/instrument"
	"github.com/aym-n/pixl/internal/maintenance"
	"github.com/aym-n/pixl/internal/observability/logging"
	"github.com/aym-n/pixl/internal/observability/metrics"
	"github.com/aym-n/pixl/internal/serverutil"
)

type options struct {
	configPath   string
	addr         string
	logLevel     string
	tlsCert      string
	tlsKey       string
	autoDispatch bool
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("pixl-server", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", os.Getenv("PIXL_CONFIG"), "path to a YAML configuration file")
	fs.StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides server.addr)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.tlsCert, "tls-cert", os.Getenv("PIXL_TLS_CERT"), "path to TLS certificate file")
	fs.StringVar(&opts.tlsKey, "tls-key", os.Getenv("PIXL_TLS_KEY"), "path to TLS private key file")
	fs.BoolVar(&opts.autoDispatch, "auto-dispatch", true, "queue transcoding as soon as an upload completes")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// applyOverrides layers command line flags over the loaded configuration.
func applyOverrides(cfg *config.Config, opts options) {
	cfg.Server.Addr = firstNonEmpty(opts.addr, cfg.Server.Addr)
	cfg.Logging.Level = firstNonEmpty(opts.logLevel, cfg.Logging.Level)
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
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
	applyOverrides(&cfg, opts)

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) error {
	recorder := metrics.New()
	metrics.SetDefault(recorder)
	inst := instrument.New(nil, recorder)

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

	pipeline, err := bootstrap.NewPipeline(cfg, backends, inst, logger)
	if err != nil {
		return err
	}

	handler := &api.Handler{
		Uploads:    pipeline.Uploads,
		Dispatcher: pipeline.Dispatcher,
		Assets:     backends.Repo,
		Blobs:      backends.Blobs,
		Buckets: api.Buckets{
			Originals:  cfg.Blob.Buckets.Originals,
			Transcoded: cfg.Blob.Buckets.Transcoded,
			Thumbnails: cfg.Blob.Buckets.Thumbnails,
		},
		Summaries:     pipeline.Notifier,
		Progress:      backends.Hub,
		Queue:         backends.Queue,
		Health:        map[string]api.Pinger{"datastore": backends.Repo},
		Metrics:       recorder,
		Logger:        logging.WithComponent(logger, "api"),
		MaxChunkBytes: cfg.Upload.ChunkSize,
		AutoDispatch:  opts.autoDispatch,
	}
	if backends.Redis != nil {
		handler.Health["redis"] = redisPinger{client: backends.Redis}
	}
	router := handler.Router(api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ServeMetrics:   cfg.Server.MetricsEnabled,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Maintenance.Enabled {
		sweeper := maintenance.New(maintenance.Config{
			Sessions:     backends.Repo,
			Assets:       backends.Repo,
			Blobs:        backends.Blobs,
			ChunksBucket: cfg.Blob.Buckets.Chunks,
			Logger:       logging.WithComponent(logger, "sweeper"),
		})
		stopSweeper := sweeper.Start(groupCtx, cfg.Maintenance.Interval)
		group.Go(func() error {
			<-groupCtx.Done()
			stopSweeper()
			return nil
		})
	}

	if backends.InProcess() {
		// Memory queues only reach consumers in this process.
		pool := pipeline.WorkerPool()
		pool.Start()
		logger.Info("in-process worker pool started", "workers", len(pool.WorkerIDs()))
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return pool.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Addr:            cfg.Server.Addr,
			Handler:         router,
			TLS:             serverutil.TLSConfig{CertFile: opts.tlsCert, KeyFile: opts.tlsKey},
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Logger:          logger,
		})
	})

	return group.Wait()
}
