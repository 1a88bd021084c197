package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "streamproxy/internal/api/http"
	"streamproxy/internal/app"
	"streamproxy/internal/cache"
	"streamproxy/internal/metrics"
	mongorepo "streamproxy/internal/repository/mongo"
	"streamproxy/internal/telemetry"
	"streamproxy/internal/upstream"
)

const (
	serviceName    = "stream-proxy"
	serviceVersion = "1.0.0"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName, serviceVersion)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Int64("cacheMaxSizeBytes", cfg.CacheMaxSizeBytes),
		slog.Int64("cacheMaxAgeHours", cfg.CacheMaxAgeHours),
		slog.Bool("mongoMetadata", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metaStore, mongoClient := newMetadataStore(rootCtx, cfg, logger)

	bodies, err := cache.NewDiskStore(cfg.CacheDir)
	if err != nil {
		logger.Error("cache dir init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	manager := cache.NewManager(cache.ManagerConfig{
		Bodies:        bodies,
		Metadata:      metaStore,
		MaxSizeBytes:  cfg.CacheMaxSizeBytes,
		MaxEntryBytes: cfg.CacheMaxEntryBytes,
		TTL:           time.Duration(cfg.CacheMaxAgeHours) * time.Hour,
		Logger:        logger,
	})

	janitor := &cache.Janitor{
		Manager:  manager,
		Interval: time.Duration(cfg.CacheSweepSeconds) * time.Second,
		Logger:   logger,
	}
	go janitor.Run(rootCtx)

	client := upstream.NewClient(upstream.Config{
		Timeout:   time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second,
		ForwardIP: cfg.UpstreamForwardIP,
	})

	handler := apihttp.NewServer(client,
		apihttp.WithLogger(logger),
		apihttp.WithCache(manager),
		apihttp.WithPrefetch(cfg.PrefetchSegments, cfg.PrefetchConcurrency),
		apihttp.WithRateLimit(float64(cfg.RateLimitRPS), int(cfg.RateLimitBurst)),
	)

	// Periodically push cache statistics to WebSocket clients.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				handler.BroadcastCacheStats()
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// newMetadataStore picks the cache metadata backend: MongoDB when MONGO_URI
// is configured, a local JSON file otherwise. Mongo failures fall back to
// the file store instead of aborting startup.
func newMetadataStore(ctx context.Context, cfg app.Config, logger *slog.Logger) (cache.MetadataStore, disconnecter) {
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		mongoClient, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = mongoClient.Ping(connectCtx, readpref.Primary())
		}
		if err != nil {
			logger.Warn("mongo unavailable, falling back to file metadata store",
				slog.String("error", err.Error()),
			)
		} else {
			return mongorepo.NewMetadataRepository(mongoClient, cfg.MongoDatabase), mongoClient
		}
	}

	fileStore, err := cache.NewFileMetadataStore(cfg.CacheDir)
	if err != nil {
		logger.Error("metadata store init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return fileStore, nil
}

type disconnecter interface {
	Disconnect(ctx context.Context) error
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
