package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamproxy/internal/cache"
	"streamproxy/internal/upstream"
)

// UpstreamFetcher is the transport the proxy endpoint and the prefetcher
// fetch through. *upstream.Client satisfies it; tests substitute fakes.
type UpstreamFetcher interface {
	Fetch(ctx context.Context, req upstream.Request) (*http.Response, error)
}

type Server struct {
	upstream   UpstreamFetcher
	cache      *cache.Manager
	prefetcher *prefetcher
	logger     *slog.Logger
	handler    http.Handler
	wsHub      *wsHub

	prefetchLimit       int
	prefetchConcurrency int
	rateLimitRPS        float64
	rateLimitBurst      int
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCache enables server-side caching of manifests and segments.
func WithCache(manager *cache.Manager) ServerOption {
	return func(s *Server) {
		s.cache = manager
	}
}

// WithPrefetch warms the first limit segments of each served playlist, at
// most concurrency fetches at a time. limit 0 disables prefetching.
func WithPrefetch(limit, concurrency int) ServerOption {
	return func(s *Server) {
		s.prefetchLimit = limit
		s.prefetchConcurrency = concurrency
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimitRPS = rps
		s.rateLimitBurst = burst
	}
}

func NewServer(up UpstreamFetcher, opts ...ServerOption) *Server {
	s := &Server{
		upstream:       up,
		rateLimitRPS:   100,
		rateLimitBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.prefetcher = newPrefetcher(s.upstream, s.cache, s.prefetchLimit, s.prefetchConcurrency, s.logger)

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/proxy", s.handleProxy)
	mux.HandleFunc("/api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/api/cache/cleanup", s.handleCacheCleanup)
	mux.HandleFunc("/api/cache", s.handleCacheClear)
	mux.HandleFunc("/internal/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "stream-proxy",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/internal/health"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateLimitRPS, s.rateLimitBurst, metricsMiddleware(traced)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastCacheStats pushes current cache statistics to all WebSocket
// clients. Driven by the periodic loop in cmd/server.
func (s *Server) BroadcastCacheStats() {
	if s.wsHub == nil || s.cache == nil {
		return
	}
	s.wsHub.BroadcastCacheStats(s.cache.GetStats())
}

// Close shuts down the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
