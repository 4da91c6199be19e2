package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/wisbric/cdndefense/internal/config"
	"github.com/wisbric/cdndefense/internal/version"
)

// SyncStatus reports the node synchronizer's health, surfaced on /readyz and
// the status endpoint. A nil SyncStatusFunc makes the server treat the node
// as always synced; cmd/edged and cmd/configd both set one.
type SyncStatus struct {
	Healthy    bool
	Degraded   bool
	LastSyncAt time.Time
	CacheSize  int
}

// Server holds the HTTP server dependencies shared by both the edge decision
// API (cmd/edged) and the admin config API (cmd/configd).
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	Logger    *slog.Logger
	NodeID    string
	Hot       *redis.Client
	Cold      *clientv3.Client
	Metrics   *prometheus.Registry
	startedAt time.Time

	// SyncStatusFunc, when set, reports the node synchronizer's health for
	// /readyz and the status endpoint.
	SyncStatusFunc func() SyncStatus
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints already wired. Domain handlers are mounted on APIRouter by the
// caller (internal/api/edgeapi or internal/api/adminapi).
func NewServer(cfg *config.Config, logger *slog.Logger, hot *redis.Client, cold *clientv3.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		NodeID:    cfg.NodeID,
		Hot:       hot,
		Cold:      cold,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/health", s.handleHealthz)
	s.Router.Get("/status", s.HandleStatus)

	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.Hot != nil {
		if err := s.Hot.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: hot kv ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "hot kv not ready")
			return
		}
	}

	if s.SyncStatusFunc != nil {
		status := s.SyncStatusFunc()
		if !status.Healthy && !status.Degraded {
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "node synchronizer not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	CommitSHA     string     `json:"commit_sha"`
	NodeID        string     `json:"node_id"`
	Uptime        string     `json:"uptime"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	HotKV         string     `json:"hot_kv"`
	HotKVLatency  float64    `json:"hot_kv_latency_ms"`
	Sync          *syncBlock `json:"sync,omitempty"`
}

type syncBlock struct {
	Healthy    bool    `json:"healthy"`
	Degraded   bool    `json:"degraded"`
	LastSyncAt string  `json:"last_sync_at,omitempty"`
	CacheSize  int     `json:"cache_size"`
	LagSeconds float64 `json:"lag_seconds"`
}

// HandleStatus reports process uptime, Hot KV connectivity, and node
// synchronizer health.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		NodeID:        s.NodeID,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	hotStart := time.Now()
	if s.Hot == nil {
		resp.HotKV = "unconfigured"
	} else if err := s.Hot.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: hot kv ping failed", "error", err)
		resp.HotKV = "error"
	} else {
		resp.HotKV = "ok"
	}
	resp.HotKVLatency = math.Round(float64(time.Since(hotStart).Microseconds())/10) / 100

	if s.SyncStatusFunc != nil {
		sync := s.SyncStatusFunc()
		block := &syncBlock{
			Healthy:    sync.Healthy,
			Degraded:   sync.Degraded,
			CacheSize:  sync.CacheSize,
			LagSeconds: time.Since(sync.LastSyncAt).Seconds(),
		}
		if !sync.LastSyncAt.IsZero() {
			block.LastSyncAt = sync.LastSyncAt.UTC().Format(time.RFC3339)
		}
		resp.Sync = block
	}

	if resp.HotKV == "ok" && (resp.Sync == nil || resp.Sync.Healthy || resp.Sync.Degraded) {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}
