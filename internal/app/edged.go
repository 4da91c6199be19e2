// Package app wires the two process entry points — cmd/edged (the
// per-edge-node Decision API) and cmd/configd (the central Config API) —
// following wisbric-nightowl/internal/app/app.go's Run(ctx, cfg)
// infra-setup-then-dispatch shape and its runAPI goroutine+errCh graceful
// shutdown pattern.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/cdndefense/internal/anomaly"
	"github.com/wisbric/cdndefense/internal/api/edgeapi"
	"github.com/wisbric/cdndefense/internal/audit"
	"github.com/wisbric/cdndefense/internal/config"
	"github.com/wisbric/cdndefense/internal/configstore"
	"github.com/wisbric/cdndefense/internal/decision"
	"github.com/wisbric/cdndefense/internal/eventbus"
	"github.com/wisbric/cdndefense/internal/fingerprint"
	kvetcd "github.com/wisbric/cdndefense/internal/kv/etcd"
	kvredis "github.com/wisbric/cdndefense/internal/kv/redis"
	"github.com/wisbric/cdndefense/internal/httpserver"
	"github.com/wisbric/cdndefense/internal/nodesync"
	"github.com/wisbric/cdndefense/internal/platform"
	"github.com/wisbric/cdndefense/internal/policycache"
	"github.com/wisbric/cdndefense/internal/ratelimit"
	"github.com/wisbric/cdndefense/internal/telemetry"
	"github.com/wisbric/cdndefense/internal/version"
)

// RunEdged is cmd/edged's entry point: the per-node process that serves
// the Decision API (spec §6) by combining the Rate Limiter, Anomaly
// Detector, Fingerprint/Bot module, and Policy Cache into the Decision
// Engine, fed by a local Node Synchronizer mirror of the Global Config
// Store.
func RunEdged(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting edged", "node_id", cfg.NodeID, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "cdndefense-edged", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	etcdClient, err := platform.NewEtcdClient(ctx, cfg.EtcdEndpoint())
	if err != nil {
		return fmt.Errorf("connecting to etcd: %w", err)
	}
	defer func() {
		if err := etcdClient.Close(); err != nil {
			logger.Error("closing etcd", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	hot := kvredis.New(rdb)
	cold := kvetcd.New(etcdClient)

	sync := nodesync.New(cold, logger)
	syncErrCh := make(chan error, 1)
	go func() {
		if err := sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			syncErrCh <- err
		}
	}()

	cache := policycache.New(sync)
	sync.OnChange(cache.Invalidate)

	limiter := ratelimit.New(hot)
	detector := anomaly.New(hot)
	validator := fingerprint.NewValidator(hot)
	botDetector := fingerprint.NewBotDetector(hot)
	trust := fingerprint.NewTrustStore(hot)
	challenges := fingerprint.NewChallengeStore(hot, validator, botDetector, trust)

	auditLog := audit.New(hot)
	bus := eventbus.New(hot, cfg.NodeID)

	failMode := decision.FailOpen
	if cfg.FailClosed {
		failMode = decision.FailClosed
	}
	engine := decision.New(hot, cache, limiter, detector, validator, botDetector, auditLog, bus, logger, cfg.NodeID, failMode)

	// The Decision API's GET/POST /config (spec §6) reads and writes the
	// same Cold KV the control plane owns, so edged shares the
	// configstore.Store type (not a separate writer process) for those
	// endpoints; cmd/configd remains the process operators point the
	// admin plane's Config API at for everything else.
	configs := configstore.New(cold)

	srv := httpserver.NewServer(cfg, logger, rdb, etcdClient, metricsReg)
	srv.SyncStatusFunc = func() httpserver.SyncStatus {
		status := sync.Status()
		return httpserver.SyncStatus{
			Healthy:    status.WatchOK,
			Degraded:   status.Degraded,
			LastSyncAt: status.LastSyncAt,
			CacheSize:  status.CacheSize,
		}
	}

	edgeHandler := edgeapi.NewHandler(logger, engine, configs, auditLog, challenges, trust)
	srv.APIRouter.Mount("/", edgeHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("edged listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down edged")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	case err := <-syncErrCh:
		return fmt.Errorf("node synchronizer: %w", err)
	}
}
