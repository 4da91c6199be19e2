package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/cdndefense/internal/api/adminapi"
	"github.com/wisbric/cdndefense/internal/config"
	"github.com/wisbric/cdndefense/internal/configstore"
	kvetcd "github.com/wisbric/cdndefense/internal/kv/etcd"
	"github.com/wisbric/cdndefense/internal/httpserver"
	"github.com/wisbric/cdndefense/internal/nodesync"
	"github.com/wisbric/cdndefense/internal/platform"
	"github.com/wisbric/cdndefense/internal/policycache"
	"github.com/wisbric/cdndefense/internal/telemetry"
	"github.com/wisbric/cdndefense/internal/version"
)

// RunConfigd is cmd/configd's entry point: the central control-plane
// process that owns the Global Config Store's Cold KV writer and serves
// the Config API (spec §4.G, §6, §9: "G is the truth").
func RunConfigd(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting configd", "node_id", cfg.NodeID, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "cdndefense-configd", version.Version)
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

	etcdClient, err := platform.NewEtcdClient(ctx, cfg.EtcdEndpoint())
	if err != nil {
		return fmt.Errorf("connecting to etcd: %w", err)
	}
	defer func() {
		if err := etcdClient.Close(); err != nil {
			logger.Error("closing etcd", "error", err)
		}
	}()

	// configd has no request-path Hot KV dependency of its own, but the
	// shared Server wants a redis client for /readyz; dial it too so
	// operators see an accurate status block rather than "unconfigured".
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	cold := kvetcd.New(etcdClient)
	store := configstore.New(cold)

	// A local synchronizer gives the admin plane's /sync-status and
	// /monitor/global-sync something real to report even from the
	// writer side (spec §6).
	sync := nodesync.New(cold, logger)
	syncErrCh := make(chan error, 1)
	go func() {
		if err := sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			syncErrCh <- err
		}
	}()

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

	cache := policycache.New(sync)
	sync.OnChange(cache.Invalidate)

	adminHandler := adminapi.NewHandler(logger, store, sync, cache)
	srv.APIRouter.Mount("/", adminHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("configd listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down configd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	case err := <-syncErrCh:
		return fmt.Errorf("node synchronizer: %w", err)
	}
}
