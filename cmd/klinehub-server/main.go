package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klinehub/internal/archive"
	"klinehub/internal/config"
	"klinehub/internal/exchange"
	"klinehub/internal/fill"
	"klinehub/internal/gaps"
	"klinehub/internal/gateway"
	"klinehub/internal/httpapi"
	"klinehub/internal/ingest"
	"klinehub/internal/norm"
	"klinehub/internal/symbols"
	"klinehub/internal/util"
)

func main() {
	cfgPath := os.Getenv("KLINEHUB_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := openGateway(ctx, cfg)
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}

	registry, err := symbols.OpenSQLiteRegistry(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening symbol registry: %v", err)
	}
	defer registry.Close()

	n := norm.New(cfg.Norm.MaxRejectFraction)
	backfiller := archive.NewBackfiller(
		exchange.NewArchiveClient(cfg.Exchange.ArchiveBaseURL, cfg.Exchange.Timeout()),
		n, gw, registry, cfg.Backfill.MaxParallel, cfg.Backfill.ArchiveLag(), nil)
	detector := gaps.NewDetector(gw, nil)
	filler := fill.NewFiller(
		exchange.NewRestClient(cfg.Exchange.APIBaseURL, cfg.Exchange.RateLimitPerMin, cfg.Exchange.Timeout()),
		n, gw, cfg.Fill.ChunkSize,
		fill.RetryPolicy{
			MaxAttempts: cfg.Fill.MaxAttempts,
			BaseDelay:   cfg.Fill.BaseDelay(),
			MaxDelay:    cfg.Fill.MaxDelay(),
		})

	svc := ingest.NewService(backfiller, detector, filler, gw, registry)
	api := httpapi.NewServer(svc, gw, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "backend", cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// openGateway builds the configured storage backend.
func openGateway(ctx context.Context, cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.Storage.Backend {
	case "clickhouse":
		return gateway.OpenClickHouse(ctx, gateway.ClickHouseOptions{
			Addr:     cfg.Storage.ClickHouseAddr,
			Database: cfg.Storage.Database,
			Username: cfg.Storage.Username,
			Password: cfg.Storage.Password,
			Table:    cfg.Storage.Table,
		})
	case "parquet":
		return gateway.NewLocal(cfg.Storage.DataDir), nil
	case "memory":
		return gateway.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
