package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mergetree-io/mergetree/internal/client"
	"github.com/mergetree-io/mergetree/internal/config"
	"github.com/mergetree-io/mergetree/internal/coord"
	"github.com/mergetree-io/mergetree/internal/coord/etcdcoord"
	"github.com/mergetree-io/mergetree/internal/coord/memcoord"
	"github.com/mergetree-io/mergetree/internal/health"
	"github.com/mergetree-io/mergetree/internal/metrics"
	"github.com/mergetree-io/mergetree/internal/server"
	"github.com/mergetree-io/mergetree/internal/service"
	"github.com/mergetree-io/mergetree/internal/storage/merger"
	"github.com/mergetree-io/mergetree/internal/storage/parts"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("replica", cfg.Server.ReplicaName),
		zap.String("table", cfg.Table.Path),
		zap.String("data_dir", cfg.Storage.DataDir))

	coordClient, err := newCoordClient(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to coordinator", zap.Error(err))
	}
	defer coordClient.Close()

	catalog, err := parts.NewCatalog(cfg.Storage.DataDir, cfg.Storage.OldPartsLifetime, logger)
	if err != nil {
		logger.Fatal("Failed to open part catalog", zap.Error(err))
	}
	mrg := merger.New(catalog, cfg.Table.IndexGranularity, logger)

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	var liveness service.PeerLiveness
	var gossip *service.GossipService
	if cfg.Gossip.Enabled {
		gossip, err = service.NewGossipService(&service.GossipConfig{
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.ReplicaName, logger)
		if err != nil {
			logger.Fatal("Failed to start gossip", zap.Error(err))
		}
		liveness = gossip
	}

	partClient := client.NewPartClient(cfg.Replication.FetchTimeout, cfg.Replication.FetchRetries, logger)
	endpoints := server.NewEndpointRegistry()

	table := service.NewTableService(service.TableOptions{
		TablePath:          cfg.Table.Path,
		ReplicaName:        cfg.Server.ReplicaName,
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		Attach:             cfg.Table.Attach,
		Metadata:           cfg.Metadata(),
		ReplicationThreads: cfg.Replication.Threads,
		MergingThreads:     cfg.Replication.MergingThreads,
		Tuning:             service.DefaultTuning(),
	}, coordClient, catalog, mrg, partClient, liveness, endpoints, m, logger)

	interserver := server.NewInterserverServer(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), endpoints, logger)
	serveErr := interserver.Start()

	ctx := context.Background()
	if err := table.Startup(ctx); err != nil {
		logger.Fatal("Replica startup failed", zap.Error(err))
	}

	cleanup := service.NewCleanupService(catalog, cfg.Storage.CleanupInterval, cfg.Storage.TempDirMaxAge, logger)
	cleanup.Start()

	checker := health.NewChecker(cfg.Server.ReplicaName, cfg.Storage.DataDir, table.Queue(), table.IsLeader, logger)
	checker.Start()

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics.Port, registry, checker, logger)
		metricsServer.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("Inter-server endpoint failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	checker.Stop()
	if metricsServer != nil {
		metricsServer.Stop()
	}
	cleanup.Stop()
	if err := table.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown reported errors", zap.Error(err))
	}
	if gossip != nil {
		gossip.Stop()
	}
	interserver.Stop()
	logger.Info("Shutdown complete")
}

func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func newCoordClient(cfg *config.Config, logger *zap.Logger) (coord.Client, error) {
	switch cfg.Coordinator.Backend {
	case "memory":
		// Single-process mode: the whole coordinator lives in this process.
		return memcoord.NewServer().NewClient(), nil
	default:
		return etcdcoord.New(&etcdcoord.Config{
			Endpoints:   cfg.Coordinator.Endpoints,
			DialTimeout: cfg.Coordinator.DialTimeout,
			SessionTTL:  cfg.Coordinator.SessionTTL,
		}, logger)
	}
}
