package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/config"
	logutil "github.com/edgecomet/prerender/internal/common/logger"
	"github.com/edgecomet/prerender/internal/common/metricsserver"
	"github.com/edgecomet/prerender/internal/common/redis"
	"github.com/edgecomet/prerender/internal/dispatch"
	"github.com/edgecomet/prerender/internal/lifecycle"
	"github.com/edgecomet/prerender/internal/render/chrome"
	"github.com/edgecomet/prerender/internal/render/metrics"
	"github.com/edgecomet/prerender/internal/render/registry"
	"github.com/edgecomet/prerender/internal/server"
)

func main() {
	configPath := flag.String("c", "configs/prerender.yaml", "Path to configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.LoadConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// INFO during startup even if a higher level is configured
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}

	logs := logutil.ForProcess(dynamicLogger.Logger, cfg.Server.ProcessNum)
	logger := logs.Server

	logger.Info("Prerender starting",
		zap.String("listen", cfg.ListenAddress()),
		zap.Int("max_queue_size", cfg.Queue.MaxSize),
		zap.String("render_base_url", cfg.RenderBaseURL()),
		zap.Bool("serve_files", cfg.Files.Serve),
		zap.Bool("graceful_exit", cfg.Server.GracefulExit))

	metricsCollector := metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger)

	var metricsServer *metricsserver.Server
	if cfg.Metrics.Enabled {
		listen, err := cfg.MetricsListenAddress()
		if err != nil {
			logger.Fatal("Invalid metrics listen address", zap.Error(err))
		}
		metricsServer, err = metricsserver.Start(listen, cfg.Metrics.Path, metricsCollector, logger)
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	chromeConfig := chrome.NewConfig(cfg)
	if err := chromeConfig.Validate(); err != nil {
		logger.Fatal("Invalid Chrome configuration", zap.Error(err))
	}

	engine := chrome.NewEngine(chromeConfig, logs, metricsCollector)
	dispatcher := dispatch.NewDispatcher(engine, cfg.Queue.MaxSize, logs, metricsCollector)
	srv := server.NewServer(&cfg.Files, dispatcher, logs, metricsCollector)

	coordinator := lifecycle.NewCoordinator(lifecycle.Config{
		ListenAddress:   cfg.ListenAddress(),
		GracefulExit:    cfg.Server.GracefulExit,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.ToDuration(),
	}, srv.HTTPServer(), dispatcher, engine, logs)

	if err := coordinator.Start(); err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}

	var (
		redisClient *redis.Client
		heartbeat   *registry.Heartbeat
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}

		heartbeat = newHeartbeat(cfg, registry.NewRegistry(redisClient, logger), dispatcher, logger)
		if err := heartbeat.Start(); err != nil {
			logger.Fatal("Failed to register instance", zap.Error(err))
		}
	}

	logger.Info("Prerender ready, waiting for Chrome", zap.String("listen", coordinator.Addr().String()))

	dynamicLogger.SwitchToConfiguredLevel()

	// Signals only ask the engine to stop; its termination callback drives the exit
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		dynamicLogger.EnsureInfoLevelForShutdown()
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		engine.Shutdown()
	}()

	exitCode := coordinator.Wait()
	dynamicLogger.EnsureInfoLevelForShutdown()

	// the engine may have terminated on its own
	engine.Shutdown()

	if heartbeat != nil {
		heartbeat.Stop()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		cancel()
	}

	logger.Info("Prerender stopped", zap.Int("exit_code", exitCode))
	_ = dynamicLogger.Sync()
	os.Exit(exitCode)
}

// newHeartbeat advertises this process as <hostname>-<port>
func newHeartbeat(cfg *config.Config, reg *registry.Registry, status registry.StatusProvider, logger *zap.Logger) *registry.Heartbeat {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "prerender"
	}

	address := cfg.Server.Host
	if address == "" || address == "0.0.0.0" {
		address = hostname
	}

	id := fmt.Sprintf("%s-%d", hostname, cfg.Port())
	return registry.NewHeartbeat(reg, status, id, address, cfg.Port(), logger)
}
