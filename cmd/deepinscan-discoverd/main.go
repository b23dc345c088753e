package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/config"
	"github.com/eric2023/deepinscan-sub002/internal/discovery"
	"github.com/eric2023/deepinscan-sub002/internal/event"
	"github.com/eric2023/deepinscan-sub002/internal/registry"
	"github.com/eric2023/deepinscan-sub002/internal/server"
	"github.com/eric2023/deepinscan-sub002/internal/store"
	"github.com/eric2023/deepinscan-sub002/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("discovery daemon starting", zap.String("version", version.Short()))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(bus, logger.Named("registry"))

	promReg := prometheus.NewRegistry()
	metrics := discovery.NewMetrics(promReg)

	// Optional on-disk device cache: seed the registry from the last run and
	// mirror registry changes back.
	var (
		db     *store.Store
		mirror *store.Mirror
	)
	if path := cfg.GetString("store.path"); path != "" {
		db, err = store.Open(path)
		if err != nil {
			logger.Fatal("failed to open device store", zap.Error(err))
		}
		defer db.Close()

		devices, err := store.NewDeviceStore(context.Background(), db)
		if err != nil {
			logger.Fatal("failed to migrate device store", zap.Error(err))
		}

		cached, err := devices.List(context.Background())
		if err != nil {
			logger.Warn("device cache unreadable, starting empty", zap.Error(err))
		} else if len(cached) > 0 {
			reg.Seed(cached)
			logger.Info("registry seeded from cache", zap.Int("devices", len(cached)))
		}

		mirror = store.NewMirror(devices, logger.Named("store"))
		mirror.Attach(bus)
		defer mirror.Detach()
	}

	opts := discovery.OptionsFromConfig(cfg)
	coordinator := discovery.New(reg, bus, opts, metrics, logger.Named("discovery"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coordinator.Start(ctx); err != nil {
		logger.Fatal("failed to start discovery", zap.Error(err))
	}

	addr := cfg.GetString("server.host") + ":" + strconv.Itoa(cfg.GetInt("server.port"))
	srv := server.New(addr, coordinator, promReg, logger.Named("http"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("discovery daemon ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := coordinator.Stop(); err != nil && err != discovery.ErrNotRunning {
		logger.Error("discovery stop error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("discovery daemon stopped")
}
