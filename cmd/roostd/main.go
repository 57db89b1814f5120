package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/roost/internal/logger"
	"github.com/marmos91/roost/internal/server"
	"github.com/marmos91/roost/pkg/config"
	"github.com/marmos91/roost/pkg/coord"
	"github.com/marmos91/roost/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	listenAddress := flag.String("listen", "", "Client listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *listenAddress != "" {
		cfg.Server.ListenAddress = *listenAddress
	}

	logger.SetLevel(cfg.Logging.Level)

	fmt.Println("roost - coordination service")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Namespace store
	st, err := config.CreateStore(&cfg.Store)
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing store: %v", err)
		}
	}()
	logger.Info("Using %s store", cfg.Store.Type)

	// Metrics
	var metricsServer *metrics.Server
	var connMetrics metrics.ConnMetrics
	if cfg.Metrics.Enabled {
		metrics.Enable()
		connMetrics = metrics.NewConnMetrics()
		metricsServer = metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
		metricsServer.Start()
	} else {
		connMetrics = metrics.NewNoopConnMetrics()
	}

	// Coordination core
	core := coord.New(coord.Config{
		ServerID:               cfg.Coord.ServerID,
		TickTime:               cfg.Coord.TickTime,
		MinSessionTimeout:      cfg.Coord.MinSessionTimeout,
		MaxSessionTimeout:      cfg.Coord.MaxSessionTimeout,
		GlobalOutstandingLimit: cfg.Coord.GlobalOutstandingLimit,
		ClientAddress:          cfg.Server.ListenAddress,
		MaxClientCnxns:         cfg.Server.MaxClientCnxns,
	}, st)

	// Client front-end
	factory, err := server.NewFactory(server.Config{
		ListenAddress:      cfg.Server.ListenAddress,
		MaxClientCnxns:     cfg.Server.MaxClientCnxns,
		MaxFrameBytes:      cfg.Server.MaxFrameBytes,
		StagingBufferBytes: cfg.Server.StagingBufferBytes,
		AcceptRate:         cfg.Server.AcceptRate,
		AcceptBurst:        cfg.Server.AcceptBurst,
		WriteTimeout:       cfg.Server.WriteTimeout,
	}, core, connMetrics)
	if err != nil {
		log.Fatalf("Failed to start front-end: %v", err)
	}

	core.SetConnFactory(factory)
	core.Start()
	factory.Start()
	logger.Info("Serving clients on %s", factory.LocalAddr())

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	factory.Shutdown()
	core.Shutdown()

	if metricsServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := metricsServer.Stop(stopCtx); err != nil {
			logger.Error("Error stopping metrics server: %v", err)
		}
	}

	logger.Info("roost stopped gracefully")
}
