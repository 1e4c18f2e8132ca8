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

	"github.com/meridianfs/meridian/internal/broker"
	"github.com/meridianfs/meridian/internal/config"
	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/server"
	"github.com/meridianfs/meridian/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	port := flag.String("port", "", "Override the listen port")
	logLevel := flag.String("log-level", "", "Override the log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	fmt.Println("meridian - MGM FUSE metadata broker")
	logger.Info("log level set to: %s", cfg.Logging.Level)

	ns, err := config.CreateNamespaceStore(&cfg.Metadata)
	if err != nil {
		log.Fatalf("Failed to create namespace store: %v", err)
	}
	logger.Info("namespace store: %s", cfg.Metadata.Type)

	var brokerMetrics broker.Metrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if m := metrics.NewBrokerMetrics(); m != nil {
			brokerMetrics = m
		}
		go metrics.ServeHTTP(cfg.Metrics.Listen)
	}

	opts := broker.Options{
		Namespace: ns,
		Quota:     namespace.NewStaticOracle(),
		Registry: broker.RegistryConfig{
			HeartbeatInterval:  cfg.Broker.HeartbeatInterval,
			HeartbeatWindow:    cfg.Broker.HeartbeatWindow,
			OfflineWindow:      cfg.Broker.OfflineWindow,
			RemoveWindow:       cfg.Broker.RemoveWindow,
			QuotaCheckInterval: cfg.Broker.QuotaCheckInterval,
		},
		FlushTTL: cfg.Broker.FlushTTL,
		Metrics:  brokerMetrics,
	}
	if cfg.Broker.RecycleBin != "" {
		opts.Recycler = broker.NewBinRecycler(ns, cfg.Broker.RecycleBin)
	}

	// the transport and the broker reference each other; the broker is
	// built first with a transport that forwards to the server assigned
	// right after it
	var srv *server.Server
	opts.Transport = transportFunc(func(clientID string, data []byte) error {
		return srv.Reply(clientID, data)
	})
	b := broker.New(opts)
	srv = server.New(server.Options{
		Port:           cfg.Server.Port,
		Workers:        cfg.Server.Workers,
		MaxConnections: cfg.Server.MaxConnections,
		RateLimit:      cfg.Server.RateLimit,
		Burst:          cfg.Server.Burst,
	}, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.MonitorHeartBeat(ctx)
	go b.MonitorCaps(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("server is running; send SIGINT or SIGTERM to stop")
	select {
	case <-sigChan:
		logger.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error: %v", err)
			os.Exit(1)
		}
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("shutdown timed out after %s", cfg.Server.ShutdownTimeout)
	}

	if closer, ok := ns.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("closing namespace store: %v", err)
		}
	}
}

// transportFunc adapts a function to the broker transport interface.
type transportFunc func(clientID string, data []byte) error

func (f transportFunc) Reply(clientID string, data []byte) error {
	return f(clientID, data)
}
