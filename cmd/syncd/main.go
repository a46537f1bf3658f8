package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/event"
	"fieldsync/internal/logger"
	"fieldsync/internal/monitor"
	"fieldsync/internal/realtime"
	"fieldsync/internal/store"
	"fieldsync/internal/sync"
	"fieldsync/internal/transport"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting fieldsync")

	// Init Local Store
	localStore, err := openStore(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to open local store", zap.Error(err))
	}
	defer localStore.Close()

	// Event Bus
	bus := event.NewBus()
	defer bus.Close()

	// Connection Monitor
	probe := monitor.NewHTTPProbe(cfg.Monitor.ProbeURL)
	connMonitor := monitor.NewMonitor(cfg.Monitor, probe, bus)
	connMonitor.Start()
	defer connMonitor.Stop()

	// Sync Engine
	remote := transport.NewHTTPRemote(cfg.Sync.RemoteURL)
	engine, err := sync.NewEngine(cfg.Sync, localStore, remote, connMonitor, bus)
	if err != nil {
		logger.Log.Fatal("Failed to init sync engine", zap.Error(err))
	}

	// Interval Scheduler
	scheduler := sync.NewScheduler(cfg.Sync, engine)
	if err := scheduler.Start(); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	// Realtime Subscribers, one per collection
	dialer := realtime.NewWebsocketDialer(cfg.Realtime.URL)
	var subscribers []*realtime.Subscriber
	for _, collection := range cfg.Realtime.Collections {
		sub := realtime.NewSubscriber(cfg.Realtime, collection, dialer, engine.Resolver(), bus)
		sub.Start()
		subscribers = append(subscribers, sub)
	}
	defer func() {
		for _, sub := range subscribers {
			sub.Stop()
		}
	}()

	// Control API
	handler := api.NewHandler(engine, localStore)
	router := handler.Routes()

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	engine.Stop()
	server.Close()
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg)
	}
}
