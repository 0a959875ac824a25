// Package main is the control plane's process entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/broker"
	"github.com/agentmesh/controlplane/internal/broker/kafkabroker"
	"github.com/agentmesh/controlplane/internal/broker/memory"
	"github.com/agentmesh/controlplane/internal/broker/natsbroker"
	"github.com/agentmesh/controlplane/internal/broker/rabbitbroker"
	"github.com/agentmesh/controlplane/internal/broker/redisbroker"
	"github.com/agentmesh/controlplane/internal/broker/snsqs"
	"github.com/agentmesh/controlplane/internal/common/config"
	"github.com/agentmesh/controlplane/internal/common/httpmw"
	"github.com/agentmesh/controlplane/internal/common/logger"
	"github.com/agentmesh/controlplane/internal/controlplane"
	"github.com/agentmesh/controlplane/internal/controlplane/api"
	"github.com/agentmesh/controlplane/internal/controlplane/types"
	"github.com/agentmesh/controlplane/internal/statestore"
	statestoremem "github.com/agentmesh/controlplane/internal/statestore/memory"
	"github.com/agentmesh/controlplane/internal/statestore/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBroker(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize broker", zap.Error(err))
	}
	defer func() {
		if err := b.Cleanup(context.Background()); err != nil {
			log.Error("broker cleanup error", zap.Error(err))
		}
	}()

	store, closeStore, err := newStateStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize state store", zap.Error(err))
	}
	defer closeStore()

	svc := controlplane.New(b, store, log, controlplane.Options{
		TopicNamespace: cfg.ControlPlane.TopicNamespace,
		ServicesKey:    cfg.ControlPlane.ServicesStoreKey,
		TasksKey:       cfg.ControlPlane.TasksStoreKey,
		SessionKey:     cfg.ControlPlane.SessionStoreKey,
		StepInterval:   cfg.ControlPlane.StepIntervalDuration(),
	})

	go func() {
		if err := svc.Run(ctx); err != nil && err != context.Canceled {
			log.Error("consumer loop stopped", zap.Error(err))
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "control-plane"))
	router.Use(httpmw.CORS(cfg.ControlPlane.CORSOrigins))

	configView := types.ConfigView{
		Running:          cfg.ControlPlane.Running,
		StepInterval:     cfg.ControlPlane.StepInterval,
		ServicesStoreKey: cfg.ControlPlane.ServicesStoreKey,
		TasksStoreKey:    cfg.ControlPlane.TasksStoreKey,
		SessionStoreKey:  cfg.ControlPlane.SessionStoreKey,
		Host:             cfg.ControlPlane.Host,
		Port:             cfg.ControlPlane.Port,
		InternalHost:     cfg.ControlPlane.InternalHost,
		InternalPort:     cfg.ControlPlane.InternalPort,
		TopicNamespace:   cfg.ControlPlane.TopicNamespace,
		CORSOrigins:      cfg.ControlPlane.CORSOrigins,
	}
	api.SetupRoutes(router, svc, b, log, configView)

	bindHost, bindPort := cfg.ControlPlane.BindHost()
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", bindHost, bindPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Control plane listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Control plane stopped")
}

func newBroker(ctx context.Context, cfg *config.Config, log *logger.Logger) (broker.Broker, error) {
	kind := strings.ToLower(cfg.Broker.Kind)
	switch kind {
	case "", "simple":
		return memory.New(log), nil
	case "nats":
		return natsbroker.New(cfg.Broker.NATS, log)
	case "redis":
		return redisbroker.New(ctx, cfg.Broker.Redis, log)
	case "kafka":
		return kafkabroker.New(cfg.Broker.Kafka, log)
	case "rabbitmq":
		return rabbitbroker.New(cfg.Broker.RabbitMQ, log)
	case "sqs":
		return snsqs.New(ctx, cfg.Broker.AWS, log)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func newStateStore(ctx context.Context, cfg *config.Config) (statestore.Store, func(), error) {
	uri := cfg.ControlPlane.StateStoreURI
	if uri == "" || !strings.HasPrefix(uri, "postgres") {
		store := statestoremem.New()
		return store, func() {}, nil
	}

	store, err := postgres.New(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
