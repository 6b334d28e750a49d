// Package app wires the fulfillment components from configuration. It is shared by the
// HTTP server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/fileaccess"
	"fulfillment-service/internal/notify"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"go.uber.org/zap"
)

// App holds the connected infrastructure and the services built on it
type App struct {
	Config    *config.Config
	Store     *store.Store
	Redis     *redisclient.Client
	Producer  *broker.Producer
	Files     *fileaccess.Provider
	Services  *service.Services
	Scheduler *worker.SweepScheduler
}

// Build connects to Postgres, Redis and Kafka and wires every service
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := util.GetLogger()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected")

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeliveries)
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicDeliveries))

	events := broker.NewEventPublisher(producer)
	files := fileaccess.NewProvider(redisClient, cfg.Files)

	notifier, err := notify.NewOrchestrator(notify.NewGateway(cfg.Mail), events, cfg.Delivery.AdminEmail)
	if err != nil {
		producer.Close()
		redisClient.Close()
		db.Close()
		return nil, err
	}

	services := service.New(service.Dependencies{
		Deliveries: db,
		Orders:     db,
		Files:      files,
		Notifier:   notifier,
		Events:     events,
		Config:     cfg.Delivery,
	})

	lockTTL := cfg.Delivery.ClaimTTL
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}

	return &App{
		Config:    cfg,
		Store:     db,
		Redis:     redisClient,
		Producer:  producer,
		Files:     files,
		Services:  services,
		Scheduler: worker.NewSweepScheduler(services, redisClient, cfg.Delivery.SweepInterval, lockTTL),
	}, nil
}

// Close releases every connection
func (a *App) Close() {
	logger := util.GetLogger()
	if err := a.Producer.Close(); err != nil {
		logger.Warn("Error closing Kafka producer", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		logger.Warn("Error closing Redis client", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		logger.Warn("Error closing database", zap.Error(err))
	}
}
