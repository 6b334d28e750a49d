package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderPaidWorker turns ORDER_PAID events into delivery records
type OrderPaidWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderPaidWorker creates a new order paid worker
func NewOrderPaidWorker(consumer *broker.Consumer, factory *service.DeliveryRecordFactory) *OrderPaidWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderPaid(factory.HandleOrderPaid)

	return &OrderPaidWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *OrderPaidWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order paid worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderPaidWorker) Stop() error {
	w.logger.Info("Stopping order paid worker")
	return w.consumer.Close()
}

// SweepFunc runs one batch of a sweep
type SweepFunc func(ctx context.Context) (*service.SweepReport, error)

// Locker is the distributed lock the scheduler takes around each sweep run
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, owner string) error
}

type sweep struct {
	name string
	run  SweepFunc
}

// SweepScheduler runs the SLA, recovery and expiry sweeps on a ticker. Replicas coordinate
// through a Redis lock per sweep; row claims still decide who processes what.
type SweepScheduler struct {
	sweeps   []sweep
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	owner    string
	logger   *zap.Logger
}

// NewSweepScheduler creates a scheduler for the sweeps of svc
func NewSweepScheduler(svc *service.Services, locker Locker, interval, lockTTL time.Duration) *SweepScheduler {
	return &SweepScheduler{
		sweeps: []sweep{
			{name: "sla", run: svc.SLA.Sweep},
			{name: "recovery", run: svc.Recovery.Sweep},
			{name: "expiry", run: svc.Recovery.ExpireLinks},
		},
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		owner:    uuid.New().String(),
		logger:   util.GetLogger(),
	}
}

// Start runs every sweep once per interval until ctx is cancelled
func (s *SweepScheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting sweep scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweep scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll runs each sweep once. Errors are logged; one failing sweep does not stop the others.
func (s *SweepScheduler) RunAll(ctx context.Context) {
	for _, sw := range s.sweeps {
		if _, _, err := s.Run(ctx, sw.name); err != nil {
			s.logger.Error("Sweep failed", zap.String("sweep", sw.name), zap.Error(err))
		}
	}
}

// Run runs the named sweep under its lock. ran is false when another replica holds the lock.
func (s *SweepScheduler) Run(ctx context.Context, name string) (report *service.SweepReport, ran bool, err error) {
	var fn SweepFunc
	for _, sw := range s.sweeps {
		if sw.name == name {
			fn = sw.run
		}
	}
	if fn == nil {
		return nil, false, fmt.Errorf("unknown sweep %q", name)
	}

	lockKey := "sweep:" + name
	acquired, err := s.locker.AcquireLock(ctx, lockKey, s.owner, s.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	if !acquired {
		s.logger.Debug("Sweep lock held elsewhere", zap.String("sweep", name))
		return nil, false, nil
	}
	defer func() {
		if err := s.locker.ReleaseLock(context.Background(), lockKey, s.owner); err != nil {
			s.logger.Warn("Failed to release sweep lock", zap.String("sweep", name), zap.Error(err))
		}
	}()

	report, err = fn(ctx)
	if err != nil {
		return nil, true, err
	}
	if report.Claimed > 0 {
		s.logger.Info("Sweep completed",
			zap.String("sweep", name),
			zap.Int("claimed", report.Claimed),
			zap.Int("errors", report.Errors))
	}
	return report, true, nil
}
