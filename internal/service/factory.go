package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// DeliveryRecordFactory turns a paid order into one delivery per line item and fulfills
// instant items right away
type DeliveryRecordFactory struct {
	repo     DeliveryRepository
	orders   OrderRepository
	executor *FulfillmentExecutor
	sm       *StateMachine
	cfg      config.DeliveryConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewDeliveryRecordFactory creates a new delivery record factory
func NewDeliveryRecordFactory(
	repo DeliveryRepository,
	orders OrderRepository,
	executor *FulfillmentExecutor,
	sm *StateMachine,
	cfg config.DeliveryConfig,
) *DeliveryRecordFactory {
	return &DeliveryRecordFactory{
		repo:     repo,
		orders:   orders,
		executor: executor,
		sm:       sm,
		cfg:      cfg,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// HandleOrderPaid creates missing delivery records for every line item of the order.
// Items are isolated from each other: one failing item is logged and counted, the rest
// continue. Replaying the same event is a no-op.
func (f *DeliveryRecordFactory) HandleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	ctx, span := util.StartSpan(ctx, "DeliveryRecordFactory.HandleOrderPaid")
	defer span.End()

	if event.EventID != "" {
		processed, err := f.orders.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			f.logger.Info("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	f.logger.Info("Handling paid order",
		zap.Int64("order_id", event.OrderID),
		zap.Int("items", len(event.Items)))

	paidAt := event.Timestamp
	if paidAt.IsZero() {
		paidAt = f.now()
	}
	order := &models.Order{
		ID:            event.OrderID,
		CustomerID:    event.CustomerID,
		CustomerEmail: event.CustomerEmail,
		CustomerName:  event.CustomerName,
		FinalAmount:   event.FinalAmount,
		Status:        models.OrderStatusPaid,
		PaidAt:        paidAt.UTC(),
	}
	if err := f.orders.UpsertPaidOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}

	var errs []error
	for _, item := range event.Items {
		if err := f.createAndFulfill(ctx, order, item); err != nil {
			util.DeliveryCreationFailedTotal.WithLabelValues(string(item.ProductType)).Inc()
			f.logger.Error("Failed to set up delivery",
				zap.Int64("order_id", order.ID),
				zap.Int64("order_item_id", item.OrderItemID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	// A partially failed order stays unprocessed so a redelivery picks up the missing items
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d items failed for order %d: %w", len(errs), len(event.Items), order.ID, errors.Join(errs...))
	}

	if event.EventID != "" {
		if err := f.orders.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			f.logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	return nil
}

func (f *DeliveryRecordFactory) createAndFulfill(ctx context.Context, order *models.Order, item models.LineItem) error {
	sla := f.cfg.SLAFor(item.ProductType)
	if !knownProductType(item.ProductType) || sla <= 0 {
		return fmt.Errorf("%w: %q", ErrUnknownProductType, item.ProductType)
	}

	now := f.now().UTC()
	deadline := now.Add(sla)
	d := &models.Delivery{
		OrderID:        order.ID,
		OrderItemID:    item.OrderItemID,
		ProductID:      item.ProductID,
		ProductType:    item.ProductType,
		ProductName:    item.ProductName,
		DeliveryMethod: item.ProductType.Method(),
		State:          models.StatePending,
		StateChangedAt: now,
		StateHistory:   models.StateHistory{},
		SLADeadline:    &deadline,
		MaxRetries:     f.cfg.MaxRetries,
		CreatedAt:      now,
	}

	created, err := f.repo.CreateDeliveryIfMissing(ctx, d)
	if err != nil {
		return err
	}
	logger := util.DeliveryLogger(d.ID, d.OrderID)
	if !created {
		logger.Info("Delivery already exists, skipping", zap.String("state", string(d.State)))
		return nil
	}

	util.DeliveriesCreatedTotal.WithLabelValues(string(d.ProductType)).Inc()
	logger.Info("Delivery created",
		zap.String("product_type", string(d.ProductType)),
		zap.Time("sla_deadline", deadline))

	if !d.ProductType.IsInstant() {
		logger.Info("Template delivery awaiting manual provisioning")
		return nil
	}

	if err := f.sm.Transition(ctx, d, models.StateProcessing, "payment confirmed"); err != nil {
		return err
	}
	delivered, err := f.executor.FulfillInstant(ctx, d, order)
	if err != nil {
		return err
	}
	if !delivered {
		logger.Warn("Instant delivery deferred to recovery", zap.String("state", string(d.State)))
	}
	return nil
}

func knownProductType(p models.ProductType) bool {
	switch p {
	case models.ProductTypeTool, models.ProductTypeTemplate, models.ProductTypeAPIKey:
		return true
	}
	return false
}
