package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Escalation reasons
const (
	ReasonSLABreach       = "sla_breach"
	ReasonSLAAtRisk       = "sla_at_risk"
	ReasonRetriesExceeded = "max retries exceeded"
	ReasonNeedsManualWork = "template needs manual provisioning"
)

// Escalator raises a delivery's escalation level and alerts staff. Only the caller whose
// compare-and-set wins sends the alert.
type Escalator struct {
	repo     DeliveryRepository
	notifier Notifier
	events   EventPublisher
	now      func() time.Time
	logger   *zap.Logger
}

// NewEscalator creates a new escalator
func NewEscalator(repo DeliveryRepository, notifier Notifier, events EventPublisher) *Escalator {
	return &Escalator{
		repo:     repo,
		notifier: notifier,
		events:   events,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// Escalate raises d by one level. It reports false when a concurrent caller already raised
// the level d was read at.
func (e *Escalator) Escalate(ctx context.Context, d *models.Delivery, reason string) (bool, error) {
	ctx, span := util.StartDeliverySpan(ctx, "Escalator.Escalate", d.ID)
	defer span.End()

	logger := util.DeliveryLogger(d.ID, d.OrderID)
	now := e.now().UTC()
	from, to := d.EscalationLevel, d.EscalationLevel+1

	won, err := e.repo.RaiseEscalation(ctx, d.ID, from, to, now)
	if err != nil {
		return false, fmt.Errorf("failed to escalate delivery %d: %w", d.ID, err)
	}
	if !won {
		logger.Info("Escalation already raised by another actor", zap.Int("level", from))
		return false, nil
	}

	d.EscalationLevel = to
	d.LastEscalatedAt = &now

	severity := models.SeverityForLevel(to)
	util.EscalationsTotal.WithLabelValues(reason, severity).Inc()
	logger.Warn("Delivery escalated",
		zap.Int("level", to),
		zap.String("severity", severity),
		zap.String("reason", reason),
		zap.String("state", string(d.State)))

	if err := e.notifier.SendAdminAlert(ctx, d, to, reason); err != nil {
		logger.Error("Failed to send admin alert", zap.Error(err))
	}

	event := &models.DeliveryEscalatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeDeliveryEscalated,
			Timestamp: now,
		},
		DeliveryID: d.ID,
		OrderID:    d.OrderID,
		Level:      to,
		Severity:   severity,
		Reason:     reason,
	}
	if err := e.events.PublishDeliveryEscalated(ctx, event); err != nil {
		logger.Error("Failed to publish escalation event", zap.Error(err))
	}

	return true, nil
}
