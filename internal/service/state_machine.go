package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/lifecycle"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StateMachine validates transitions against the rule table and persists them with a
// compare-and-set on the current state. It performs no other side effects.
type StateMachine struct {
	repo   DeliveryRepository
	rules  *lifecycle.Rules
	events EventPublisher
	now    func() time.Time
	logger *zap.Logger
}

// NewStateMachine creates a new state machine
func NewStateMachine(repo DeliveryRepository, rules *lifecycle.Rules, events EventPublisher) *StateMachine {
	return &StateMachine{
		repo:   repo,
		rules:  rules,
		events: events,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

type transitionOpts struct {
	failure    *models.FailureReason
	nextRetry  *time.Time
	countRetry bool
}

// Transition moves d to state `to`. On success d reflects the persisted row; on any error
// d is left as it was.
func (sm *StateMachine) Transition(ctx context.Context, d *models.Delivery, to models.DeliveryState, reason string) error {
	return sm.apply(ctx, d, to, reason, transitionOpts{})
}

// Fail moves d to failed, recording the cause and when recovery may pick it up
func (sm *StateMachine) Fail(ctx context.Context, d *models.Delivery, failure models.FailureReason, nextRetry time.Time, reason string) error {
	return sm.apply(ctx, d, models.StateFailed, reason, transitionOpts{failure: &failure, nextRetry: &nextRetry})
}

// BeginRetry moves a failed delivery back to processing and spends one retry in the same write
func (sm *StateMachine) BeginRetry(ctx context.Context, d *models.Delivery, reason string) error {
	if d.State == models.StateFailed && d.RetriesExhausted() {
		return fmt.Errorf("delivery %d: %w", d.ID, ErrRetriesExhausted)
	}
	return sm.apply(ctx, d, models.StateProcessing, reason, transitionOpts{countRetry: true})
}

func (sm *StateMachine) apply(ctx context.Context, d *models.Delivery, to models.DeliveryState, reason string, opts transitionOpts) error {
	ctx, span := util.StartDeliverySpan(ctx, "StateMachine.Transition", d.ID)
	defer span.End()

	logger := util.DeliveryLogger(d.ID, d.OrderID)
	now := sm.now().UTC()

	candidate := *d
	candidate.StateHistory = append(models.StateHistory(nil), d.StateHistory...)

	entry, err := sm.rules.Apply(&candidate, to, reason, now)
	if err != nil {
		code := "UNKNOWN"
		var te *lifecycle.TransitionError
		if errors.As(err, &te) {
			code = string(te.Code)
		}
		util.TransitionsRejectedTotal.WithLabelValues(string(d.State), string(to), code).Inc()
		logger.Warn("Rejected delivery transition",
			zap.String("from", string(d.State)),
			zap.String("to", string(to)),
			zap.String("code", code),
			zap.String("reason", reason))
		return err
	}

	w := store.TransitionWrite{
		DeliveryID:    d.ID,
		Entry:         entry,
		FailureReason: opts.failure,
		NextRetryAt:   opts.nextRetry,
		CountRetry:    opts.countRetry,
	}
	if err := sm.repo.ApplyTransition(ctx, w); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			util.TransitionsRejectedTotal.WithLabelValues(string(d.State), string(to), "STALE").Inc()
			logger.Warn("Delivery changed concurrently, transition dropped",
				zap.String("from", string(d.State)),
				zap.String("to", string(to)))
		}
		return fmt.Errorf("failed to persist transition %s -> %s: %w", d.State, to, err)
	}

	if opts.failure != nil {
		candidate.FailureReason = *opts.failure
	}
	candidate.NextRetryAt = opts.nextRetry
	if opts.countRetry {
		candidate.RetryCount++
		candidate.LastRetryAt = &now
	}
	*d = candidate

	util.TransitionsTotal.WithLabelValues(string(entry.From), string(entry.To)).Inc()
	logger.Info("Delivery transitioned",
		zap.String("from", string(entry.From)),
		zap.String("to", string(entry.To)),
		zap.String("reason", reason))

	event := &models.DeliveryStateChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeDeliveryStateChanged,
			Timestamp: now,
		},
		DeliveryID: d.ID,
		OrderID:    d.OrderID,
		From:       entry.From,
		To:         entry.To,
		Reason:     reason,
	}
	if err := sm.events.PublishDeliveryStateChanged(ctx, event); err != nil {
		logger.Error("Failed to publish state change event", zap.Error(err))
	}

	return nil
}
