package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecoveryEngine retries failed deliveries with a remedy chosen by failure reason and
// expires download links nobody used
type RecoveryEngine struct {
	repo     DeliveryRepository
	orders   OrderRepository
	files    FileAccessProvider
	executor *FulfillmentExecutor
	sm       *StateMachine
	cfg      config.DeliveryConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewRecoveryEngine creates a new recovery engine
func NewRecoveryEngine(
	repo DeliveryRepository,
	orders OrderRepository,
	files FileAccessProvider,
	executor *FulfillmentExecutor,
	sm *StateMachine,
	cfg config.DeliveryConfig,
) *RecoveryEngine {
	return &RecoveryEngine{
		repo:     repo,
		orders:   orders,
		files:    files,
		executor: executor,
		sm:       sm,
		cfg:      cfg,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// Outcome of one recovery attempt
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeFailed    Outcome = "failed"
	OutcomeStalled   Outcome = "stalled"
	OutcomeSkipped   Outcome = "skipped"
)

// Sweep recovers one batch of failed deliveries whose retry is due
func (r *RecoveryEngine) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "RecoveryEngine.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.WithLabelValues(string(store.SweepRecovery)).Observe(time.Since(start).Seconds())
	}()

	token, rows, err := r.claim(ctx, store.SweepRecovery)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Sweep: string(store.SweepRecovery), Claimed: len(rows)}
	for i := range rows {
		d := &rows[i]
		outcome, err := r.Recover(ctx, d)
		if err != nil {
			report.Errors++
			util.DeliveryLogger(d.ID, d.OrderID).Error("Recovery attempt errored", zap.Error(err))
		}
		switch outcome {
		case OutcomeRecovered:
			report.Recovered++
		case OutcomeFailed:
			report.Failed++
		case OutcomeStalled:
			report.Stalled++
		default:
			report.Skipped++
		}
		r.release(ctx, d.ID, token)
	}

	if report.Claimed > 0 {
		r.logger.Info("Recovery sweep finished",
			zap.Int("claimed", report.Claimed),
			zap.Int("recovered", report.Recovered),
			zap.Int("failed", report.Failed),
			zap.Int("stalled", report.Stalled))
	}
	return report, nil
}

// Recover runs one recovery attempt for a failed delivery
func (r *RecoveryEngine) Recover(ctx context.Context, d *models.Delivery) (Outcome, error) {
	ctx, span := util.StartDeliverySpan(ctx, "RecoveryEngine.Recover", d.ID)
	defer span.End()

	failure := d.FailureReason
	outcome, err := r.recover(ctx, d, failure)
	util.RecoveryAttemptsTotal.WithLabelValues(string(failure), string(outcome)).Inc()
	return outcome, err
}

func (r *RecoveryEngine) recover(ctx context.Context, d *models.Delivery, failure models.FailureReason) (Outcome, error) {
	if d.State != models.StateFailed {
		return OutcomeSkipped, nil
	}

	if d.RetriesExhausted() {
		if err := r.executor.Stall(ctx, d, ReasonRetriesExceeded); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeStalled, nil
	}

	// Template sites are provisioned by hand; only a lost email can be retried automatically
	if d.ProductType == models.ProductTypeTemplate && failure != models.FailureEmailFailed {
		if err := r.executor.Stall(ctx, d, ReasonNeedsManualWork); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeStalled, nil
	}

	order, err := r.orders.GetOrderByID(ctx, d.OrderID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to load order: %w", err)
	}

	if err := r.sm.BeginRetry(ctx, d, fmt.Sprintf("retry accepted (attempt %d/%d)", d.RetryCount+1, d.MaxRetries)); err != nil {
		if errors.Is(err, ErrStaleState) {
			return OutcomeSkipped, nil
		}
		return OutcomeSkipped, err
	}

	var delivered bool
	switch failure {
	case models.FailureEmailFailed:
		if err := r.sm.Transition(ctx, d, models.StateReady, "delivery payload unchanged"); err != nil {
			return OutcomeSkipped, err
		}
		delivered, err = r.executor.SendAndDeliver(ctx, d, order)

	case models.FailureTokenExpired:
		if err := r.files.Invalidate(ctx, d.ID); err != nil {
			return r.outcomeOf(d), r.executor.Fail(ctx, d, failure, err)
		}
		delivered, err = r.executor.FulfillInstant(ctx, d, order)

	case models.FailureUnknown, models.FailureNone:
		delivered, err = r.executor.FulfillInstant(ctx, d, order)

	default:
		return OutcomeSkipped, fmt.Errorf("unhandled failure reason %q", failure)
	}

	if err != nil {
		return r.outcomeOf(d), err
	}
	if delivered {
		return OutcomeRecovered, nil
	}
	return r.outcomeOf(d), nil
}

func (r *RecoveryEngine) outcomeOf(d *models.Delivery) Outcome {
	switch d.State {
	case models.StateStalled:
		return OutcomeStalled
	case models.StateFailed:
		return OutcomeFailed
	case models.StateDelivered:
		return OutcomeRecovered
	}
	return OutcomeSkipped
}

// ExpireLinks moves ready deliveries whose links ran out (plus grace) to expired
func (r *RecoveryEngine) ExpireLinks(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "RecoveryEngine.ExpireLinks")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.WithLabelValues(string(store.SweepExpiry)).Observe(time.Since(start).Seconds())
	}()

	token, rows, err := r.claim(ctx, store.SweepExpiry)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Sweep: string(store.SweepExpiry), Claimed: len(rows)}
	for i := range rows {
		d := &rows[i]
		if err := r.sm.Transition(ctx, d, models.StateExpired, "download links expired"); err != nil {
			if errors.Is(err, ErrStaleState) {
				report.Skipped++
			} else {
				report.Errors++
			}
		} else {
			report.Expired++
		}
		r.release(ctx, d.ID, token)
	}
	return report, nil
}

func (r *RecoveryEngine) claim(ctx context.Context, kind store.SweepKind) (string, []models.Delivery, error) {
	now := r.now().UTC()
	token := uuid.New().String()
	rows, err := r.repo.ClaimDeliveries(ctx, store.ClaimQuery{
		Kind:        kind,
		Token:       token,
		Now:         now,
		LeaseUntil:  now.Add(r.cfg.ClaimTTL),
		Limit:       r.cfg.SweepBatchSize,
		ExpiryGrace: r.cfg.LinkExpiryGrace,
	})
	if err != nil {
		return "", nil, err
	}
	util.SweepClaimedTotal.WithLabelValues(string(kind)).Add(float64(len(rows)))
	return token, rows, nil
}

func (r *RecoveryEngine) release(ctx context.Context, deliveryID int64, token string) {
	if err := r.repo.ReleaseClaim(ctx, deliveryID, token); err != nil {
		r.logger.Warn("Failed to release claim", zap.Int64("delivery_id", deliveryID), zap.Error(err))
	}
}
