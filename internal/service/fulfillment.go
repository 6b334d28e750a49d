package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/lifecycle"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Backoff returns base * 2^(attempt-1). Attempts below 1 are treated as 1.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1))
	if factor > float64(math.MaxInt64)/float64(base) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(float64(base) * factor)
}

// FulfillmentExecutor runs the side effects around transitions: link issuance, customer
// emails and the failure bookkeeping that follows a failed remedy.
type FulfillmentExecutor struct {
	repo      DeliveryRepository
	orders    OrderRepository
	files     FileAccessProvider
	notifier  Notifier
	sm        *StateMachine
	escalator *Escalator
	cfg       config.DeliveryConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewFulfillmentExecutor creates a new fulfillment executor
func NewFulfillmentExecutor(
	repo DeliveryRepository,
	orders OrderRepository,
	files FileAccessProvider,
	notifier Notifier,
	sm *StateMachine,
	escalator *Escalator,
	cfg config.DeliveryConfig,
) *FulfillmentExecutor {
	return &FulfillmentExecutor{
		repo:      repo,
		orders:    orders,
		files:     files,
		notifier:  notifier,
		sm:        sm,
		escalator: escalator,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// IssueLinks mints one download link per product file and stores the snapshot on d
func (fe *FulfillmentExecutor) IssueLinks(ctx context.Context, d *models.Delivery) error {
	ctx, span := util.StartDeliverySpan(ctx, "FulfillmentExecutor.IssueLinks", d.ID)
	defer span.End()

	files, err := fe.orders.GetProductFiles(ctx, d.ProductID)
	if err != nil {
		return fmt.Errorf("failed to get product files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("product %d has no downloadable files", d.ProductID)
	}

	link := models.DeliveryLink{Files: make([]models.DownloadFile, 0, len(files))}
	for _, f := range files {
		df, err := fe.files.GenerateDownloadLink(ctx, d.ID, f, d.OrderID)
		if err != nil {
			return fmt.Errorf("failed to generate link for file %s: %w", f.FileID, err)
		}
		link.Files = append(link.Files, df)
	}

	if err := fe.repo.SaveDeliveryLink(ctx, d.ID, link); err != nil {
		return err
	}
	d.DeliveryLink = link
	d.LinkExpiresAt = link.EarliestExpiry()
	return nil
}

// FulfillInstant takes a processing tool or api_key delivery through link issuance and the
// delivery email. It reports whether d ended up delivered; a false result with a nil error
// means the failure was recorded on d.
func (fe *FulfillmentExecutor) FulfillInstant(ctx context.Context, d *models.Delivery, order *models.Order) (bool, error) {
	if err := fe.IssueLinks(ctx, d); err != nil {
		return false, fe.Fail(ctx, d, models.FailureUnknown, err)
	}
	if err := fe.sm.Transition(ctx, d, models.StateReady, "download links issued"); err != nil {
		return false, err
	}
	return fe.SendAndDeliver(ctx, d, order)
}

// SendAndDeliver sends the delivery or credentials email for a ready delivery and moves it
// to delivered. A failed send is recorded as failed(email_failed).
func (fe *FulfillmentExecutor) SendAndDeliver(ctx context.Context, d *models.Delivery, order *models.Order) (bool, error) {
	if err := fe.sendCustomerEmail(ctx, d, order); err != nil {
		return false, fe.Fail(ctx, d, models.FailureEmailFailed, err)
	}
	if err := fe.sm.Transition(ctx, d, models.StateDelivered, "delivery email sent"); err != nil {
		return false, err
	}
	return true, nil
}

// Resend repeats the customer email without touching the state
func (fe *FulfillmentExecutor) Resend(ctx context.Context, d *models.Delivery, order *models.Order) error {
	return fe.sendCustomerEmail(ctx, d, order)
}

func (fe *FulfillmentExecutor) sendCustomerEmail(ctx context.Context, d *models.Delivery, order *models.Order) error {
	if d.ProductType != models.ProductTypeTemplate {
		return fe.notifier.SendDelivery(ctx, d, order)
	}

	if err := fe.notifier.SendCredentials(ctx, d, order); err != nil {
		return err
	}
	now := fe.now().UTC()
	if err := fe.repo.MarkCredentialsSent(ctx, d.ID, now); err != nil {
		return fmt.Errorf("failed to record credentials sent: %w", err)
	}
	d.CredentialsSentAt = &now
	return nil
}

// CanDriveToReady reports whether DriveToReady would accept d, without touching it
func (fe *FulfillmentExecutor) CanDriveToReady(d *models.Delivery) error {
	switch d.State {
	case models.StatePending, models.StateIssue, models.StateFailed:
		return fe.sm.rules.Validate(d, models.StateProcessing)
	case models.StateProcessing, models.StateReady:
		return nil
	}
	return &lifecycle.TransitionError{
		Code:       lifecycle.CodeIllegalEdge,
		DeliveryID: d.ID,
		From:       d.State,
		To:         models.StateReady,
	}
}

// DriveToReady moves a pending, issue, failed or processing delivery to ready. Instant
// products get fresh links on the way. Admin-driven, so no retry is spent.
func (fe *FulfillmentExecutor) DriveToReady(ctx context.Context, d *models.Delivery, reason string) error {
	if err := fe.CanDriveToReady(d); err != nil {
		return err
	}

	switch d.State {
	case models.StateReady:
		return nil
	case models.StatePending, models.StateIssue, models.StateFailed:
		if err := fe.sm.Transition(ctx, d, models.StateProcessing, reason); err != nil {
			return err
		}
	}

	if d.ProductType != models.ProductTypeTemplate {
		if err := fe.IssueLinks(ctx, d); err != nil {
			return fe.Fail(ctx, d, models.FailureUnknown, err)
		}
	}
	return fe.sm.Transition(ctx, d, models.StateReady, reason)
}

// Fail records a failed remedy on d. The next attempt is scheduled with exponential backoff;
// once the retry budget is spent the delivery stalls and staff are alerted. The returned
// error only reports problems persisting that outcome.
func (fe *FulfillmentExecutor) Fail(ctx context.Context, d *models.Delivery, reason models.FailureReason, cause error) error {
	logger := util.DeliveryLogger(d.ID, d.OrderID)
	logger.Warn("Delivery attempt failed",
		zap.String("failure_reason", string(reason)),
		zap.Int("retry_count", d.RetryCount),
		zap.Error(cause))

	next := fe.now().UTC().Add(Backoff(fe.cfg.RetryBaseDelay, d.RetryCount+1))
	if err := fe.sm.Fail(ctx, d, reason, next, fmt.Sprintf("%s: %v", reason, cause)); err != nil {
		return err
	}

	if d.RetriesExhausted() {
		return fe.Stall(ctx, d, ReasonRetriesExceeded)
	}
	return nil
}

// Stall moves a failed delivery to stalled and escalates it
func (fe *FulfillmentExecutor) Stall(ctx context.Context, d *models.Delivery, reason string) error {
	if err := fe.sm.Transition(ctx, d, models.StateStalled, reason); err != nil {
		return err
	}
	if _, err := fe.escalator.Escalate(ctx, d, reason); err != nil {
		util.DeliveryLogger(d.ID, d.OrderID).Error("Failed to escalate stalled delivery", zap.Error(err))
	}
	return nil
}
