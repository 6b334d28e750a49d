package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// DeliveryView is the customer-facing projection of a delivery. It never carries internal
// failure details.
type DeliveryView struct {
	ID              int64                 `json:"id"`
	OrderItemID     int64                 `json:"order_item_id"`
	ProductName     string                `json:"product_name"`
	ProductType     models.ProductType    `json:"product_type"`
	DeliveryMethod  models.DeliveryMethod `json:"delivery_method"`
	State           models.DeliveryState  `json:"state"`
	StateLabel      string                `json:"state_label"`
	ProgressPercent int                   `json:"progress_percent"`
	ETA             string                `json:"eta"`
	SLADeadline     *time.Time            `json:"sla_deadline"`
	Link            *models.DeliveryLink  `json:"delivery_link,omitempty"`
	HostingDomain   string                `json:"hosting_domain,omitempty"`
	DownloadCount   int                   `json:"download_count"`
	ViewedAt        *time.Time            `json:"viewed_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// DeliveryQueryService serves customer status reads and records view and download facts
type DeliveryQueryService struct {
	repo   DeliveryRepository
	orders OrderRepository
	sm     *StateMachine
	cfg    config.DeliveryConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewDeliveryQueryService creates a new delivery query service
func NewDeliveryQueryService(repo DeliveryRepository, orders OrderRepository, sm *StateMachine, cfg config.DeliveryConfig) *DeliveryQueryService {
	return &DeliveryQueryService{
		repo:   repo,
		orders: orders,
		sm:     sm,
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// OrderDeliveries returns the deliveries of an order owned by customerID. An order that
// does not exist and one owned by someone else look the same.
func (q *DeliveryQueryService) OrderDeliveries(ctx context.Context, orderID, customerID int64) ([]DeliveryView, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryQueryService.OrderDeliveries")
	defer span.End()

	rows, err := q.repo.ListCustomerDeliveries(ctx, orderID, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrDeliveryNotFound)
	}

	now := q.now()
	views := make([]DeliveryView, 0, len(rows))
	for i := range rows {
		views = append(views, q.view(&rows[i], now))
	}
	return views, nil
}

func (q *DeliveryQueryService) view(d *models.Delivery, now time.Time) DeliveryView {
	v := DeliveryView{
		ID:              d.ID,
		OrderItemID:     d.OrderItemID,
		ProductName:     d.ProductName,
		ProductType:     d.ProductType,
		DeliveryMethod:  d.DeliveryMethod,
		State:           d.State,
		StateLabel:      q.cfg.Labels[d.State],
		ProgressPercent: q.cfg.Progress[d.State],
		ETA:             q.eta(d, now),
		SLADeadline:     d.SLADeadline,
		DownloadCount:   d.CustomerDownloadCount,
		ViewedAt:        d.CustomerViewedAt,
		UpdatedAt:       d.StateChangedAt,
	}
	if v.StateLabel == "" {
		v.StateLabel = string(d.State)
	}
	if customerCanAccess(d.State) {
		link := d.DeliveryLink
		v.Link = &link
		v.HostingDomain = d.HostingDomain
	}
	return v
}

func customerCanAccess(s models.DeliveryState) bool {
	switch s {
	case models.StateReady, models.StateDelivered, models.StateDownloaded, models.StateCompleted:
		return true
	}
	return false
}

func (q *DeliveryQueryService) eta(d *models.Delivery, now time.Time) string {
	if customerCanAccess(d.State) || d.State == models.StateExpired {
		return ""
	}
	if d.ProductType == models.ProductTypeTemplate {
		return q.cfg.TemplateETA
	}
	if d.SLADeadline == nil {
		return ""
	}
	return formatRemaining(d.SLADeadline.Sub(now))
}

func formatRemaining(d time.Duration) string {
	switch {
	case d <= 0:
		return "shortly"
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(math.Ceil(d.Minutes())))
	default:
		return fmt.Sprintf("%d hours", int(math.Ceil(d.Hours())))
	}
}

// MarkViewed records the customer's first look at a delivery. Later views are no-ops.
func (q *DeliveryQueryService) MarkViewed(ctx context.Context, deliveryID, customerID int64) (bool, error) {
	ctx, span := util.StartDeliverySpan(ctx, "DeliveryQueryService.MarkViewed", deliveryID)
	defer span.End()

	return q.repo.MarkViewed(ctx, deliveryID, customerID, q.now().UTC())
}

// RecordCustomerDownload counts a download requested by a signed-in customer
func (q *DeliveryQueryService) RecordCustomerDownload(ctx context.Context, deliveryID, customerID int64) (int, error) {
	d, err := q.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return 0, err
	}
	order, err := q.orders.GetOrderByID(ctx, d.OrderID)
	if err != nil {
		return 0, err
	}
	if order.CustomerID != customerID {
		return 0, fmt.Errorf("delivery %d: %w", deliveryID, ErrDeliveryNotFound)
	}
	return q.IncrementDownloadCount(ctx, deliveryID)
}

// IncrementDownloadCount bumps the counter. The first download of a ready or delivered
// delivery moves it to downloaded; concurrent downloads race on the state CAS and only
// one wins.
func (q *DeliveryQueryService) IncrementDownloadCount(ctx context.Context, deliveryID int64) (int, error) {
	ctx, span := util.StartDeliverySpan(ctx, "DeliveryQueryService.IncrementDownloadCount", deliveryID)
	defer span.End()

	count, state, err := q.repo.IncrementDownloadCount(ctx, deliveryID)
	if err != nil {
		return 0, err
	}
	util.DownloadsTotal.Inc()

	if state != models.StateReady && state != models.StateDelivered {
		return count, nil
	}

	d, err := q.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return count, err
	}
	if d.State != state {
		return count, nil
	}
	if err := q.sm.Transition(ctx, d, models.StateDownloaded, "first download"); err != nil && !errors.Is(err, ErrStaleState) {
		return count, err
	}
	return count, nil
}

// ReportTokenExpired records that a customer presented an expired or used-up download link.
// The delivery becomes failed(download_token_expired) and is due for recovery at once.
// Tokens from links that were since replaced change nothing.
func (q *DeliveryQueryService) ReportTokenExpired(ctx context.Context, deliveryID int64, token string) error {
	ctx, span := util.StartDeliverySpan(ctx, "DeliveryQueryService.ReportTokenExpired", deliveryID)
	defer span.End()

	d, err := q.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}

	switch d.State {
	case models.StateReady, models.StateDelivered, models.StateDownloaded:
	default:
		q.logger.Info("Ignoring expired token report",
			zap.Int64("delivery_id", d.ID), zap.String("state", string(d.State)))
		return nil
	}
	if !d.DeliveryLink.IssuedToken(token) {
		q.logger.Info("Ignoring superseded download token", zap.Int64("delivery_id", d.ID))
		return nil
	}

	err = q.sm.Fail(ctx, d, models.FailureTokenExpired, q.now().UTC(), "download token expired")
	if errors.Is(err, ErrStaleState) {
		return nil
	}
	return err
}
