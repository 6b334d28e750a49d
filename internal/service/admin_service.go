package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/lifecycle"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CredentialsRequest carries the hosting details an admin provisioned for a template
type CredentialsRequest struct {
	Credentials string `json:"credentials" binding:"required"`
	Domain      string `json:"domain" binding:"required"`
	Notes       string `json:"notes"`
	SendNow     bool   `json:"send_now"`
}

// AdminService holds the manual remedies staff apply to deliveries
type AdminService struct {
	repo      DeliveryRepository
	orders    OrderRepository
	executor  *FulfillmentExecutor
	escalator *Escalator
	sm        *StateMachine
	logger    *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(
	repo DeliveryRepository,
	orders OrderRepository,
	executor *FulfillmentExecutor,
	escalator *Escalator,
	sm *StateMachine,
) *AdminService {
	return &AdminService{
		repo:      repo,
		orders:    orders,
		executor:  executor,
		escalator: escalator,
		sm:        sm,
		logger:    util.GetLogger(),
	}
}

// GetDelivery returns the full delivery record
func (a *AdminService) GetDelivery(ctx context.Context, id int64) (*models.Delivery, error) {
	return a.repo.GetDelivery(ctx, id)
}

// SetCredentials stores the hosting access of a template delivery and moves it to ready.
// With SendNow the credentials email goes out and the delivery ends up delivered. Deliveries
// that cannot reach ready are rejected before anything is written.
func (a *AdminService) SetCredentials(ctx context.Context, id int64, req CredentialsRequest) (*models.Delivery, error) {
	ctx, span := util.StartDeliverySpan(ctx, "AdminService.SetCredentials", id)
	defer span.End()

	d, err := a.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.ProductType != models.ProductTypeTemplate {
		return nil, fmt.Errorf("delivery %d: %w", id, ErrNotTemplate)
	}
	if err := a.executor.CanDriveToReady(d); err != nil {
		return nil, err
	}

	if err := a.repo.SaveHostingDetails(ctx, id, req.Domain, req.Credentials, req.Notes); err != nil {
		return nil, err
	}
	d.HostingDomain = req.Domain
	d.HostingCredentials = req.Credentials
	d.AdminNotes = req.Notes

	link := models.DeliveryLink{Hosting: &models.HostingAccess{
		URL:            "https://" + req.Domain,
		Domain:         req.Domain,
		CredentialsRef: fmt.Sprintf("delivery:%d", id),
	}}
	if err := a.repo.SaveDeliveryLink(ctx, id, link); err != nil {
		return nil, err
	}
	d.DeliveryLink = link

	if err := a.executor.DriveToReady(ctx, d, "hosting credentials provided"); err != nil {
		return nil, err
	}

	util.DeliveryLogger(d.ID, d.OrderID).Info("Hosting credentials set",
		zap.String("domain", req.Domain), zap.Bool("send_now", req.SendNow))

	if !req.SendNow {
		return d, nil
	}

	order, err := a.orders.GetOrderByID(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if _, err := a.executor.SendAndDeliver(ctx, d, order); err != nil {
		return nil, err
	}
	return d, nil
}

// ResendEmail sends the delivery or credentials email again. A ready or failed delivery is
// driven to delivered; one the customer already has is only re-notified.
func (a *AdminService) ResendEmail(ctx context.Context, id int64) (*models.Delivery, error) {
	ctx, span := util.StartDeliverySpan(ctx, "AdminService.ResendEmail", id)
	defer span.End()

	d, err := a.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	order, err := a.orders.GetOrderByID(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}

	switch d.State {
	case models.StateDelivered, models.StateDownloaded, models.StateCompleted:
		if err := a.executor.Resend(ctx, d, order); err != nil {
			return nil, err
		}
		return d, nil
	case models.StateFailed:
		if d.ProductType == models.ProductTypeTemplate && d.HostingDomain == "" {
			return nil, fmt.Errorf("delivery %d: %w", id, ErrNoHostingDetails)
		}
		if err := a.executor.DriveToReady(ctx, d, "admin resend"); err != nil {
			return nil, err
		}
	case models.StateReady:
	default:
		return nil, &lifecycle.TransitionError{
			Code:       lifecycle.CodeIllegalEdge,
			DeliveryID: d.ID,
			From:       d.State,
			To:         models.StateDelivered,
		}
	}

	if d.State != models.StateReady {
		return d, nil
	}
	if _, err := a.executor.SendAndDeliver(ctx, d, order); err != nil {
		return nil, err
	}
	return d, nil
}

// Escalate raises the delivery one level and alerts staff
func (a *AdminService) Escalate(ctx context.Context, id int64, reason string) (*models.Delivery, error) {
	d, err := a.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual escalation"
	}
	raised, err := a.escalator.Escalate(ctx, d, reason)
	if err != nil {
		return nil, err
	}
	if !raised {
		return nil, fmt.Errorf("delivery %d: %w", id, ErrStaleState)
	}
	return d, nil
}

// MarkReady drives a pending, issue or failed delivery to ready without sending anything
func (a *AdminService) MarkReady(ctx context.Context, id int64) (*models.Delivery, error) {
	d, err := a.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.executor.DriveToReady(ctx, d, "marked ready by admin"); err != nil {
		return nil, err
	}
	return d, nil
}

// FlagIssue moves a delivery to issue for manual review
func (a *AdminService) FlagIssue(ctx context.Context, id int64, note string) (*models.Delivery, error) {
	d, err := a.repo.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	reason := "flagged by admin"
	if note != "" {
		reason += ": " + note
	}
	if err := a.sm.Transition(ctx, d, models.StateIssue, reason); err != nil {
		return nil, err
	}
	return d, nil
}
