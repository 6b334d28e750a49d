// Package notify renders customer and staff emails, queues a notification job for every
// attempt and hands the message to a Gateway.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

// Notification kinds
const (
	KindDelivery    = "delivery"
	KindCredentials = "credentials"
	KindAdminAlert  = "admin_alert"
)

// JobPublisher records the queued notification job
type JobPublisher interface {
	PublishNotificationQueued(ctx context.Context, event *models.NotificationQueuedEvent) error
}

// Orchestrator sends the delivery, credentials and admin alert emails
type Orchestrator struct {
	gateway    Gateway
	jobs       JobPublisher
	adminEmail string
	templates  *template.Template
	logger     *zap.Logger
}

// NewOrchestrator creates a new notification orchestrator
func NewOrchestrator(gateway Gateway, jobs JobPublisher, adminEmail string) (*Orchestrator, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse mail templates: %w", err)
	}

	return &Orchestrator{
		gateway:    gateway,
		jobs:       jobs,
		adminEmail: adminEmail,
		templates:  tmpl,
		logger:     util.GetLogger(),
	}, nil
}

type customerMail struct {
	CustomerName string
	ProductName  string
	OrderID      int64
	Files        []models.DownloadFile
	Domain       string
	Credentials  string
}

type alertMail struct {
	DeliveryID  int64
	OrderID     int64
	ProductName string
	ProductType models.ProductType
	State       models.DeliveryState
	Level       int
	Severity    string
	Reason      string
	RetryCount  int
	MaxRetries  int
}

// SendDelivery emails the download links of d to the customer
func (o *Orchestrator) SendDelivery(ctx context.Context, d *models.Delivery, order *models.Order) error {
	subject := fmt.Sprintf("Your download is ready: %s", d.ProductName)
	data := customerMail{
		CustomerName: order.CustomerName,
		ProductName:  d.ProductName,
		OrderID:      order.ID,
		Files:        d.DeliveryLink.Files,
	}
	return o.send(ctx, d, KindDelivery, order.CustomerEmail, subject, "delivery.html", data)
}

// SendCredentials emails the hosting access of a template delivery to the customer
func (o *Orchestrator) SendCredentials(ctx context.Context, d *models.Delivery, order *models.Order) error {
	subject := fmt.Sprintf("Your website is live: %s", d.ProductName)
	data := customerMail{
		CustomerName: order.CustomerName,
		ProductName:  d.ProductName,
		OrderID:      order.ID,
		Domain:       d.HostingDomain,
		Credentials:  d.HostingCredentials,
	}
	return o.send(ctx, d, KindCredentials, order.CustomerEmail, subject, "credentials.html", data)
}

// SendAdminAlert notifies staff that d was escalated to level
func (o *Orchestrator) SendAdminAlert(ctx context.Context, d *models.Delivery, level int, reason string) error {
	severity := models.SeverityForLevel(level)
	subject := fmt.Sprintf("[%s] Delivery %d escalated: %s", severity, d.ID, reason)
	data := alertMail{
		DeliveryID:  d.ID,
		OrderID:     d.OrderID,
		ProductName: d.ProductName,
		ProductType: d.ProductType,
		State:       d.State,
		Level:       level,
		Severity:    severity,
		Reason:      reason,
		RetryCount:  d.RetryCount,
		MaxRetries:  d.MaxRetries,
	}
	return o.send(ctx, d, KindAdminAlert, o.adminEmail, subject, "admin_alert.html", data)
}

func (o *Orchestrator) send(ctx context.Context, d *models.Delivery, kind, recipient, subject, tmpl string, data interface{}) error {
	ctx, span := util.StartDeliverySpan(ctx, "Orchestrator.send", d.ID)
	defer span.End()

	logger := util.DeliveryLogger(d.ID, d.OrderID).With(zap.String("kind", kind))

	var body bytes.Buffer
	if err := o.templates.ExecuteTemplate(&body, tmpl, data); err != nil {
		util.NotificationsTotal.WithLabelValues(kind, "render_failed").Inc()
		return fmt.Errorf("failed to render %s mail: %w", kind, err)
	}

	job := &models.NotificationQueuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeNotificationQueued,
			Timestamp: time.Now(),
		},
		DeliveryID: d.ID,
		OrderID:    d.OrderID,
		Kind:       kind,
		Recipient:  recipient,
		Subject:    subject,
	}
	if err := o.jobs.PublishNotificationQueued(ctx, job); err != nil {
		logger.Warn("Failed to publish notification job", zap.Error(err))
	}

	if err := o.gateway.Send(ctx, recipient, subject, body.String()); err != nil {
		util.NotificationsTotal.WithLabelValues(kind, "failed").Inc()
		logger.Warn("Notification send failed", zap.Error(err))
		return fmt.Errorf("failed to send %s mail: %w", kind, err)
	}

	util.NotificationsTotal.WithLabelValues(kind, "sent").Inc()
	logger.Info("Notification sent", zap.String("recipient", recipient))
	return nil
}
