package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

var (
	// ErrDeliveryNotFound is returned when a delivery does not exist or is not visible to the caller
	ErrDeliveryNotFound = store.ErrNotFound

	// ErrStaleState is returned when another actor moved the delivery first
	ErrStaleState = store.ErrStaleState

	// ErrNotTemplate is returned by template-only remedies called on other product types
	ErrNotTemplate = errors.New("delivery is not a template")

	// ErrRetriesExhausted is returned when a retry is requested with no budget left
	ErrRetriesExhausted = errors.New("delivery retry budget exhausted")

	// ErrNoHostingDetails is returned when a template email is requested before credentials exist
	ErrNoHostingDetails = errors.New("template has no hosting details yet")

	// ErrUnknownProductType is returned for line items this service cannot fulfill
	ErrUnknownProductType = errors.New("unknown product type")
)

// DeliveryRepository is the delivery persistence used by the service layer.
// Implemented by store.Store.
type DeliveryRepository interface {
	CreateDeliveryIfMissing(ctx context.Context, d *models.Delivery) (bool, error)
	GetDelivery(ctx context.Context, id int64) (*models.Delivery, error)
	ListCustomerDeliveries(ctx context.Context, orderID, customerID int64) ([]models.Delivery, error)
	ApplyTransition(ctx context.Context, w store.TransitionWrite) error
	RaiseEscalation(ctx context.Context, id int64, from, to int, at time.Time) (bool, error)
	SaveDeliveryLink(ctx context.Context, id int64, link models.DeliveryLink) error
	SaveHostingDetails(ctx context.Context, id int64, domain, credentials, notes string) error
	MarkCredentialsSent(ctx context.Context, id int64, at time.Time) error
	MarkViewed(ctx context.Context, id, customerID int64, at time.Time) (bool, error)
	IncrementDownloadCount(ctx context.Context, id int64) (int, models.DeliveryState, error)
	ClaimDeliveries(ctx context.Context, q store.ClaimQuery) ([]models.Delivery, error)
	ReleaseClaim(ctx context.Context, deliveryID int64, token string) error
}

// OrderRepository is the order and catalog persistence used by the service layer
type OrderRepository interface {
	UpsertPaidOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetProductFiles(ctx context.Context, productID int64) ([]models.ProductFile, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// FileAccessProvider mints and revokes download links. Implemented by fileaccess.Provider.
type FileAccessProvider interface {
	GenerateDownloadLink(ctx context.Context, deliveryID int64, file models.ProductFile, orderID int64) (models.DownloadFile, error)
	Invalidate(ctx context.Context, deliveryID int64) error
}

// Notifier sends customer and staff emails. Implemented by notify.Orchestrator.
type Notifier interface {
	SendDelivery(ctx context.Context, d *models.Delivery, order *models.Order) error
	SendCredentials(ctx context.Context, d *models.Delivery, order *models.Order) error
	SendAdminAlert(ctx context.Context, d *models.Delivery, level int, reason string) error
}

// EventPublisher publishes delivery lifecycle events. Implemented by broker.EventPublisher.
type EventPublisher interface {
	PublishDeliveryStateChanged(ctx context.Context, event *models.DeliveryStateChangedEvent) error
	PublishDeliveryEscalated(ctx context.Context, event *models.DeliveryEscalatedEvent) error
}
