package models

import "time"

// Event types
const (
	EventTypeOrderPaid            = "ORDER_PAID"
	EventTypeDeliveryStateChanged = "DELIVERY_STATE_CHANGED"
	EventTypeNotificationQueued   = "NOTIFICATION_QUEUED"
	EventTypeDeliveryEscalated    = "DELIVERY_ESCALATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Type returns the event type
func (e BaseEvent) Type() string {
	return e.EventType
}

// OrderPaidEvent is consumed from the checkout collaborator once payment is confirmed
type OrderPaidEvent struct {
	BaseEvent
	OrderID       int64      `json:"order_id" binding:"required"`
	CustomerID    int64      `json:"customer_id" binding:"required"`
	CustomerEmail string     `json:"customer_email" binding:"required,email"`
	CustomerName  string     `json:"customer_name"`
	FinalAmount   int64      `json:"final_amount"`
	Items         []LineItem `json:"items" binding:"required,min=1"`
}

// DeliveryStateChangedEvent published for every applied transition
type DeliveryStateChangedEvent struct {
	BaseEvent
	DeliveryID int64         `json:"delivery_id"`
	OrderID    int64         `json:"order_id"`
	From       DeliveryState `json:"from"`
	To         DeliveryState `json:"to"`
	Reason     string        `json:"reason"`
}

// NotificationQueuedEvent is the notification job emitted for every attempted email
type NotificationQueuedEvent struct {
	BaseEvent
	DeliveryID int64  `json:"delivery_id"`
	OrderID    int64  `json:"order_id"`
	Kind       string `json:"kind"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
}

// DeliveryEscalatedEvent published when an escalation level is raised
type DeliveryEscalatedEvent struct {
	BaseEvent
	DeliveryID int64  `json:"delivery_id"`
	OrderID    int64  `json:"order_id"`
	Level      int    `json:"level"`
	Severity   string `json:"severity"`
	Reason     string `json:"reason"`
}
