package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProductType identifies how a purchased item is fulfilled
type ProductType string

const (
	ProductTypeTool     ProductType = "tool"
	ProductTypeTemplate ProductType = "template"
	ProductTypeAPIKey   ProductType = "api_key"
)

// IsInstant reports whether items of this type are fulfilled synchronously at payment time
func (p ProductType) IsInstant() bool {
	return p == ProductTypeTool || p == ProductTypeAPIKey
}

// Method returns the delivery method used for the product type
func (p ProductType) Method() DeliveryMethod {
	if p == ProductTypeTemplate {
		return DeliveryMethodHosted
	}
	return DeliveryMethodDownload
}

// DeliveryMethod is how the customer receives the item
type DeliveryMethod string

const (
	DeliveryMethodDownload DeliveryMethod = "download"
	DeliveryMethodHosted   DeliveryMethod = "hosted"
)

// DeliveryState is a node of the delivery state machine
type DeliveryState string

// Delivery states
const (
	StatePending    DeliveryState = "pending"
	StateProcessing DeliveryState = "processing"
	StateReady      DeliveryState = "ready"
	StateDelivered  DeliveryState = "delivered"
	StateDownloaded DeliveryState = "downloaded"
	StateCompleted  DeliveryState = "completed"
	StateFailed     DeliveryState = "failed"
	StateStalled    DeliveryState = "stalled"
	StateExpired    DeliveryState = "expired"
	StateIssue      DeliveryState = "issue"
)

// AllStates lists every delivery state
var AllStates = []DeliveryState{
	StatePending, StateProcessing, StateReady, StateDelivered, StateDownloaded,
	StateCompleted, StateFailed, StateStalled, StateExpired, StateIssue,
}

// FailureReason is the closed set of causes recorded when a delivery enters the failed state
type FailureReason string

const (
	FailureNone         FailureReason = ""
	FailureEmailFailed  FailureReason = "email_failed"
	FailureTokenExpired FailureReason = "download_token_expired"
	FailureUnknown      FailureReason = "unknown"
)

// ParseFailureReason maps a stored value onto the closed set; anything unrecognised is FailureUnknown
func ParseFailureReason(s string) FailureReason {
	switch FailureReason(s) {
	case FailureNone, FailureEmailFailed, FailureTokenExpired:
		return FailureReason(s)
	default:
		return FailureUnknown
	}
}

// Scan implements sql.Scanner
func (f *FailureReason) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*f = FailureNone
	case string:
		*f = ParseFailureReason(v)
	case []byte:
		*f = ParseFailureReason(string(v))
	default:
		return fmt.Errorf("unsupported failure_reason type %T", src)
	}
	return nil
}

// Value implements driver.Valuer
func (f FailureReason) Value() (driver.Value, error) {
	return string(f), nil
}

// Order is the paid order a set of deliveries belongs to
type Order struct {
	ID            int64     `db:"id" json:"id"`
	CustomerID    int64     `db:"customer_id" json:"customer_id"`
	CustomerEmail string    `db:"customer_email" json:"customer_email"`
	CustomerName  string    `db:"customer_name" json:"customer_name"`
	FinalAmount   int64     `db:"final_amount" json:"final_amount"`
	Status        string    `db:"status" json:"status"`
	PaidAt        time.Time `db:"paid_at" json:"paid_at"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusPaid = "PAID"
)

// LineItem is a resolved order line item as carried by the OrderPaid fact
type LineItem struct {
	OrderItemID int64       `json:"order_item_id"`
	ProductID   int64       `json:"product_id"`
	ProductType ProductType `json:"product_type"`
	ProductName string      `json:"product_name"`
	Quantity    int         `json:"quantity"`
}

// ProductFile is one downloadable file belonging to a tool
type ProductFile struct {
	ProductID int64  `db:"product_id" json:"product_id"`
	FileID    string `db:"file_id" json:"file_id"`
	FileName  string `db:"file_name" json:"file_name"`
	SizeBytes int64  `db:"size_bytes" json:"size_bytes"`
	MimeType  string `db:"mime_type" json:"mime_type"`
}

// StateTransition is one immutable entry of a delivery's history
type StateTransition struct {
	From   DeliveryState `json:"from"`
	To     DeliveryState `json:"to"`
	Reason string        `json:"reason"`
	At     time.Time     `json:"at"`
}

// StateHistory is the ordered, append-only transition log stored as JSONB
type StateHistory []StateTransition

// Scan implements sql.Scanner
func (h *StateHistory) Scan(src interface{}) error {
	return scanJSON(src, h)
}

// Value implements driver.Valuer
func (h StateHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

// DownloadFile is a signed, time-limited link to one file
type DownloadFile struct {
	FileID    string    `json:"file_id"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HostingAccess references a provisioned website
type HostingAccess struct {
	URL            string `json:"url,omitempty"`
	Domain         string `json:"domain"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// DeliveryLink is the opaque snapshot handed to the customer
type DeliveryLink struct {
	Files   []DownloadFile `json:"files,omitempty"`
	Hosting *HostingAccess `json:"hosting,omitempty"`
}

// EarliestExpiry returns the soonest file expiry, or nil when there are no files
func (l DeliveryLink) EarliestExpiry() *time.Time {
	var earliest *time.Time
	for i := range l.Files {
		exp := l.Files[i].ExpiresAt
		if earliest == nil || exp.Before(*earliest) {
			earliest = &exp
		}
	}
	return earliest
}

// IssuedToken reports whether token is the last path segment of one of the current file URLs
func (l DeliveryLink) IssuedToken(token string) bool {
	if token == "" {
		return false
	}
	for i := range l.Files {
		if strings.HasSuffix(l.Files[i].URL, "/"+token) {
			return true
		}
	}
	return false
}

// Scan implements sql.Scanner
func (l *DeliveryLink) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Value implements driver.Valuer
func (l DeliveryLink) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Delivery tracks fulfillment of one order line item
type Delivery struct {
	ID          int64       `db:"id" json:"id"`
	OrderID     int64       `db:"order_id" json:"order_id"`
	OrderItemID int64       `db:"order_item_id" json:"order_item_id"`
	ProductID   int64       `db:"product_id" json:"product_id"`
	ProductType ProductType `db:"product_type" json:"product_type"`
	ProductName string      `db:"product_name" json:"product_name"`

	DeliveryMethod DeliveryMethod `db:"delivery_method" json:"delivery_method"`
	DeliveryLink   DeliveryLink   `db:"delivery_link" json:"delivery_link"`
	LinkExpiresAt  *time.Time     `db:"link_expires_at" json:"link_expires_at,omitempty"`

	State          DeliveryState `db:"delivery_state" json:"delivery_state"`
	StateChangedAt time.Time     `db:"state_changed_at" json:"state_changed_at"`
	StateHistory   StateHistory  `db:"state_history" json:"state_history"`

	SLADeadline     *time.Time    `db:"sla_deadline" json:"sla_deadline,omitempty"`
	EscalationLevel int           `db:"escalation_level" json:"escalation_level"`
	LastEscalatedAt *time.Time    `db:"last_escalated_at" json:"last_escalated_at,omitempty"`
	RetryCount      int           `db:"retry_count" json:"retry_count"`
	MaxRetries      int           `db:"max_retries" json:"max_retries"`
	LastRetryAt     *time.Time    `db:"last_retry_at" json:"last_retry_at,omitempty"`
	NextRetryAt     *time.Time    `db:"next_retry_at" json:"next_retry_at,omitempty"`
	FailureReason   FailureReason `db:"failure_reason" json:"failure_reason,omitempty"`

	HostingDomain      string     `db:"hosting_domain" json:"hosting_domain,omitempty"`
	HostingCredentials string     `db:"hosting_credentials" json:"-"`
	AdminNotes         string     `db:"admin_notes" json:"admin_notes,omitempty"`
	CredentialsSentAt  *time.Time `db:"credentials_sent_at" json:"credentials_sent_at,omitempty"`

	CustomerViewedAt      *time.Time `db:"customer_viewed_at" json:"customer_viewed_at,omitempty"`
	CustomerDownloadCount int        `db:"customer_download_count" json:"customer_download_count"`

	ClaimedBy    *string    `db:"claimed_by" json:"-"`
	ClaimedUntil *time.Time `db:"claimed_until" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RetriesExhausted reports whether the retry budget is spent
func (d *Delivery) RetriesExhausted() bool {
	return d.RetryCount >= d.MaxRetries
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// Escalation severities
const (
	SeverityNotice   = "notice"
	SeverityUrgent   = "urgent"
	SeverityCritical = "critical"
)

// SeverityForLevel maps an escalation level onto the admin alert severity
func SeverityForLevel(level int) string {
	switch {
	case level <= 1:
		return SeverityNotice
	case level == 2:
		return SeverityUrgent
	default:
		return SeverityCritical
	}
}
