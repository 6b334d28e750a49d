package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
)

const deliveryColumns = `id, order_id, order_item_id, product_id, product_type, product_name,
	delivery_method, delivery_link, link_expires_at, delivery_state, state_changed_at, state_history,
	sla_deadline, escalation_level, last_escalated_at, retry_count, max_retries, last_retry_at,
	next_retry_at, failure_reason, hosting_domain, hosting_credentials, admin_notes,
	credentials_sent_at, customer_viewed_at, customer_download_count, claimed_by, claimed_until,
	created_at`

// TransitionWrite is a compare-and-set state change: it applies only while the row is
// still in Entry.From. With CountRetry set the same statement books a retry attempt and
// also requires retry budget to be left.
type TransitionWrite struct {
	DeliveryID    int64
	Entry         models.StateTransition
	FailureReason *models.FailureReason
	NextRetryAt   *time.Time
	CountRetry    bool
}

// CreateDeliveryIfMissing inserts d unless a row already exists for its
// (order_id, order_item_id). d is populated from the persisted row either way.
func (s *Store) CreateDeliveryIfMissing(ctx context.Context, d *models.Delivery) (bool, error) {
	query := `
		INSERT INTO deliveries (order_id, order_item_id, product_id, product_type, product_name,
			delivery_method, delivery_link, delivery_state, state_changed_at, state_history,
			sla_deadline, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (order_id, order_item_id) DO NOTHING
		RETURNING ` + deliveryColumns

	var created models.Delivery
	err := s.db.GetContext(ctx, &created, query,
		d.OrderID, d.OrderItemID, d.ProductID, d.ProductType, d.ProductName,
		d.DeliveryMethod, d.DeliveryLink, d.State, d.StateChangedAt, d.StateHistory,
		d.SLADeadline, d.MaxRetries, d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetDeliveryByItem(ctx, d.OrderID, d.OrderItemID)
		if err != nil {
			return false, err
		}
		*d = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert delivery: %w", err)
	}

	*d = created
	return true, nil
}

// GetDelivery retrieves a delivery by ID
func (s *Store) GetDelivery(ctx context.Context, id int64) (*models.Delivery, error) {
	var d models.Delivery
	err := s.db.GetContext(ctx, &d, "SELECT "+deliveryColumns+" FROM deliveries WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeliveryByItem retrieves the delivery for one order line item
func (s *Store) GetDeliveryByItem(ctx context.Context, orderID, orderItemID int64) (*models.Delivery, error) {
	var d models.Delivery
	err := s.db.GetContext(ctx, &d,
		"SELECT "+deliveryColumns+" FROM deliveries WHERE order_id = $1 AND order_item_id = $2",
		orderID, orderItemID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery for order %d item %d: %w", orderID, orderItemID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListCustomerDeliveries returns the deliveries of an order only when the order belongs
// to customerID
func (s *Store) ListCustomerDeliveries(ctx context.Context, orderID, customerID int64) ([]models.Delivery, error) {
	var out []models.Delivery
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+qualifiedColumns("d")+`
		FROM deliveries d
		JOIN orders o ON o.id = d.order_id
		WHERE d.order_id = $1 AND o.customer_id = $2
		ORDER BY d.order_item_id`, orderID, customerID)
	return out, err
}

// ApplyTransition persists a transition if the row is still in the expected state.
// The history entry is appended to the JSONB array; existing entries are never rewritten.
func (s *Store) ApplyTransition(ctx context.Context, w TransitionWrite) error {
	entry, err := json.Marshal([]models.StateTransition{w.Entry})
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	var reason interface{}
	if w.FailureReason != nil {
		reason = string(*w.FailureReason)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET delivery_state = $1,
			state_changed_at = $2,
			state_history = state_history || $3::jsonb,
			failure_reason = COALESCE($4::text, failure_reason),
			next_retry_at = $5,
			retry_count = retry_count + CASE WHEN $8::boolean THEN 1 ELSE 0 END,
			last_retry_at = CASE WHEN $8::boolean THEN $2 ELSE last_retry_at END
		WHERE id = $6 AND delivery_state = $7
		AND (NOT $8::boolean OR retry_count < max_retries)`,
		w.Entry.To, w.Entry.At, string(entry), reason, w.NextRetryAt, w.DeliveryID, w.Entry.From, w.CountRetry)
	if err != nil {
		return fmt.Errorf("failed to apply transition: %w", err)
	}
	return expectOneRow(res, w.DeliveryID, ErrStaleState)
}

// RaiseEscalation moves escalation_level from `from` to `to`. It reports false when
// another caller already changed the level.
func (s *Store) RaiseEscalation(ctx context.Context, id int64, from, to int, at time.Time) (bool, error) {
	if to <= from {
		return false, fmt.Errorf("escalation level must increase: %d -> %d", from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET escalation_level = $1, last_escalated_at = $2
		WHERE id = $3 AND escalation_level = $4`, to, at, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to raise escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SaveDeliveryLink replaces the customer-facing link snapshot
func (s *Store) SaveDeliveryLink(ctx context.Context, id int64, link models.DeliveryLink) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE deliveries SET delivery_link = $1, link_expires_at = $2 WHERE id = $3",
		link, link.EarliestExpiry(), id)
	if err != nil {
		return fmt.Errorf("failed to save delivery link: %w", err)
	}
	return expectOneRow(res, id, ErrNotFound)
}

// SaveHostingDetails stores the provisioned site reference for a template delivery
func (s *Store) SaveHostingDetails(ctx context.Context, id int64, domain, credentials, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET hosting_domain = $1, hosting_credentials = $2, admin_notes = $3
		WHERE id = $4`, domain, credentials, notes, id)
	if err != nil {
		return fmt.Errorf("failed to save hosting details: %w", err)
	}
	return expectOneRow(res, id, ErrNotFound)
}

// MarkCredentialsSent records when hosting credentials reached the customer
func (s *Store) MarkCredentialsSent(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE deliveries SET credentials_sent_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, id, ErrNotFound)
}

// MarkViewed sets customer_viewed_at on first view only. It reports whether this call
// was the first view; ErrNotFound means the delivery does not exist for that customer.
func (s *Store) MarkViewed(ctx context.Context, id, customerID int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries d SET customer_viewed_at = $1
		FROM orders o
		WHERE d.id = $2 AND o.id = d.order_id AND o.customer_id = $3
		AND d.customer_viewed_at IS NULL`, at, id, customerID)
	if err != nil {
		return false, fmt.Errorf("failed to mark viewed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM deliveries d JOIN orders o ON o.id = d.order_id
			WHERE d.id = $1 AND o.customer_id = $2)`, id, customerID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	return false, nil
}

// IncrementDownloadCount bumps the counter and returns the new count together with the
// state the row was in at the moment of the increment
func (s *Store) IncrementDownloadCount(ctx context.Context, id int64) (int, models.DeliveryState, error) {
	var row struct {
		Count int                  `db:"customer_download_count"`
		State models.DeliveryState `db:"delivery_state"`
	}
	err := s.db.GetContext(ctx, &row, `
		UPDATE deliveries SET customer_download_count = customer_download_count + 1
		WHERE id = $1
		RETURNING customer_download_count, delivery_state`, id)
	if err == sql.ErrNoRows {
		return 0, "", fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to increment download count: %w", err)
	}
	return row.Count, row.State, nil
}

func expectOneRow(res sql.Result, id int64, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delivery %d: %w", id, sentinel)
	}
	return nil
}

func qualifiedColumns(alias string) string {
	cols := strings.Split(deliveryColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
