package store

import (
	"context"
	"database/sql"
	"fmt"

	"fulfillment-service/internal/models"
)

// UpsertPaidOrder records a paid order if it is not known yet. Existing rows are left
// as they are; order is populated from the persisted row.
func (s *Store) UpsertPaidOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, customer_id, customer_email, customer_name, final_amount, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query,
		order.ID, order.CustomerID, order.CustomerEmail, order.CustomerName,
		order.FinalAmount, order.Status, order.PaidAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	persisted, err := s.GetOrderByID(ctx, order.ID)
	if err != nil {
		return err
	}
	*order = *persisted
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetProductFiles retrieves the downloadable files of a product
func (s *Store) GetProductFiles(ctx context.Context, productID int64) ([]models.ProductFile, error) {
	var files []models.ProductFile
	err := s.db.SelectContext(ctx, &files,
		"SELECT * FROM product_files WHERE product_id = $1 ORDER BY file_id", productID)
	return files, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
