package store

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/lib/pq"
)

// SweepKind selects which due-row predicate a claim uses
type SweepKind string

const (
	SweepSLA      SweepKind = "sla"
	SweepRecovery SweepKind = "recovery"
	SweepExpiry   SweepKind = "expiry"
)

// ClaimQuery describes one "claim the next N unclaimed due rows" request
type ClaimQuery struct {
	Kind       SweepKind
	Token      string
	Now        time.Time
	LeaseUntil time.Time
	Limit      int

	// SLA sweep
	States             []models.DeliveryState
	RiskWindow         time.Duration
	EscalationInterval time.Duration
	MaxLevel           int

	// expiry sweep
	ExpiryGrace time.Duration
}

// Matches is the in-process form of the due-row predicate built by whereClause. It is
// the contract for DeliveryRepository implementations that do not run SQL, such as the
// in-memory repository the service tests use. Both must stay in step.
func (q ClaimQuery) Matches(d *models.Delivery) bool {
	if d.ClaimedUntil != nil && !d.ClaimedUntil.Before(q.Now) {
		return false
	}

	switch q.Kind {
	case SweepSLA:
		if d.SLADeadline == nil || !containsState(q.States, d.State) {
			return false
		}
		if d.SLADeadline.After(q.Now.Add(q.RiskWindow)) || d.EscalationLevel >= q.MaxLevel {
			return false
		}
		if d.SLADeadline.After(q.Now) {
			return d.EscalationLevel == 0
		}
		return d.LastEscalatedAt == nil ||
			d.LastEscalatedAt.Before(*d.SLADeadline) ||
			!d.LastEscalatedAt.After(q.Now.Add(-q.EscalationInterval))
	case SweepRecovery:
		return d.State == models.StateFailed && (d.NextRetryAt == nil || !d.NextRetryAt.After(q.Now))
	case SweepExpiry:
		return d.State == models.StateReady && d.LinkExpiresAt != nil &&
			!d.LinkExpiresAt.After(q.Now.Add(-q.ExpiryGrace))
	}
	return false
}

func (q ClaimQuery) whereClause() (string, []interface{}, error) {
	// $1..$3 are reserved for token, lease_until and now
	switch q.Kind {
	case SweepSLA:
		states := make([]string, len(q.States))
		for i, s := range q.States {
			states[i] = string(s)
		}
		return `delivery_state = ANY($4::text[])
			AND sla_deadline IS NOT NULL
			AND sla_deadline <= $3::timestamptz + $5::float8 * INTERVAL '1 second'
			AND escalation_level < $6::int
			AND (
				(sla_deadline > $3 AND escalation_level = 0)
				OR (sla_deadline <= $3 AND (
					last_escalated_at IS NULL
					OR last_escalated_at < sla_deadline
					OR last_escalated_at <= $3::timestamptz - $7::float8 * INTERVAL '1 second'))
			)`, []interface{}{pq.Array(states), q.RiskWindow.Seconds(), q.MaxLevel, q.EscalationInterval.Seconds()}, nil
	case SweepRecovery:
		return `delivery_state = 'failed' AND (next_retry_at IS NULL OR next_retry_at <= $3)`, nil, nil
	case SweepExpiry:
		return `delivery_state = 'ready'
			AND link_expires_at IS NOT NULL
			AND link_expires_at <= $3::timestamptz - $4::float8 * INTERVAL '1 second'`, []interface{}{q.ExpiryGrace.Seconds()}, nil
	}
	return "", nil, fmt.Errorf("unknown sweep kind %q", q.Kind)
}

// ClaimDeliveries atomically leases up to q.Limit due rows to q.Token. Rows already
// leased by another sweep instance are skipped, so overlapping sweeps never share a row.
func (s *Store) ClaimDeliveries(ctx context.Context, q ClaimQuery) ([]models.Delivery, error) {
	where, extra, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE deliveries SET claimed_by = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE (claimed_until IS NULL OR claimed_until < $3)
			AND %s
			ORDER BY id
			LIMIT %d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, where, q.Limit, deliveryColumns)

	args := append([]interface{}{q.Token, q.LeaseUntil, q.Now}, extra...)

	var out []models.Delivery
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to claim %s deliveries: %w", q.Kind, err)
	}
	return out, nil
}

// ReleaseClaim drops a lease held by token
func (s *Store) ReleaseClaim(ctx context.Context, deliveryID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE deliveries SET claimed_by = NULL, claimed_until = NULL WHERE id = $1 AND claimed_by = $2",
		deliveryID, token)
	return err
}

func containsState(states []models.DeliveryState, s models.DeliveryState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
