package service

import (
	"context"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepReport summarizes one sweep run
type SweepReport struct {
	Sweep     string `json:"sweep"`
	Claimed   int    `json:"claimed"`
	Warned    int    `json:"warned"`
	Escalated int    `json:"escalated"`
	Recovered int    `json:"recovered"`
	Failed    int    `json:"failed"`
	Stalled   int    `json:"stalled"`
	Expired   int    `json:"expired"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
}

// slaTrackedStates are the states in which a delivery still owes the customer something
var slaTrackedStates = []models.DeliveryState{
	models.StatePending,
	models.StateProcessing,
	models.StateReady,
	models.StateFailed,
	models.StateIssue,
}

// SLATracker warns about deliveries nearing their deadline and escalates breached ones
type SLATracker struct {
	repo      DeliveryRepository
	escalator *Escalator
	cfg       config.DeliveryConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewSLATracker creates a new SLA tracker
func NewSLATracker(repo DeliveryRepository, escalator *Escalator, cfg config.DeliveryConfig) *SLATracker {
	return &SLATracker{
		repo:      repo,
		escalator: escalator,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// Sweep processes one batch of at-risk and breached deliveries
func (t *SLATracker) Sweep(ctx context.Context) (*SweepReport, error) {
	ctx, span := util.StartSpan(ctx, "SLATracker.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.WithLabelValues(string(store.SweepSLA)).Observe(time.Since(start).Seconds())
	}()

	now := t.now().UTC()
	token := uuid.New().String()
	rows, err := t.repo.ClaimDeliveries(ctx, store.ClaimQuery{
		Kind:               store.SweepSLA,
		Token:              token,
		Now:                now,
		LeaseUntil:         now.Add(t.cfg.ClaimTTL),
		Limit:              t.cfg.SweepBatchSize,
		States:             slaTrackedStates,
		RiskWindow:         t.cfg.RiskWindow,
		EscalationInterval: t.cfg.EscalationInterval,
		MaxLevel:           t.cfg.MaxEscalationLevel,
	})
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Sweep: string(store.SweepSLA), Claimed: len(rows)}
	util.SweepClaimedTotal.WithLabelValues(report.Sweep).Add(float64(len(rows)))

	for i := range rows {
		d := &rows[i]
		t.check(ctx, d, now, report)
		if err := t.repo.ReleaseClaim(ctx, d.ID, token); err != nil {
			t.logger.Warn("Failed to release claim", zap.Int64("delivery_id", d.ID), zap.Error(err))
		}
	}

	if report.Claimed > 0 {
		t.logger.Info("SLA sweep finished",
			zap.Int("claimed", report.Claimed),
			zap.Int("warned", report.Warned),
			zap.Int("escalated", report.Escalated))
	}
	return report, nil
}

func (t *SLATracker) check(ctx context.Context, d *models.Delivery, now time.Time, report *SweepReport) {
	if d.SLADeadline == nil {
		report.Skipped++
		return
	}

	reason := ""
	switch {
	case !now.Before(*d.SLADeadline):
		reason = ReasonSLABreach
	case d.EscalationLevel == 0:
		reason = ReasonSLAAtRisk
	default:
		report.Skipped++
		return
	}

	raised, err := t.escalator.Escalate(ctx, d, reason)
	if err != nil {
		report.Errors++
		util.DeliveryLogger(d.ID, d.OrderID).Error("SLA escalation failed", zap.Error(err))
		return
	}
	if !raised {
		report.Skipped++
		return
	}
	if reason == ReasonSLABreach {
		report.Escalated++
	} else {
		report.Warned++
	}
}
