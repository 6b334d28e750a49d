package service

import (
	"context"
	"path"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A tool whose first email fails is recovered by the next due sweep
func TestRecovery_EmailFailureRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notifier.failNext = 1
	start := h.clock.Now()

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, toolItem(1))))
	d := h.repo.byItem(t, 1, 1)
	require.Equal(t, models.StateFailed, d.State)
	require.Equal(t, start.Add(5*time.Minute), *d.NextRetryAt)

	// not due yet
	report, err := h.svc.Recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	h.clock.Advance(5 * time.Minute)
	report, err = h.svc.Recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Recovered)

	d = h.repo.get(t, d.ID)
	assert.Equal(t, models.StateDelivered, d.State)
	assert.Equal(t, 1, d.RetryCount)
	require.NotNil(t, d.LastRetryAt)
	assert.Equal(t, h.clock.Now(), *d.LastRetryAt)
	assert.Nil(t, d.NextRetryAt)
	assert.Nil(t, d.ClaimedBy)
	assert.Equal(t, []int64{d.ID}, h.notifier.deliveries)

	assert.Equal(t, []models.DeliveryState{
		models.StatePending, models.StateProcessing, models.StateReady, models.StateFailed,
		models.StateProcessing, models.StateReady, models.StateDelivered,
	}, historyPath(d))
}

func TestRecovery_RetryBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notifier.alwaysFail = true

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, toolItem(1))))
	id := h.repo.byItem(t, 1, 1).ID

	// backoff doubles: 5m, 10m, 20m
	for attempt, wait := range []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute} {
		d := h.repo.get(t, id)
		require.Equal(t, models.StateFailed, d.State, "attempt %d", attempt+1)
		require.Equal(t, h.clock.Now().Add(wait), *d.NextRetryAt, "attempt %d", attempt+1)

		h.clock.Advance(wait)
		_, err := h.svc.Recovery.Sweep(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, h.repo.get(t, id).RetryCount, 3)
	}

	d := h.repo.get(t, id)
	assert.Equal(t, models.StateStalled, d.State)
	assert.Equal(t, 3, d.RetryCount)
	assert.Equal(t, 1, d.EscalationLevel)
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, ReasonRetriesExceeded, h.notifier.alerts[0].reason)

	// stalled is terminal; nothing further happens
	h.clock.Advance(24 * time.Hour)
	report, err := h.svc.Recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
}

func TestRecovery_ExhaustedGuard(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{State: models.StateFailed, RetryCount: 3, MaxRetries: 3, FailureReason: models.FailureEmailFailed})

	outcome, err := h.svc.Recovery.Recover(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalled, outcome)
	assert.Equal(t, models.StateStalled, h.repo.get(t, d.ID).State)
	assert.Len(t, h.notifier.alerts, 1)
}

func TestRecovery_TokenExpiredRegeneratesLinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, toolItem(1))))
	id := h.repo.byItem(t, 1, 1).ID
	oldURL := h.repo.get(t, id).DeliveryLink.Files[0].URL

	require.NoError(t, h.svc.Query.ReportTokenExpired(ctx, id, path.Base(oldURL)))
	d := h.repo.get(t, id)
	require.Equal(t, models.StateFailed, d.State)
	require.Equal(t, models.FailureTokenExpired, d.FailureReason)

	report, err := h.svc.Recovery.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	d = h.repo.get(t, id)
	assert.Equal(t, models.StateDelivered, d.State)
	assert.Equal(t, []int64{id}, h.files.invalidated)
	assert.NotEqual(t, oldURL, d.DeliveryLink.Files[0].URL)
	assert.Len(t, h.notifier.deliveries, 2)
}

func TestRecovery_OldLinkClicksDoNotSpendRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, toolItem(1))))
	id := h.repo.byItem(t, 1, 1).ID
	oldToken := path.Base(h.repo.get(t, id).DeliveryLink.Files[0].URL)

	require.NoError(t, h.svc.Query.ReportTokenExpired(ctx, id, oldToken))
	_, err := h.svc.Recovery.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.repo.get(t, id).RetryCount)

	// the first email's link keeps getting clicked after it was replaced
	for i := 0; i < 4; i++ {
		require.NoError(t, h.svc.Query.ReportTokenExpired(ctx, id, oldToken))
		_, err := h.svc.Recovery.Sweep(ctx)
		require.NoError(t, err)
	}

	d := h.repo.get(t, id)
	assert.Equal(t, models.StateDelivered, d.State)
	assert.Equal(t, 1, d.RetryCount)
	assert.Zero(t, d.EscalationLevel)
	assert.Empty(t, h.notifier.alerts)
}

func TestRecovery_UnknownFailureRegeneratesForTools(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.files.fail = true

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, apiKeyItem(1))))
	id := h.repo.byItem(t, 1, 1).ID

	h.files.fail = false
	h.clock.Advance(5 * time.Minute)
	_, err := h.svc.Recovery.Sweep(ctx)
	require.NoError(t, err)

	d := h.repo.get(t, id)
	assert.Equal(t, models.StateDelivered, d.State)
	assert.Len(t, d.DeliveryLink.Files, 1)
	assert.Equal(t, 1, d.RetryCount)
}

func TestRecovery_TemplateUnknownStallsImmediately(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{
		ProductType:   models.ProductTypeTemplate,
		ProductID:     productTemplate,
		State:         models.StateFailed,
		FailureReason: models.FailureUnknown,
	})

	outcome, err := h.svc.Recovery.Recover(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalled, outcome)

	stored := h.repo.get(t, d.ID)
	assert.Equal(t, models.StateStalled, stored.State)
	assert.Zero(t, stored.RetryCount)
	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, ReasonNeedsManualWork, h.notifier.alerts[0].reason)
}

func TestRecovery_TemplateEmailResent(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{
		ProductType:   models.ProductTypeTemplate,
		ProductID:     productTemplate,
		State:         models.StateFailed,
		FailureReason: models.FailureEmailFailed,
	})
	require.NoError(t, h.repo.SaveHostingDetails(context.Background(), d.ID, "shop.example.com", "admin / s3cret", ""))

	outcome, err := h.svc.Recovery.Recover(context.Background(), h.repo.get(t, d.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, outcome)

	stored := h.repo.get(t, d.ID)
	assert.Equal(t, models.StateDelivered, stored.State)
	assert.NotNil(t, stored.CredentialsSentAt)
	assert.Equal(t, []int64{d.ID}, h.notifier.credentials)
}

func TestRecovery_SweepBatchAndClaims(t *testing.T) {
	h := newHarness(t)
	h.cfg.SweepBatchSize = 2
	h.svc = New(Dependencies{
		Deliveries: h.repo, Orders: h.repo, Files: h.files, Notifier: h.notifier,
		Events: h.events, Config: h.cfg, Clock: h.clock.Now,
	})

	for i := 0; i < 3; i++ {
		seedDelivery(t, h, models.Delivery{State: models.StateFailed, FailureReason: models.FailureEmailFailed})
	}

	report, err := h.svc.Recovery.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)

	report, err = h.svc.Recovery.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
}

func TestExpireLinks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expiry := h.clock.Now().Add(72 * time.Hour)

	ready := seedDelivery(t, h, models.Delivery{State: models.StateReady})
	require.NoError(t, h.repo.SaveDeliveryLink(ctx, ready.ID, models.DeliveryLink{
		Files: []models.DownloadFile{{FileID: "a", ExpiresAt: expiry}},
	}))
	delivered := seedDelivery(t, h, models.Delivery{State: models.StateDelivered})
	require.NoError(t, h.repo.SaveDeliveryLink(ctx, delivered.ID, models.DeliveryLink{
		Files: []models.DownloadFile{{FileID: "a", ExpiresAt: expiry}},
	}))

	// inside the grace period
	h.clock.Advance(80 * time.Hour)
	report, err := h.svc.Recovery.ExpireLinks(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	h.clock.Advance(16 * time.Hour)
	report, err = h.svc.Recovery.ExpireLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	assert.Equal(t, models.StateExpired, h.repo.get(t, ready.ID).State)
	assert.Equal(t, models.StateDelivered, h.repo.get(t, delivered.ID).State)
}
