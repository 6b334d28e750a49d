package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"fulfillment-service/internal/lifecycle"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func credentials(sendNow bool) CredentialsRequest {
	return CredentialsRequest{
		Credentials: "admin / s3cret",
		Domain:      "shop.example.com",
		Notes:       "staging theme applied",
		SendNow:     sendNow,
	}
}

// A template waits for staff, who provision hosting and send the credentials
func TestSetCredentials_TemplateDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, templateItem(1))))
	id := h.repo.byItem(t, 1, 1).ID
	h.clock.Advance(6 * time.Hour)

	d, err := h.svc.Admin.SetCredentials(ctx, id, credentials(true))
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, d.State)

	stored := h.repo.get(t, id)
	assert.Equal(t, models.StateDelivered, stored.State)
	assert.Equal(t, "shop.example.com", stored.HostingDomain)
	assert.Equal(t, "admin / s3cret", stored.HostingCredentials)
	require.NotNil(t, stored.CredentialsSentAt)
	assert.Equal(t, h.clock.Now(), *stored.CredentialsSentAt)
	require.NotNil(t, stored.DeliveryLink.Hosting)
	assert.Equal(t, "https://shop.example.com", stored.DeliveryLink.Hosting.URL)
	assert.Empty(t, stored.DeliveryLink.Files)

	assert.Equal(t, []models.DeliveryState{
		models.StatePending, models.StateProcessing, models.StateReady, models.StateDelivered,
	}, historyPath(stored))
	assert.Equal(t, []int64{id}, h.notifier.credentials)
	assert.Empty(t, h.notifier.deliveries)
	assert.Zero(t, stored.RetryCount)
}

func TestSetCredentials_WithoutSend(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{ProductType: models.ProductTypeTemplate, ProductID: productTemplate})

	got, err := h.svc.Admin.SetCredentials(context.Background(), d.ID, credentials(false))
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, got.State)
	assert.Nil(t, h.repo.get(t, d.ID).CredentialsSentAt)
	assert.Empty(t, h.notifier.credentials)
}

func TestSetCredentials_RejectedCallWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := seedDelivery(t, h, models.Delivery{ProductType: models.ProductTypeTemplate, ProductID: productTemplate})

	first := credentials(true)
	first.Domain = "one.test"
	_, err := h.svc.Admin.SetCredentials(ctx, d.ID, first)
	require.NoError(t, err)
	before := h.repo.get(t, d.ID)
	require.Equal(t, models.StateDelivered, before.State)

	second := credentials(true)
	second.Domain = "two.test"
	second.Credentials = "root / other"
	_, err = h.svc.Admin.SetCredentials(ctx, d.ID, second)
	assert.True(t, lifecycle.IsInvalidTransition(err))

	after := h.repo.get(t, d.ID)
	assert.Equal(t, "one.test", after.HostingDomain)
	assert.Equal(t, before.HostingCredentials, after.HostingCredentials)
	assert.Equal(t, "https://one.test", after.DeliveryLink.Hosting.URL)
	assert.Len(t, after.StateHistory, len(before.StateHistory))
	assert.Len(t, h.notifier.credentials, 1)

	exhausted := seedDelivery(t, h, models.Delivery{
		ProductType:   models.ProductTypeTemplate,
		ProductID:     productTemplate,
		State:         models.StateFailed,
		FailureReason: models.FailureEmailFailed,
		RetryCount:    3,
	})
	_, err = h.svc.Admin.SetCredentials(ctx, exhausted.ID, second)
	assert.True(t, lifecycle.IsRetriesExhausted(err))
	assert.Empty(t, h.repo.get(t, exhausted.ID).HostingDomain)
}

func TestSetCredentials_RejectsInstantProducts(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{})

	_, err := h.svc.Admin.SetCredentials(context.Background(), d.ID, credentials(true))
	assert.ErrorIs(t, err, ErrNotTemplate)
	assert.Empty(t, h.repo.get(t, d.ID).HostingDomain)

	_, err = h.svc.Admin.SetCredentials(context.Background(), 404, credentials(true))
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
}

func TestSetCredentials_SendFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{ProductType: models.ProductTypeTemplate, ProductID: productTemplate})
	h.notifier.failNext = 1

	got, err := h.svc.Admin.SetCredentials(context.Background(), d.ID, credentials(true))
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)

	stored := h.repo.get(t, d.ID)
	assert.Equal(t, models.FailureEmailFailed, stored.FailureReason)
	assert.Nil(t, stored.CredentialsSentAt)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), *stored.NextRetryAt)

	// the recovery sweep resends the credentials once due
	h.clock.Advance(5 * time.Minute)
	report, err := h.svc.Recovery.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, models.StateDelivered, h.repo.get(t, d.ID).State)
	assert.Equal(t, []int64{d.ID}, h.notifier.credentials)
}

func TestResendEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, toolItem(1))))
	id := h.repo.byItem(t, 1, 1).ID

	d, err := h.svc.Admin.ResendEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, d.State)
	assert.Equal(t, []int64{id, id}, h.notifier.deliveries)
	assert.Len(t, h.repo.get(t, id).StateHistory, 3)
}

func TestResendEmail_FailedDeliveryDriven(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{State: models.StateFailed, FailureReason: models.FailureEmailFailed, RetryCount: 1})

	got, err := h.svc.Admin.ResendEmail(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, got.State)
	assert.Len(t, got.DeliveryLink.Files, 2)
	// admin remedies do not spend retries
	assert.Equal(t, 1, h.repo.get(t, d.ID).RetryCount)
}

func TestResendEmail_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	template := seedDelivery(t, h, models.Delivery{
		ProductType: models.ProductTypeTemplate, ProductID: productTemplate, State: models.StateFailed,
	})
	_, err := h.svc.Admin.ResendEmail(ctx, template.ID)
	assert.ErrorIs(t, err, ErrNoHostingDetails)

	pending := seedDelivery(t, h, models.Delivery{})
	_, err = h.svc.Admin.ResendEmail(ctx, pending.ID)
	assert.True(t, lifecycle.IsInvalidTransition(err))
	assert.Empty(t, h.notifier.deliveries)
}

func TestFlagIssueThenMarkReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := seedDelivery(t, h, models.Delivery{State: models.StateDelivered})

	flagged, err := h.svc.Admin.FlagIssue(ctx, d.ID, "customer reports corrupt archive")
	require.NoError(t, err)
	assert.Equal(t, models.StateIssue, flagged.State)
	last := h.repo.get(t, d.ID).StateHistory[0]
	assert.True(t, strings.HasSuffix(last.Reason, "customer reports corrupt archive"))

	ready, err := h.svc.Admin.MarkReady(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReady, ready.State)
	assert.Len(t, ready.DeliveryLink.Files, 2)
	assert.Equal(t, []models.DeliveryState{
		models.StateDelivered, models.StateIssue, models.StateProcessing, models.StateReady,
	}, historyPath(h.repo.get(t, d.ID)))
}

func TestMarkReady_TerminalRejected(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{State: models.StateCompleted})

	_, err := h.svc.Admin.MarkReady(context.Background(), d.ID)
	assert.True(t, lifecycle.IsInvalidTransition(err))
	assert.Equal(t, models.StateCompleted, h.repo.get(t, d.ID).State)
}

func TestAdminEscalate(t *testing.T) {
	h := newHarness(t)
	d := seedDelivery(t, h, models.Delivery{State: models.StateProcessing})

	got, err := h.svc.Admin.Escalate(context.Background(), d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)

	got, err = h.svc.Admin.Escalate(context.Background(), d.ID, "vip customer")
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationLevel)

	require.Len(t, h.notifier.alerts, 2)
	assert.Equal(t, "manual escalation", h.notifier.alerts[0].reason)
	assert.Equal(t, "vip customer", h.notifier.alerts[1].reason)
	assert.Equal(t, models.SeverityUrgent, h.events.escalations[1].Severity)
}
