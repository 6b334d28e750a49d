package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLASweep_WarnsOnceThenEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.Factory.HandleOrderPaid(ctx, paidEvent("evt-1", 1, templateItem(1))))
	d := h.repo.byItem(t, 1, 1)

	// 48h SLA, 30m risk window: nothing to do yet
	report, err := h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	h.clock.Advance(48*time.Hour - 20*time.Minute)
	report, err = h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
	assert.Equal(t, 1, h.repo.get(t, d.ID).EscalationLevel)

	// still at risk, already warned
	h.clock.Advance(10 * time.Minute)
	report, err = h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)

	// breached: the first breach escalation fires right away
	h.clock.Advance(11 * time.Minute)
	report, err = h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, 2, h.repo.get(t, d.ID).EscalationLevel)

	require.Len(t, h.notifier.alerts, 2)
	assert.Equal(t, ReasonSLAAtRisk, h.notifier.alerts[0].reason)
	assert.Equal(t, ReasonSLABreach, h.notifier.alerts[1].reason)
	assert.Equal(t, models.SeverityUrgent, h.events.escalations[1].Severity)
}

func TestSLASweep_BreachEscalationsAreSpacedAndCapped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	deadline := h.clock.Now().Add(-time.Minute)
	d := seedDelivery(t, h, models.Delivery{State: models.StateFailed, SLADeadline: &deadline})

	_, err := h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.repo.get(t, d.ID).EscalationLevel)

	// sweeps every five minutes must not storm
	for i := 0; i < 6; i++ {
		h.clock.Advance(5 * time.Minute)
		_, err := h.svc.SLA.Sweep(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.repo.get(t, d.ID).EscalationLevel)

	h.clock.Advance(31 * time.Minute)
	_, err = h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.repo.get(t, d.ID).EscalationLevel)

	h.clock.Advance(time.Hour)
	_, err = h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.repo.get(t, d.ID).EscalationLevel)

	h.clock.Advance(10 * time.Hour)
	_, err = h.svc.SLA.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.repo.get(t, d.ID).EscalationLevel)

	require.Len(t, h.notifier.alerts, 3)
	assert.Equal(t, 3, h.notifier.alerts[2].level)
	assert.Equal(t, models.SeverityCritical, h.events.escalations[2].Severity)
}

func TestSLASweep_IgnoresSatisfiedAndTerminal(t *testing.T) {
	h := newHarness(t)
	deadline := h.clock.Now().Add(-time.Hour)
	seedDelivery(t, h, models.Delivery{State: models.StateDelivered, SLADeadline: &deadline})
	seedDelivery(t, h, models.Delivery{State: models.StateStalled, SLADeadline: &deadline})
	seedDelivery(t, h, models.Delivery{State: models.StateCompleted, SLADeadline: &deadline})

	report, err := h.svc.SLA.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
	assert.Empty(t, h.notifier.alerts)
}

func TestEscalate_ConcurrentCallersAlertOnce(t *testing.T) {
	h := newHarness(t)
	deadline := h.clock.Now().Add(-time.Minute)
	d := seedDelivery(t, h, models.Delivery{State: models.StatePending, SLADeadline: &deadline})

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < callers; i++ {
		snapshot := cloneDelivery(d)
		wg.Add(1)
		go func() {
			defer wg.Done()
			raised, err := h.svc.Escalator.Escalate(context.Background(), &snapshot, ReasonSLABreach)
			assert.NoError(t, err)
			if raised {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.repo.get(t, d.ID).EscalationLevel)
	assert.Len(t, h.notifier.alerts, 1)
	assert.Len(t, h.events.escalations, 1)
}
