package billing

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-sync-service/internal/alerting"
	"event-sync-service/internal/models"
	"event-sync-service/internal/store"
)

func newProcessor(st store.Store) *Processor {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewProcessor(st, log, alerting.NopSink{})
}

func checkoutEvent(id, tenantID string) json.RawMessage {
	return json.RawMessage(`{
		"id": "` + id + `",
		"type": "checkout.session.completed",
		"data": {"object": {"metadata": {"org_id": "` + tenantID + `"}}}
	}`)
}

func subscriptionEvent(id, eventType, tenantID, status string) json.RawMessage {
	return json.RawMessage(`{
		"id": "` + id + `",
		"type": "` + eventType + `",
		"data": {"object": {"status": "` + status + `", "metadata": {"org_id": "` + tenantID + `"}}}
	}`)
}

func TestHandleAppliesCheckoutExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(ctx, models.Tenant{ID: "org1", PlanTier: models.PlanFree}))
	p := newProcessor(st)

	raw := checkoutEvent("evt_1", "org1")

	duplicate, err := p.Handle(ctx, raw)
	require.NoError(t, err)
	assert.False(t, duplicate)

	tenant, err := st.GetTenant(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanSupporter, tenant.PlanTier)

	ev, err := st.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookProcessed, ev.Status)

	// Redelivery is acknowledged without reapplying effects.
	require.NoError(t, st.SetTenantPlan(ctx, "org1", models.PlanFree))
	duplicate, err = p.Handle(ctx, raw)
	require.NoError(t, err)
	assert.True(t, duplicate)

	tenant, err = st.GetTenant(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, tenant.PlanTier, "duplicate delivery must not reapply the plan change")
}

func TestHandleSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(ctx, models.Tenant{ID: "org1", PlanTier: models.PlanFree}))
	p := newProcessor(st)

	_, err := p.Handle(ctx, subscriptionEvent("evt_1", "customer.subscription.created", "org1", "active"))
	require.NoError(t, err)
	tenant, _ := st.GetTenant(ctx, "org1")
	assert.Equal(t, models.PlanSupporter, tenant.PlanTier)

	// A lapsed-but-collectible subscription keeps the plan.
	_, err = p.Handle(ctx, subscriptionEvent("evt_2", "customer.subscription.updated", "org1", "past_due"))
	require.NoError(t, err)
	tenant, _ = st.GetTenant(ctx, "org1")
	assert.Equal(t, models.PlanSupporter, tenant.PlanTier)

	_, err = p.Handle(ctx, subscriptionEvent("evt_3", "customer.subscription.updated", "org1", "canceled"))
	require.NoError(t, err)
	tenant, _ = st.GetTenant(ctx, "org1")
	assert.Equal(t, models.PlanFree, tenant.PlanTier)

	_, err = p.Handle(ctx, subscriptionEvent("evt_4", "customer.subscription.created", "org1", "trialing"))
	require.NoError(t, err)
	_, err = p.Handle(ctx, subscriptionEvent("evt_5", "customer.subscription.deleted", "org1", "active"))
	require.NoError(t, err)
	tenant, _ = st.GetTenant(ctx, "org1")
	assert.Equal(t, models.PlanFree, tenant.PlanTier, "deletion downgrades regardless of status")
}

func TestHandleSkipsManuallyManagedTenants(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(ctx, models.Tenant{ID: "org1", PlanTier: models.PlanGiftedSupporter}))
	p := newProcessor(st)

	duplicate, err := p.Handle(ctx, subscriptionEvent("evt_1", "customer.subscription.deleted", "org1", "canceled"))
	require.NoError(t, err)
	assert.False(t, duplicate)

	tenant, err := st.GetTenant(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanGiftedSupporter, tenant.PlanTier, "manual plans are never overwritten by billing events")

	// The delivery still counts as processed so retries stay quiet.
	ev, err := st.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookProcessed, ev.Status)
}

func TestHandleFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newProcessor(st)

	// Tenant does not exist yet: processing fails and the delivery is
	// recorded as failed, not processed.
	raw := checkoutEvent("evt_1", "org1")
	_, err := p.Handle(ctx, raw)
	require.Error(t, err)

	ev, err := st.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookFailed, ev.Status)
	require.NotNil(t, ev.LastError)

	// Once the tenant appears, the provider's redelivery succeeds.
	require.NoError(t, st.PutTenant(ctx, models.Tenant{ID: "org1", PlanTier: models.PlanFree}))
	duplicate, err := p.Handle(ctx, raw)
	require.NoError(t, err)
	assert.False(t, duplicate)

	tenant, _ := st.GetTenant(ctx, "org1")
	assert.Equal(t, models.PlanSupporter, tenant.PlanTier)
}

func TestHandleUnknownEventTypeIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newProcessor(st)

	raw := json.RawMessage(`{"id": "evt_1", "type": "customer.created", "data": {"object": {}}}`)
	duplicate, err := p.Handle(ctx, raw)
	require.NoError(t, err)
	assert.False(t, duplicate)

	ev, err := st.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookProcessed, ev.Status)
}

func TestHandleRejectsEventWithoutID(t *testing.T) {
	st := store.NewMemory()
	p := newProcessor(st)

	_, err := p.Handle(context.Background(), json.RawMessage(`{"type": "invoice.paid"}`))
	assert.ErrorIs(t, err, errMissingEventID)
}

func TestHandleInvoicePaidFallsBackToLineMetadata(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.PutTenant(ctx, models.Tenant{ID: "org1", PlanTier: models.PlanFree}))
	p := newProcessor(st)

	raw := json.RawMessage(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"data": {"object": {"metadata": {}, "lines": {"data": [{"metadata": {"org_id": "org1"}}]}}}
	}`)
	_, err := p.Handle(ctx, raw)
	require.NoError(t, err)

	tenant, _ := st.GetTenant(ctx, "org1")
	assert.Equal(t, models.PlanSupporter, tenant.PlanTier)
}
