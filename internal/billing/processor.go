package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/alerting"
	"event-sync-service/internal/models"
	"event-sync-service/internal/store"
	"event-sync-service/internal/telemetry"
)

// Event is the provider notification envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Subscription statuses that keep a tenant on the supporter plan.
var supporterStatuses = map[string]bool{
	"active":   true,
	"trialing": true,
	"past_due": true,
	"unpaid":   true,
}

var errMissingEventID = errors.New("webhook event id is missing")

// Processor applies billing events exactly once. Dedup rides on the store's
// BeginWebhookEvent claim; effects are last-write-wins plan assignments so
// even an accidental duplicate apply would be harmless.
type Processor struct {
	store store.Store
	log   *logrus.Logger
	sink  alerting.Sink
}

func NewProcessor(st store.Store, log *logrus.Logger, sink alerting.Sink) *Processor {
	return &Processor{store: st, log: log, sink: sink}
}

// Handle claims, applies, and finalizes one delivery. It returns
// duplicate=true (and does nothing else) when the event id was already
// processed. A processing error marks the event failed and is returned so
// the HTTP layer can answer non-2xx and get a redelivery.
func (p *Processor) Handle(ctx context.Context, raw json.RawMessage) (duplicate bool, err error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return false, fmt.Errorf("parse webhook payload: %w", err)
	}
	if event.ID == "" {
		return false, errMissingEventID
	}

	shouldProcess, err := p.store.BeginWebhookEvent(ctx, event.ID, event.Type, raw)
	if err != nil {
		return false, fmt.Errorf("begin webhook event: %w", err)
	}
	if !shouldProcess {
		telemetry.WebhookDuplicates.Inc()
		p.log.WithField("event_id", event.ID).Info("duplicate webhook delivery ignored")
		return true, nil
	}
	telemetry.WebhookEvents.Inc()

	if err := p.apply(ctx, event); err != nil {
		telemetry.WebhookFailures.Inc()
		if failErr := p.store.FailWebhookEvent(ctx, event.ID, err.Error()); failErr != nil {
			p.log.WithError(failErr).WithField("event_id", event.ID).Error("mark webhook event failed")
		}
		alerting.ReportError(ctx, p.sink, p.log, "billing-webhook", "Webhook processing failed", err, map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type,
		})
		return false, err
	}

	if err := p.store.FinishWebhookEvent(ctx, event.ID); err != nil {
		return false, fmt.Errorf("finish webhook event: %w", err)
	}
	return false, nil
}

func (p *Processor) apply(ctx context.Context, event Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session struct {
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return fmt.Errorf("parse checkout session: %w", err)
		}
		tenantID := session.Metadata["org_id"]
		if tenantID == "" {
			tenantID = session.ClientReferenceID
		}
		if tenantID == "" {
			return nil
		}
		return p.applyPlan(ctx, tenantID, models.PlanSupporter, event)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub struct {
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		tenantID := sub.Metadata["org_id"]
		if tenantID == "" {
			return nil
		}
		plan := models.PlanFree
		if event.Type != "customer.subscription.deleted" && supporterStatuses[sub.Status] {
			plan = models.PlanSupporter
		}
		return p.applyPlan(ctx, tenantID, plan, event)

	case "invoice.paid":
		var invoice struct {
			Metadata map[string]string `json:"metadata"`
			Lines    struct {
				Data []struct {
					Metadata map[string]string `json:"metadata"`
				} `json:"data"`
			} `json:"lines"`
		}
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		tenantID := invoice.Metadata["org_id"]
		if tenantID == "" && len(invoice.Lines.Data) > 0 {
			tenantID = invoice.Lines.Data[0].Metadata["org_id"]
		}
		if tenantID == "" {
			return nil
		}
		return p.applyPlan(ctx, tenantID, models.PlanSupporter, event)
	}

	// Unhandled event types are acknowledged without effects.
	return nil
}

// applyPlan writes the plan tier as absolute state. Manually managed
// tenants (gifted supporter) are never overwritten by provider events; the
// guard lives here, inside the effect, not in the dedup layer.
func (p *Processor) applyPlan(ctx context.Context, tenantID, plan string, event Event) error {
	tenant, err := p.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("tenant %s not found", tenantID)
		}
		return fmt.Errorf("load tenant: %w", err)
	}

	if tenant.PlanTier == models.PlanGiftedSupporter {
		p.log.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"event_id":  event.ID,
		}).Info("tenant plan is manually managed, skipping billing effect")
		return nil
	}

	if err := p.store.SetTenantPlan(ctx, tenantID, plan); err != nil {
		return fmt.Errorf("set tenant plan: %w", err)
	}
	if tenant.PlanTier != plan {
		p.log.WithFields(logrus.Fields{
			"tenant_id":  tenantID,
			"from":       tenant.PlanTier,
			"to":         plan,
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Info("tenant plan updated")
	}
	return nil
}
