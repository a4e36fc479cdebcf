package models

import (
	"encoding/json"
	"time"
)

// Webhook event processing states. "processed" is terminal: replays of a
// processed event id must not re-apply effects.
const (
	WebhookProcessing = "processing"
	WebhookProcessed  = "processed"
	WebhookFailed     = "failed"
)

// WebhookEvent is the idempotency record for one inbound billing
// notification, keyed by the provider-supplied event id.
type WebhookEvent struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    *string         `json:"last_error,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
