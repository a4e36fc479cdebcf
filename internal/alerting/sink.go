package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Severity levels for operator alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Alert is one operational notification.
type Alert struct {
	Source   string         `json:"source"`
	Severity string         `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Sink delivers alerts to operators. Delivery is best effort; failures are
// logged, never propagated to the caller's primary operation.
type Sink interface {
	Send(ctx context.Context, alert Alert)
}

// WebhookSink posts alerts as JSON to an operator webhook.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	log        *logrus.Logger
}

func NewWebhookSink(url string, log *logrus.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
}

func (s *WebhookSink) Send(ctx context.Context, alert Alert) {
	body, err := json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		Alert
	}{Timestamp: time.Now().UTC().Format(time.RFC3339), Alert: alert})
	if err != nil {
		s.log.WithError(err).Error("marshal ops alert")
		return
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("ops webhook returned %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		s.log.WithError(err).WithField("source", alert.Source).Error("failed to deliver ops alert")
	}
}

// NopSink drops alerts; used when no webhook is configured.
type NopSink struct{}

func (NopSink) Send(context.Context, Alert) {}

// ReportError logs the error and forwards it to the sink.
func ReportError(ctx context.Context, sink Sink, log *logrus.Logger, source, title string, err error, details map[string]any) {
	log.WithError(err).WithField("source", source).Error(title)
	sink.Send(ctx, Alert{
		Source:   source,
		Severity: SeverityError,
		Title:    title,
		Message:  err.Error(),
		Details:  details,
	})
}
