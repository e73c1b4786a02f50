package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parlakisik/campus-exchange/internal/httpclient"
)

// Sink receives escrow events after the owning transaction has committed.
type Sink interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// Publisher logs every event and forwards it to a webhook when one is
// registered for its type (or a catch-all webhook).
type Publisher struct {
	source     string
	httpClient *httpclient.Client
	endpoints  map[string]string // eventType -> webhook URL
	fallback   string
}

// NewPublisher creates a new event publisher
func NewPublisher(source string) *Publisher {
	return &Publisher{
		source:     source,
		httpClient: httpclient.NewClient(source, 5*time.Second),
		endpoints:  make(map[string]string),
	}
}

// RegisterEndpoint registers a webhook endpoint for an event type
func (p *Publisher) RegisterEndpoint(eventType, webhookURL string) {
	p.endpoints[eventType] = webhookURL
}

// RegisterFallback sets the webhook used for event types without their own endpoint.
func (p *Publisher) RegisterFallback(webhookURL string) {
	p.fallback = webhookURL
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) error {
	envelope := newEnvelope(p.source, eventType, data)

	slog.InfoContext(ctx, "event_published",
		"event_id", envelope.EventID,
		"event_type", envelope.EventType,
		"contract_id", envelope.ContractID,
		"source", envelope.Source,
	)

	webhookURL, ok := p.endpoints[eventType]
	if !ok {
		webhookURL = p.fallback
	}
	if webhookURL == "" {
		return nil
	}
	return p.sendWebhook(ctx, webhookURL, envelope)
}

func (p *Publisher) sendWebhook(ctx context.Context, url string, envelope Envelope) error {
	err := p.httpClient.PostJSON(ctx, url, map[string]string{
		"X-Event-ID":      envelope.EventID,
		"X-Event-Type":    envelope.EventType,
		"Idempotency-Key": envelope.IdempotencyKey,
	}, envelope)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", envelope.EventType, err)
	}
	return nil
}

func newEnvelope(source, eventType string, data map[string]any) Envelope {
	envelope := Envelope{
		EventID:       "evt_" + uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: "1.0",
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          data,
	}
	if contractID, ok := data["contract_id"].(string); ok {
		envelope.ContractID = contractID
	}
	// Ledger-backed events are keyed by their transaction so redelivery is detectable.
	if txID, ok := data["transaction_id"].(string); ok && txID != "" {
		envelope.IdempotencyKey = eventType + "_" + txID
	} else {
		envelope.IdempotencyKey = envelope.EventID
	}
	return envelope
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, eventType string, data map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, eventType, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
