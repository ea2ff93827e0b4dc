package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/service"
)

// Event types, appended to the subject prefix.
const (
	EventFinalized     = "finalized"
	EventStatusChanged = "status_changed"
)

// MsgPublisher is the part of *nats.Conn the publisher uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// EventPublisher publishes invoice lifecycle events to NATS.
//
// Subject convention: <prefix>.<event_type>, e.g. invoices.finalized
//
// Callers treat failures as non-fatal; the returned error is for logging and
// metrics only.
type EventPublisher struct {
	conn   MsgPublisher
	prefix string
	log    *logger.Logger
}

var _ service.EventPublisher = (*EventPublisher)(nil)

// InvoiceEvent is the JSON schema published to NATS.
type InvoiceEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	IssuerID       string    `json:"issuer_id"`
	InvoiceID      string    `json:"invoice_id"`
	InvoiceNumber  string    `json:"invoice_number"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	PaymentStatus  string    `json:"payment_status"`
	Total          string    `json:"total"`
	Currency       string    `json:"currency"`
	PDFHash        string    `json:"pdf_hash,omitempty"`
	PDFPath        string    `json:"pdf_path,omitempty"`
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	l := log.WithComponent("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewEventPublisher creates a publisher. prefix defaults to "invoices".
func NewEventPublisher(conn MsgPublisher, prefix string, log *logger.Logger) *EventPublisher {
	if prefix == "" {
		prefix = "invoices"
	}
	return &EventPublisher{conn: conn, prefix: prefix, log: log.WithComponent("events")}
}

// PublishFinalized announces a newly finalized invoice.
func (p *EventPublisher) PublishFinalized(ctx context.Context, inv *repository.Invoice) error {
	return p.publish(ctx, newEvent(EventFinalized, inv))
}

// PublishStatusChanged announces a status transition.
func (p *EventPublisher) PublishStatusChanged(ctx context.Context, inv *repository.Invoice, previousStatus string) error {
	event := newEvent(EventStatusChanged, inv)
	event.PreviousStatus = previousStatus
	return p.publish(ctx, event)
}

func newEvent(eventType string, inv *repository.Invoice) *InvoiceEvent {
	e := &InvoiceEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		IssuerID:      inv.IssuerID,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		Status:        inv.Status,
		PaymentStatus: inv.PaymentStatus,
		Total:         inv.Total.StringFixed(2),
		Currency:      inv.Currency,
	}
	if inv.PDFHash != nil {
		e.PDFHash = *inv.PDFHash
	}
	if inv.PDFPath != nil {
		e.PDFPath = *inv.PDFPath
	}
	return e
}

func (p *EventPublisher) publish(ctx context.Context, event *InvoiceEvent) error {
	if p.conn == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.EventType, err)
	}

	msg := nats.NewMsg(p.prefix + "." + event.EventType)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, event.EventID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", msg.Subject, err)
	}

	p.log.Debug().
		Str("subject", msg.Subject).
		Str("invoice_id", event.InvoiceID).
		Msg("event published")

	return nil
}
