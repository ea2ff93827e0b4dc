package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/metrics"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

// InvoiceStore is the invoice persistence the services need. The Postgres
// implementation is repository.InvoiceRepository.
type InvoiceStore interface {
	Create(ctx context.Context, invoice *repository.Invoice) error
	GetByID(ctx context.Context, id, issuerID string) (*repository.Invoice, error)
	List(ctx context.Context, filter repository.ListFilter) ([]*repository.Invoice, int64, error)
	UpdateDraft(ctx context.Context, invoice *repository.Invoice) error
	MarkFinalized(ctx context.Context, f repository.Finalization) (bool, error)
	UpdateStatus(ctx context.Context, u repository.StatusUpdate, allowed []string) error
	MarkSent(ctx context.Context, id, issuerID string, at time.Time) error
	SoftDelete(ctx context.Context, id, issuerID string, at time.Time) error
}

// IssuerStore loads issuers.
type IssuerStore interface {
	GetByID(ctx context.Context, id string) (*repository.Issuer, error)
}

// ClientStore loads an issuer's clients.
type ClientStore interface {
	GetByID(ctx context.Context, id, issuerID string) (*repository.Client, error)
}

// TemplateStore returns the issuer's current template, or nil when the
// built-in layout applies.
type TemplateStore interface {
	GetDefault(ctx context.Context, issuerID string) (*repository.Template, error)
}

// ProfileChecker lists what keeps an issuer from emitting a legal invoice.
type ProfileChecker interface {
	Violations(issuer *repository.Issuer) []string
}

// EventPublisher announces lifecycle changes to other services.
type EventPublisher interface {
	PublishFinalized(ctx context.Context, invoice *repository.Invoice) error
	PublishStatusChanged(ctx context.Context, invoice *repository.Invoice, previousStatus string) error
}

// publish runs fn when a publisher is configured. Failures are logged and
// counted only.
func publish(ctx context.Context, events EventPublisher, log *logger.Logger, m *metrics.Metrics, invoice *repository.Invoice, fn func(context.Context, EventPublisher) error) {
	if events == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), events); err != nil {
		m.IncPublishFailure()
		log.Warn().Err(err).
			Str("invoice_id", invoice.ID).
			Str("invoice_number", invoice.InvoiceNumber).
			Msg("Failed to publish invoice event")
	}
}

// clone returns a shallow copy good enough for before/after diffs; items are
// copied so edits to one slice never show in the other.
func clone(inv *repository.Invoice) *repository.Invoice {
	c := *inv
	if inv.Items != nil {
		c.Items = append([]repository.InvoiceItem(nil), inv.Items...)
	}
	return &c
}
