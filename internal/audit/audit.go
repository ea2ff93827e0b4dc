// Package audit records invoice lifecycle events. Recording is best-effort:
// a failed append is logged and counted but never fails the operation that
// triggered it.
package audit

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/metrics"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

// Store persists and reads audit entries.
type Store interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	History(ctx context.Context, invoiceID, issuerID string, limit int) ([]*repository.AuditEntry, error)
}

// RequestInfo describes where a change came from.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

type ctxKey struct{}

// WithRequestInfo attaches request metadata to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// RequestInfoFrom returns the metadata stored by WithRequestInfo.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(ctxKey{}).(RequestInfo)
	return info
}

// Recorder appends entries on behalf of the services.
type Recorder struct {
	store   Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, log *logger.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{store: store, log: log.WithComponent("audit"), metrics: m}
}

// Record appends one entry for invoice. Failures are swallowed.
func (r *Recorder) Record(ctx context.Context, invoice *repository.Invoice, action, actor string, changes []repository.FieldChange, metadata map[string]any) {
	entry := &repository.AuditEntry{
		InvoiceID:   invoice.ID,
		IssuerID:    invoice.IssuerID,
		Action:      action,
		PerformedBy: actor,
		Changes:     changes,
		Metadata:    metadata,
	}

	info := RequestInfoFrom(ctx)
	if info.IPAddress != "" {
		entry.IPAddress = &info.IPAddress
	}
	if info.UserAgent != "" {
		entry.UserAgent = &info.UserAgent
	}

	// the caller's context may already be cancelled after a client disconnect
	if err := r.store.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.metrics.IncAuditFailure()
		r.log.Error().Err(err).
			Str("invoice_id", invoice.ID).
			Str("issuer_id", invoice.IssuerID).
			Str("action", action).
			Msg("Failed to append audit entry")
	}
}

// History returns an invoice's trail newest first.
func (r *Recorder) History(ctx context.Context, invoiceID, issuerID string, limit int) ([]*repository.AuditEntry, error) {
	return r.store.History(ctx, invoiceID, issuerID, limit)
}

// Diff lists the tracked fields whose JSON encoding differs between before
// and after. With a nil before, every tracked field set on after is reported.
func Diff(before, after *repository.Invoice) []repository.FieldChange {
	var oldFields map[string]any
	if before != nil {
		oldFields = trackedFields(before)
	}
	newFields := trackedFields(after)

	changes := make([]repository.FieldChange, 0)
	for _, name := range TrackedFields {
		oldVal, newVal := oldFields[name], newFields[name]
		if sameJSON(oldVal, newVal) {
			continue
		}
		changes = append(changes, repository.FieldChange{Field: name, OldValue: oldVal, NewValue: newVal})
	}
	return changes
}

// TrackedFields are the invoice fields compared by Diff, in output order.
var TrackedFields = []string{
	"invoiceNumber",
	"clientId",
	"items",
	"subtotal",
	"taxAmount",
	"total",
	"issueDate",
	"dueDate",
	"status",
	"paymentStatus",
	"amountPaid",
	"balanceDue",
}

func trackedFields(inv *repository.Invoice) map[string]any {
	return map[string]any{
		"invoiceNumber": inv.InvoiceNumber,
		"clientId":      inv.ClientID,
		"items":         inv.Items,
		"subtotal":      inv.Subtotal,
		"taxAmount":     inv.TaxAmount,
		"total":         inv.Total,
		"issueDate":     inv.IssueDate,
		"dueDate":       inv.DueDate,
		"status":        inv.Status,
		"paymentStatus": inv.PaymentStatus,
		"amountPaid":    inv.AmountPaid,
		"balanceDue":    inv.BalanceDue,
	}
}

func sameJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
