package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/metrics"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

// StatusService moves invoices between statuses and guards finalized ones.
type StatusService struct {
	invoices InvoiceStore
	recorder *audit.Recorder
	events   EventPublisher
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewStatusService creates a StatusService. events may be nil.
func NewStatusService(invoices InvoiceStore, recorder *audit.Recorder, events EventPublisher, m *metrics.Metrics, log *logger.Logger) *StatusService {
	return &StatusService{
		invoices: invoices,
		recorder: recorder,
		events:   events,
		metrics:  m,
		log:      log.WithComponent("status_service"),
		now:      time.Now,
	}
}

// StatusChangeRequest asks for a status change. AmountPaid is required for
// partially_paid and ignored otherwise.
type StatusChangeRequest struct {
	InvoiceID  string
	IssuerID   string
	Status     string
	AmountPaid *decimal.Decimal
	ChangedBy  string
}

// CheckStatusTransition reports whether invoice may move to target. Finalized
// invoices only accept repository.FinalizedStatuses.
func CheckStatusTransition(invoice *repository.Invoice, target string) error {
	if !repository.ValidStatus(target) {
		return errors.InvalidInput("status", fmt.Sprintf("unknown status %q", target))
	}
	if invoice.IsFinalized && !slices.Contains(repository.FinalizedStatuses, target) {
		return errors.ModificationForbidden(
			fmt.Sprintf("finalized invoice cannot move to status %q", target),
			repository.FinalizedStatuses)
	}
	return nil
}

// UpdateStatus applies a status change and its payment side effects. The
// amounts derive from the invoice as read, so a concurrent edit yields
// CONFLICT.
func (s *StatusService) UpdateStatus(ctx context.Context, req *StatusChangeRequest) (*repository.Invoice, error) {
	before, err := s.invoices.GetByID(ctx, req.InvoiceID, req.IssuerID)
	if err != nil {
		return nil, err
	}

	if err := CheckStatusTransition(before, req.Status); err != nil {
		if errors.HasCode(err, errors.ErrCodeModificationForbidden) {
			s.recordAttempt(ctx, before, req)
		}
		return nil, err
	}

	update := repository.StatusUpdate{
		InvoiceID:     before.ID,
		IssuerID:      before.IssuerID,
		Status:        req.Status,
		PaymentStatus: before.PaymentStatus,
		AmountPaid:    before.AmountPaid,
		BalanceDue:    before.BalanceDue,
		PaymentDate:   before.PaymentDate,
		UpdatedAt:     before.UpdatedAt,
	}

	switch req.Status {
	case repository.StatusPaid:
		now := s.now().UTC()
		update.PaymentStatus = repository.PaymentPaid
		update.AmountPaid = before.Total
		update.BalanceDue = decimal.Zero
		update.PaymentDate = &now
	case repository.StatusPartiallyPaid:
		if req.AmountPaid == nil {
			return nil, errors.InvalidInput("amountPaid", "amount paid is required for a partial payment")
		}
		paid := *req.AmountPaid
		if !paid.IsPositive() || !paid.LessThan(before.Total) {
			return nil, errors.InvalidInput("amountPaid",
				fmt.Sprintf("amount paid must be greater than 0 and less than the total %s", before.Total.StringFixed(2)))
		}
		update.PaymentStatus = repository.PaymentPartial
		update.AmountPaid = paid
		update.BalanceDue = before.Total.Sub(paid)
	}

	if err := s.invoices.UpdateStatus(ctx, update, repository.FinalizedStatuses); err != nil {
		if errors.HasCode(err, errors.ErrCodeModificationForbidden) {
			s.recordAttempt(ctx, before, req)
		}
		return nil, err
	}

	after := clone(before)
	after.Status = update.Status
	after.PaymentStatus = update.PaymentStatus
	after.AmountPaid = update.AmountPaid
	after.BalanceDue = update.BalanceDue
	after.PaymentDate = update.PaymentDate

	s.recorder.Record(ctx, after, repository.ActionUpdated, req.ChangedBy, audit.Diff(before, after), nil)

	if before.Status != after.Status {
		publish(ctx, s.events, s.log, s.metrics, after, func(ctx context.Context, p EventPublisher) error {
			return p.PublishStatusChanged(ctx, after, before.Status)
		})
	}

	s.log.Info().
		Str("invoice_id", after.ID).
		Str("from", before.Status).
		Str("to", after.Status).
		Msg("Invoice status updated")

	return after, nil
}

// MarkSent records that a finalized invoice was delivered.
func (s *StatusService) MarkSent(ctx context.Context, issuerID, invoiceID, actor string) (*repository.Invoice, error) {
	invoice, err := s.invoices.GetByID(ctx, invoiceID, issuerID)
	if err != nil {
		return nil, err
	}
	if !invoice.IsFinalized {
		return nil, errors.New(errors.ErrCodeValidation, "invoice must be finalized before it can be sent")
	}

	sentAt := s.now().UTC()
	if err := s.invoices.MarkSent(ctx, invoice.ID, invoice.IssuerID, sentAt); err != nil {
		return nil, err
	}

	after := clone(invoice)
	after.SentAt = &sentAt

	s.recorder.Record(ctx, after, repository.ActionSent, actor, nil, map[string]any{
		"sentAt": sentAt,
	})

	return after, nil
}

func (s *StatusService) recordAttempt(ctx context.Context, invoice *repository.Invoice, req *StatusChangeRequest) {
	recordAttempt(ctx, s.recorder, s.log, invoice, req.ChangedBy, map[string]any{
		"operation":       "status_change",
		"attemptedStatus": req.Status,
		"currentStatus":   invoice.Status,
		"allowed":         repository.FinalizedStatuses,
	})
}
