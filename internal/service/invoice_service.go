package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/sequence"
)

const (
	defaultCurrency = "EUR"
	defaultPageSize = 20
	maxPageSize     = 100
	maxHistoryLimit = 1000
)

var hundred = decimal.NewFromInt(100)

// InvoiceService handles the draft side of the invoice lifecycle
type InvoiceService struct {
	invoices  InvoiceStore
	clients   ClientStore
	allocator *sequence.Allocator
	recorder  *audit.Recorder
	validate  *validator.Validate
	log       *logger.Logger
	now       func() time.Time
}

// NewInvoiceService creates a new invoice service
func NewInvoiceService(
	invoices InvoiceStore,
	clients ClientStore,
	allocator *sequence.Allocator,
	recorder *audit.Recorder,
	log *logger.Logger,
) *InvoiceService {
	return &InvoiceService{
		invoices:  invoices,
		clients:   clients,
		allocator: allocator,
		recorder:  recorder,
		validate:  validator.New(),
		log:       log.WithComponent("invoice_service"),
		now:       time.Now,
	}
}

// ItemRequest is one line as submitted by a caller; totals are computed.
type ItemRequest struct {
	Description string          `json:"description" validate:"required,max=500"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	VATRate     decimal.Decimal `json:"vatRate"`
}

// CreateInvoiceRequest represents a create invoice request
type CreateInvoiceRequest struct {
	IssuerID      string  `validate:"required"`
	ClientID      *string `validate:"omitempty,min=1"`
	InvoicePrefix string  `validate:"omitempty,max=10,alphanum"`
	IssueDate     *time.Time
	DueDate       *time.Time
	Currency      string        `validate:"omitempty,len=3,alpha"`
	Items         []ItemRequest `validate:"dive"`
	Notes         string        `validate:"max=2000"`
	CreatedBy     string
}

// UpdateDraftRequest carries the editable fields of a draft. Nil fields are
// left unchanged.
type UpdateDraftRequest struct {
	ID        string
	IssuerID  string
	ClientID  *string
	IssueDate *time.Time
	DueDate   *time.Time
	Currency  *string
	Items     []ItemRequest `validate:"dive"`
	Notes     *string
	UpdatedBy string
}

// ListResult is one page of invoices
type ListResult struct {
	Invoices []*repository.Invoice `json:"invoices"`
	Total    int64                 `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"pageSize"`
}

// CreateInvoice validates req, allocates the next number and stores a draft.
// The number is consumed even when the insert fails.
func (s *InvoiceService) CreateInvoice(ctx context.Context, req *CreateInvoiceRequest) (*repository.Invoice, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	if err := checkDates(req.IssueDate, req.DueDate); err != nil {
		return nil, err
	}

	items, subtotal, tax, err := computeTotals(req.Items)
	if err != nil {
		return nil, err
	}

	var clientName string
	if req.ClientID != nil {
		client, err := s.clients.GetByID(ctx, *req.ClientID, req.IssuerID)
		if err != nil {
			return nil, err
		}
		clientName = client.Name
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = defaultCurrency
	}

	number, err := s.allocator.Allocate(ctx, req.IssuerID, s.now().Year(), strings.ToUpper(req.InvoicePrefix), clientName)
	if err != nil {
		return nil, err
	}

	total := subtotal.Add(tax)
	invoice := &repository.Invoice{
		ID:            uuid.NewString(),
		IssuerID:      req.IssuerID,
		ClientID:      req.ClientID,
		InvoiceNumber: number.Formatted,
		Status:        repository.StatusDraft,
		PaymentStatus: repository.PaymentUnpaid,
		IssueDate:     req.IssueDate,
		DueDate:       req.DueDate,
		Currency:      currency,
		Items:         items,
		Subtotal:      subtotal,
		TaxAmount:     tax,
		Total:         total,
		AmountPaid:    decimal.Zero,
		BalanceDue:    total,
		Notes:         req.Notes,
	}
	if req.CreatedBy != "" {
		invoice.CreatedBy = &req.CreatedBy
	}

	if err := s.invoices.Create(ctx, invoice); err != nil {
		s.log.Error().Err(err).
			Str("issuer_id", req.IssuerID).
			Str("invoice_number", number.Formatted).
			Msg("Failed to create invoice, number left as a gap")
		return nil, err
	}

	s.recorder.Record(ctx, invoice, repository.ActionCreated, req.CreatedBy, audit.Diff(nil, invoice), nil)

	s.log.Info().
		Str("invoice_id", invoice.ID).
		Str("invoice_number", invoice.InvoiceNumber).
		Str("issuer_id", invoice.IssuerID).
		Msg("Invoice created")

	return invoice, nil
}

// UpdateDraft edits a draft. A finalized invoice is refused and the attempt is
// written to its audit trail.
func (s *InvoiceService) UpdateDraft(ctx context.Context, req *UpdateDraftRequest) (*repository.Invoice, error) {
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}

	before, err := s.invoices.GetByID(ctx, req.ID, req.IssuerID)
	if err != nil {
		return nil, err
	}

	if before.IsFinalized {
		err := errors.ModificationForbidden("invoice is finalized and can no longer be edited", repository.FinalizedStatuses)
		s.recordAttempt(ctx, before, req.UpdatedBy, err)
		return nil, err
	}

	after := clone(before)
	if req.ClientID != nil {
		if _, err := s.clients.GetByID(ctx, *req.ClientID, req.IssuerID); err != nil {
			return nil, err
		}
		after.ClientID = req.ClientID
	}
	if req.IssueDate != nil {
		after.IssueDate = req.IssueDate
	}
	if req.DueDate != nil {
		after.DueDate = req.DueDate
	}
	if err := checkDates(after.IssueDate, after.DueDate); err != nil {
		return nil, err
	}
	if req.Currency != nil {
		c := strings.ToUpper(*req.Currency)
		if len(c) != 3 {
			return nil, errors.InvalidInput("currency", "currency must be a 3-letter ISO code")
		}
		after.Currency = c
	}
	if req.Notes != nil {
		after.Notes = *req.Notes
	}
	if req.Items != nil {
		items, subtotal, tax, err := computeTotals(req.Items)
		if err != nil {
			return nil, err
		}
		after.Items = items
		after.Subtotal = subtotal
		after.TaxAmount = tax
		after.Total = subtotal.Add(tax)
		after.BalanceDue = after.Total.Sub(after.AmountPaid)
	}

	if err := s.invoices.UpdateDraft(ctx, after); err != nil {
		if errors.HasCode(err, errors.ErrCodeModificationForbidden) {
			s.recordAttempt(ctx, before, req.UpdatedBy, err)
		}
		return nil, err
	}

	s.recorder.Record(ctx, after, repository.ActionUpdated, req.UpdatedBy, audit.Diff(before, after), nil)

	return after, nil
}

// DeleteInvoice soft-deletes an invoice in any state. Archived PDFs stay.
func (s *InvoiceService) DeleteInvoice(ctx context.Context, id, issuerID, actor string) error {
	invoice, err := s.invoices.GetByID(ctx, id, issuerID)
	if err != nil {
		return err
	}

	if err := s.invoices.SoftDelete(ctx, id, issuerID, s.now().UTC()); err != nil {
		return err
	}

	s.recorder.Record(ctx, invoice, repository.ActionDeleted, actor, nil, map[string]any{
		"invoiceNumber": invoice.InvoiceNumber,
		"wasFinalized":  invoice.IsFinalized,
	})

	s.log.Info().
		Str("invoice_id", id).
		Str("issuer_id", issuerID).
		Bool("finalized", invoice.IsFinalized).
		Msg("Invoice deleted")

	return nil
}

// GetInvoice retrieves an invoice by ID
func (s *InvoiceService) GetInvoice(ctx context.Context, id, issuerID string) (*repository.Invoice, error) {
	return s.invoices.GetByID(ctx, id, issuerID)
}

// ListInvoices returns one page of an issuer's invoices. page starts at 1.
func (s *InvoiceService) ListInvoices(ctx context.Context, issuerID string, status *string, page, pageSize int) (*ListResult, error) {
	if issuerID == "" {
		return nil, errors.InvalidInput("issuer_id", "issuer id is required")
	}
	if status != nil && !repository.ValidStatus(*status) {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown status %q", *status))
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	invoices, total, err := s.invoices.List(ctx, repository.ListFilter{
		IssuerID: issuerID,
		Status:   status,
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	})
	if err != nil {
		return nil, err
	}

	return &ListResult{Invoices: invoices, Total: total, Page: page, PageSize: pageSize}, nil
}

// History returns an invoice's audit trail newest first. Entries of deleted
// invoices remain readable.
func (s *InvoiceService) History(ctx context.Context, invoiceID, issuerID string, limit int) ([]*repository.AuditEntry, error) {
	if invoiceID == "" {
		return nil, errors.InvalidInput("invoice_id", "invoice id is required")
	}
	if limit <= 0 {
		limit = repository.DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.recorder.History(ctx, invoiceID, issuerID, limit)
}

func (s *InvoiceService) recordAttempt(ctx context.Context, invoice *repository.Invoice, actor string, cause error) {
	recordAttempt(ctx, s.recorder, s.log, invoice, actor, map[string]any{
		"operation": "edit",
		"reason":    cause.Error(),
	})
}

func (s *InvoiceService) validateStruct(v any) error {
	return validationError(s.validate.Struct(v))
}

// recordAttempt writes a modification_attempt entry for a refused change to a
// finalized invoice.
func recordAttempt(ctx context.Context, recorder *audit.Recorder, log *logger.Logger, invoice *repository.Invoice, actor string, metadata map[string]any) {
	recorder.Record(ctx, invoice, repository.ActionModificationAttempt, actor, nil, metadata)
	log.Warn().
		Str("invoice_id", invoice.ID).
		Str("invoice_number", invoice.InvoiceNumber).
		Str("actor", actor).
		Interface("attempt", metadata).
		Msg("Refused modification of a finalized invoice")
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.InvalidInput("request", err.Error())
	}
	fe := verrs[0]
	return errors.InvalidInput(fe.Namespace(), fmt.Sprintf("failed on the %q rule", fe.Tag()))
}

func checkDates(issue, due *time.Time) error {
	if issue != nil && due != nil && due.Before(*issue) {
		return errors.InvalidInput("due_date", "due date cannot be before issue date")
	}
	return nil
}

// computeTotals prices every line at two decimals and sums them. VAT is
// computed per line and rounded half away from zero.
func computeTotals(reqs []ItemRequest) ([]repository.InvoiceItem, decimal.Decimal, decimal.Decimal, error) {
	items := make([]repository.InvoiceItem, 0, len(reqs))
	subtotal, tax := decimal.Zero, decimal.Zero

	for i, r := range reqs {
		field := fmt.Sprintf("items[%d]", i)
		if !r.Quantity.IsPositive() {
			return nil, decimal.Zero, decimal.Zero, errors.InvalidInput(field+".quantity", "quantity must be positive")
		}
		if r.UnitPrice.IsNegative() {
			return nil, decimal.Zero, decimal.Zero, errors.InvalidInput(field+".unitPrice", "unit price cannot be negative")
		}
		if r.VATRate.IsNegative() || r.VATRate.GreaterThan(hundred) {
			return nil, decimal.Zero, decimal.Zero, errors.InvalidInput(field+".vatRate", "VAT rate must be between 0 and 100")
		}

		lineTotal := r.Quantity.Mul(r.UnitPrice).Round(2)
		items = append(items, repository.InvoiceItem{
			Description: strings.TrimSpace(r.Description),
			Quantity:    r.Quantity,
			UnitPrice:   r.UnitPrice,
			VATRate:     r.VATRate,
			Total:       lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
		tax = tax.Add(lineTotal.Mul(r.VATRate).Div(hundred).Round(2))
	}

	return items, subtotal, tax, nil
}
