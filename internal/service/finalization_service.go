package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/integrity"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/metrics"
	"github.com/pesio-ai/be-ar-invoices/internal/render"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/storage"
)

const (
	defaultRenderTimeout = 30 * time.Second
	defaultAwaitTimeout  = 10 * time.Second
	defaultPollInterval  = 100 * time.Millisecond
)

// FinalizationDeps wires a FinalizationService.
type FinalizationDeps struct {
	Invoices  InvoiceStore
	Issuers   IssuerStore
	Clients   ClientStore
	Templates TemplateStore
	Renderer  render.Renderer
	Store     storage.DocumentStore
	Integrity *integrity.Service
	Profile   ProfileChecker
	Recorder  *audit.Recorder
	Events    EventPublisher // optional
	Metrics   *metrics.Metrics

	RenderTimeout time.Duration
	// AwaitTimeout bounds how long a finalize that lost a race waits for the
	// winner to commit.
	AwaitTimeout time.Duration
}

// FinalizationService locks invoices behind an archived, hashed PDF.
type FinalizationService struct {
	deps         FinalizationDeps
	log          *logger.Logger
	now          func() time.Time
	pollInterval time.Duration
}

// NewFinalizationService creates a FinalizationService.
func NewFinalizationService(deps FinalizationDeps, log *logger.Logger) *FinalizationService {
	if deps.RenderTimeout <= 0 {
		deps.RenderTimeout = defaultRenderTimeout
	}
	if deps.AwaitTimeout <= 0 {
		deps.AwaitTimeout = defaultAwaitTimeout
	}
	return &FinalizationService{
		deps:         deps,
		log:          log.WithComponent("finalization_service"),
		now:          time.Now,
		pollInterval: defaultPollInterval,
	}
}

// Document is an archived invoice PDF.
type Document struct {
	Filename string
	Hash     string
	Data     []byte
}

// Finalize renders, archives and locks an invoice. At most one call per
// invoice succeeds; the others get ALREADY_FINALIZED. The lock only applies
// to the version the PDF was rendered from, so a draft edited meanwhile
// yields CONFLICT. Nothing is written when validation, rendering or storage
// fails.
func (s *FinalizationService) Finalize(ctx context.Context, issuerID, invoiceID, actor string) (*repository.Invoice, error) {
	invoice, err := s.deps.Invoices.GetByID(ctx, invoiceID, issuerID)
	if err != nil {
		return nil, s.fail(err)
	}

	if invoice.IsFinalized {
		s.deps.Metrics.IncFinalization(metrics.OutcomeAlreadyFinalized)
		return nil, alreadyFinalized(invoice)
	}

	in, violations, err := s.collect(ctx, invoice)
	if err != nil {
		return nil, s.fail(err)
	}
	if len(violations) > 0 {
		s.deps.Metrics.IncFinalization(metrics.OutcomeValidation)
		return nil, errors.Validation(violations)
	}

	pdf, err := s.render(ctx, in)
	if err != nil {
		return nil, s.fail(err)
	}

	hash := s.deps.Integrity.Hash(pdf)
	rel := storage.PathFor(invoice.IssuerID, invoice.IssueDate.Year(), invoice.InvoiceNumber)

	if err := s.deps.Store.Write(ctx, rel, pdf); err != nil {
		if errors.Is(err, storage.ErrExist) {
			return nil, s.awaitWinner(ctx, invoice, rel)
		}
		s.log.Error().Err(err).Str("invoice_id", invoice.ID).Str("path", rel).Msg("Failed to archive invoice PDF")
		return nil, s.fail(err)
	}

	finalizedAt := s.now().UTC()
	flipped, err := s.deps.Invoices.MarkFinalized(ctx, repository.Finalization{
		InvoiceID:   invoice.ID,
		IssuerID:    invoice.IssuerID,
		FinalizedBy: actor,
		FinalizedAt: finalizedAt,
		PDFPath:     rel,
		PDFHash:     hash,
		UpdatedAt:   invoice.UpdatedAt,
	})
	if err != nil {
		switch s.checkCommit(ctx, invoice, hash) {
		case commitApplied:
			err, flipped = nil, true
		case commitMissing:
			s.discard(ctx, rel)
			return nil, s.fail(err)
		default:
			s.log.Error().Err(err).
				Str("invoice_id", invoice.ID).
				Str("path", rel).
				Str("pdf_hash", hash).
				Msg("Finalize outcome unknown, keeping archived PDF for reconciliation")
			return nil, s.fail(err)
		}
	}
	if !flipped {
		s.discard(ctx, rel)
		return nil, s.explainMissedFlip(ctx, invoice)
	}

	after := clone(invoice)
	after.IsFinalized = true
	after.FinalizedAt = &finalizedAt
	after.FinalizedBy = &actor
	after.PDFPath = &rel
	after.PDFHash = &hash
	if after.Status == repository.StatusDraft {
		after.Status = repository.StatusSent
	}

	s.deps.Recorder.Record(ctx, after, repository.ActionFinalized, actor, audit.Diff(invoice, after), map[string]any{
		"pdfHash":       hash,
		"pdfPath":       rel,
		"invoiceNumber": after.InvoiceNumber,
	})
	publish(ctx, s.deps.Events, s.log, s.deps.Metrics, after, func(ctx context.Context, p EventPublisher) error {
		return p.PublishFinalized(ctx, after)
	})

	s.deps.Metrics.IncFinalization(metrics.OutcomeFinalized)
	s.log.Info().
		Str("invoice_id", after.ID).
		Str("invoice_number", after.InvoiceNumber).
		Str("issuer_id", after.IssuerID).
		Str("pdf_path", rel).
		Str("pdf_hash", hash).
		Msg("Invoice finalized")

	return after, nil
}

// collect loads the render input and lists every reason the invoice cannot be
// finalized yet.
func (s *FinalizationService) collect(ctx context.Context, invoice *repository.Invoice) (render.Input, []string, error) {
	in := render.Input{Invoice: invoice}
	var violations []string

	if invoice.InvoiceNumber == "" {
		violations = append(violations, "invoice number is missing")
	}
	if len(invoice.Items) == 0 {
		violations = append(violations, "invoice has no line items")
	}
	if !invoice.Total.IsPositive() {
		violations = append(violations, "invoice total must be greater than zero")
	}
	if invoice.IssueDate == nil {
		violations = append(violations, "issue date is missing")
	}
	if invoice.DueDate == nil {
		violations = append(violations, "due date is missing")
	}

	if invoice.ClientID == nil {
		violations = append(violations, "invoice has no client")
	} else {
		client, err := s.deps.Clients.GetByID(ctx, *invoice.ClientID, invoice.IssuerID)
		switch {
		case errors.HasCode(err, errors.ErrCodeNotFound):
			violations = append(violations, "client not found")
		case err != nil:
			return in, nil, err
		default:
			in.Client = client
		}
	}

	issuer, err := s.deps.Issuers.GetByID(ctx, invoice.IssuerID)
	if err != nil {
		return in, nil, err
	}
	in.Issuer = issuer
	violations = append(violations, s.deps.Profile.Violations(issuer)...)

	if len(violations) > 0 {
		return in, violations, nil
	}

	tmpl, err := s.deps.Templates.GetDefault(ctx, invoice.IssuerID)
	if err != nil {
		return in, nil, err
	}
	in.Template = tmpl

	return in, nil, nil
}

func (s *FinalizationService) render(ctx context.Context, in render.Input) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deps.RenderTimeout)
	defer cancel()

	start := time.Now()
	pdf, err := s.deps.Renderer.Render(ctx, in)
	s.deps.Metrics.ObserveRender(time.Since(start).Seconds())

	if err != nil {
		s.log.Error().Err(err).
			Str("invoice_id", in.Invoice.ID).
			Dur("timeout", s.deps.RenderTimeout).
			Msg("PDF rendering failed")
		if ctx.Err() != nil {
			return nil, errors.Wrap(err, errors.ErrCodeRender, "PDF rendering timed out")
		}
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			return nil, errors.Wrap(err, errors.ErrCodeRender, "PDF rendering failed")
		}
		return nil, err
	}
	if len(pdf) == 0 {
		return nil, errors.New(errors.ErrCodeRender, "renderer returned an empty document")
	}
	return pdf, nil
}

// awaitWinner waits for a concurrent finalize of the same invoice to commit.
func (s *FinalizationService) awaitWinner(ctx context.Context, invoice *repository.Invoice, rel string) error {
	ctx, cancel := context.WithTimeout(ctx, s.deps.AwaitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		current, err := s.deps.Invoices.GetByID(ctx, invoice.ID, invoice.IssuerID)
		if err != nil && ctx.Err() == nil {
			return s.fail(err)
		}
		if err == nil && current.IsFinalized {
			s.deps.Metrics.IncFinalization(metrics.OutcomeAlreadyFinalized)
			return alreadyFinalized(current)
		}

		select {
		case <-ctx.Done():
			s.deps.Metrics.IncFinalization(metrics.OutcomeError)
			s.log.Error().
				Str("invoice_id", invoice.ID).
				Str("path", rel).
				Msg("Archive path taken but invoice never finalized")
			return errors.New(errors.ErrCodeConflict,
				"an archived document already exists for this invoice but the invoice is not finalized").
				WithDetail("path", rel)
		case <-ticker.C:
		}
	}
}

type commitState int

const (
	commitUnknown commitState = iota
	commitApplied
	commitMissing
)

// checkCommit re-reads the invoice after a failed flip, which may have
// committed before the error surfaced. Only a successful read that shows our
// hash missing allows the archived document to be removed.
func (s *FinalizationService) checkCommit(ctx context.Context, invoice *repository.Invoice, hash string) commitState {
	current, err := s.deps.Invoices.GetByID(context.WithoutCancel(ctx), invoice.ID, invoice.IssuerID)
	if err != nil {
		return commitUnknown
	}
	if current.IsFinalized && current.PDFHash != nil && *current.PDFHash == hash {
		return commitApplied
	}
	return commitMissing
}

// explainMissedFlip reports why a flip matched no row. A finalize that wrote
// its document never races another finalize at the same path, so an
// unfinalized invoice was edited while it rendered.
func (s *FinalizationService) explainMissedFlip(ctx context.Context, invoice *repository.Invoice) error {
	current, err := s.deps.Invoices.GetByID(ctx, invoice.ID, invoice.IssuerID)
	if err != nil {
		return s.fail(err)
	}
	if current.IsFinalized {
		s.deps.Metrics.IncFinalization(metrics.OutcomeAlreadyFinalized)
		return alreadyFinalized(current)
	}
	s.log.Warn().
		Str("invoice_id", invoice.ID).
		Time("rendered_version", invoice.UpdatedAt).
		Time("current_version", current.UpdatedAt).
		Msg("Invoice changed while finalizing, archived PDF discarded")
	return s.fail(errors.Stale("invoice", invoice.ID))
}

// discard removes a document this call wrote but could not attach.
func (s *FinalizationService) discard(ctx context.Context, rel string) {
	if err := s.deps.Store.Delete(context.WithoutCancel(ctx), rel); err != nil {
		s.log.Error().Err(err).Str("path", rel).Msg("Failed to remove unattached invoice PDF")
	}
}

func (s *FinalizationService) fail(err error) error {
	s.deps.Metrics.IncFinalization(metrics.OutcomeError)
	return err
}

// Verify recomputes the archived PDF's hash and compares it with the one
// recorded at finalization. A mismatch is a result, not an error.
func (s *FinalizationService) Verify(ctx context.Context, issuerID, invoiceID string) (*integrity.Result, error) {
	invoice, err := s.deps.Invoices.GetByID(ctx, invoiceID, issuerID)
	if err != nil {
		return nil, err
	}
	rel, hash, err := archived(invoice)
	if err != nil {
		return nil, err
	}
	if _, err := storage.CleanRel(rel); err != nil {
		s.log.Error().Err(err).Str("invoice_id", invoice.ID).Str("path", rel).Msg("Finalized invoice has an unsafe archive path")
		return nil, errors.New(errors.ErrCodeValidation, "finalized invoice has an invalid archive path").
			WithDetail("path", rel)
	}

	res, err := s.deps.Integrity.Verify(ctx, rel, hash)
	if err != nil {
		return nil, err
	}

	s.deps.Metrics.IncVerification(res.Status)
	if !res.Verified {
		s.log.Warn().
			Str("invoice_id", invoice.ID).
			Str("invoice_number", invoice.InvoiceNumber).
			Str("status", res.Status).
			Str("stored_hash", res.StoredHash).
			Str("current_hash", res.CurrentHash).
			Msg("Invoice PDF failed verification")
	}

	return res, nil
}

// OpenDocument returns the archived PDF of a finalized invoice.
func (s *FinalizationService) OpenDocument(ctx context.Context, issuerID, invoiceID string) (*Document, error) {
	invoice, err := s.deps.Invoices.GetByID(ctx, invoiceID, issuerID)
	if err != nil {
		return nil, err
	}
	rel, hash, err := archived(invoice)
	if err != nil {
		return nil, err
	}

	data, err := s.deps.Store.Read(ctx, rel)
	if err != nil {
		return nil, err
	}

	return &Document{
		Filename: storage.Sanitize(invoice.InvoiceNumber) + ".pdf",
		Hash:     hash,
		Data:     data,
	}, nil
}

func archived(invoice *repository.Invoice) (string, string, error) {
	if !invoice.IsFinalized {
		return "", "", errors.New(errors.ErrCodeValidation, "invoice is not finalized")
	}
	if invoice.PDFPath == nil || *invoice.PDFPath == "" || invoice.PDFHash == nil || *invoice.PDFHash == "" {
		return "", "", errors.New(errors.ErrCodeValidation, "finalized invoice has no archived PDF or hash")
	}
	return *invoice.PDFPath, *invoice.PDFHash, nil
}

func alreadyFinalized(invoice *repository.Invoice) error {
	var at time.Time
	if invoice.FinalizedAt != nil {
		at = *invoice.FinalizedAt
	}
	return errors.AlreadyFinalized(invoice.ID, at)
}
