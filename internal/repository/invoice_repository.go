package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

const invoiceColumns = `
	id, issuer_id, client_id, invoice_number, status, payment_status,
	issue_date, due_date, currency, items,
	subtotal, tax_amount, total, amount_paid, balance_due, payment_date,
	notes, is_finalized, finalized_at, finalized_by, pdf_path, pdf_hash,
	sent_at, deleted_at, created_by, created_at, updated_at
`

// InvoiceRepository handles invoice data operations
type InvoiceRepository struct {
	db *database.DB
}

// NewInvoiceRepository creates a new invoice repository
func NewInvoiceRepository(db *database.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// Create inserts a draft invoice. invoice.ID must be set by the caller.
func (r *InvoiceRepository) Create(ctx context.Context, invoice *Invoice) error {
	itemsJSON, err := json.Marshal(invoice.Items)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal invoice items")
	}

	query := `
		INSERT INTO invoices (id, issuer_id, client_id, invoice_number, status, payment_status,
		                      issue_date, due_date, currency, items,
		                      subtotal, tax_amount, total, amount_paid, balance_due,
		                      notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		invoice.ID,
		invoice.IssuerID,
		invoice.ClientID,
		invoice.InvoiceNumber,
		invoice.Status,
		invoice.PaymentStatus,
		invoice.IssueDate,
		invoice.DueDate,
		invoice.Currency,
		itemsJSON,
		invoice.Subtotal,
		invoice.TaxAmount,
		invoice.Total,
		invoice.AmountPaid,
		invoice.BalanceDue,
		invoice.Notes,
		invoice.CreatedBy,
	).Scan(&invoice.CreatedAt, &invoice.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.Wrap(err, errors.ErrCodeConflict, "invoice number already in use").
				WithDetail("invoiceNumber", invoice.InvoiceNumber)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create invoice")
	}

	return nil
}

// GetByID retrieves a non-deleted invoice scoped to its issuer
func (r *InvoiceRepository) GetByID(ctx context.Context, id, issuerID string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE id = $1 AND issuer_id = $2 AND deleted_at IS NULL
	`

	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, id, issuerID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("invoice", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get invoice")
	}

	return invoice, nil
}

// List retrieves invoices with filtering and pagination
func (r *InvoiceRepository) List(ctx context.Context, filter ListFilter) ([]*Invoice, int64, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE issuer_id = $1 AND deleted_at IS NULL`
	countQuery := `SELECT COUNT(*) FROM invoices WHERE issuer_id = $1 AND deleted_at IS NULL`

	args := []any{filter.IssuerID}
	argCount := 2

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		countQuery += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filter.Status)
		argCount++
	}

	query += " ORDER BY created_at DESC, invoice_number DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)

	queryArgs := append(append([]any{}, args...), filter.Limit, filter.Offset)

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count invoices")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list invoices")
	}
	defer rows.Close()

	invoices := make([]*Invoice, 0)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan invoice")
		}
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list invoices")
	}

	return invoices, total, nil
}

// UpdateDraft rewrites the editable fields of a draft. It only matches rows
// that are still unfinalized and still carry invoice.UpdatedAt, so an edit
// racing a finalize or another edit cannot win.
func (r *InvoiceRepository) UpdateDraft(ctx context.Context, invoice *Invoice) error {
	itemsJSON, err := json.Marshal(invoice.Items)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal invoice items")
	}

	query := `
		UPDATE invoices
		SET client_id = $3,
		    issue_date = $4,
		    due_date = $5,
		    currency = $6,
		    items = $7,
		    subtotal = $8,
		    tax_amount = $9,
		    total = $10,
		    balance_due = $11,
		    notes = $12,
		    updated_at = NOW()
		WHERE id = $1 AND issuer_id = $2
		  AND is_finalized = FALSE AND deleted_at IS NULL
		  AND updated_at = $13
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		invoice.ID,
		invoice.IssuerID,
		invoice.ClientID,
		invoice.IssueDate,
		invoice.DueDate,
		invoice.Currency,
		itemsJSON,
		invoice.Subtotal,
		invoice.TaxAmount,
		invoice.Total,
		invoice.BalanceDue,
		invoice.Notes,
		invoice.UpdatedAt,
	).Scan(&invoice.UpdatedAt)

	if err == pgx.ErrNoRows {
		return r.explainStale(ctx, invoice.ID, invoice.IssuerID,
			errors.ModificationForbidden("invoice is finalized and can no longer be edited", FinalizedStatuses))
	}
	if err != nil {
		return mapWriteError(err, "failed to update invoice")
	}

	return nil
}

// MarkFinalized locks the invoice and records its archived document. It
// returns false when no unfinalized, non-deleted row at version f.UpdatedAt
// matched: the caller lost a race, the draft was edited after it was read, or
// the invoice went away.
func (r *InvoiceRepository) MarkFinalized(ctx context.Context, f Finalization) (bool, error) {
	query := `
		UPDATE invoices
		SET is_finalized = TRUE,
		    finalized_at = $3,
		    finalized_by = $4,
		    pdf_path = $5,
		    pdf_hash = $6,
		    status = CASE WHEN status = 'draft' THEN 'sent' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND issuer_id = $2
		  AND is_finalized = FALSE AND deleted_at IS NULL
		  AND updated_at = $7
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		f.InvoiceID,
		f.IssuerID,
		f.FinalizedAt,
		f.FinalizedBy,
		f.PDFPath,
		f.PDFHash,
		f.UpdatedAt,
	).Scan(&returnedID)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to finalize invoice")
	}

	return true, nil
}

// UpdateStatus applies a status change. For finalized rows the WHERE clause
// re-checks the target status against allowed. The row must still carry
// u.UpdatedAt, since the payment amounts were computed from that version.
func (r *InvoiceRepository) UpdateStatus(ctx context.Context, u StatusUpdate, allowed []string) error {
	query := `
		UPDATE invoices
		SET status = $3,
		    payment_status = $4,
		    amount_paid = $5,
		    balance_due = $6,
		    payment_date = $7,
		    updated_at = NOW()
		WHERE id = $1 AND issuer_id = $2 AND deleted_at IS NULL
		  AND (is_finalized = FALSE OR $3 = ANY($8::text[]))
		  AND updated_at = $9
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		u.InvoiceID,
		u.IssuerID,
		u.Status,
		u.PaymentStatus,
		u.AmountPaid,
		u.BalanceDue,
		u.PaymentDate,
		allowed,
		u.UpdatedAt,
	).Scan(&returnedID)

	if err == pgx.ErrNoRows {
		var onFinalized error
		if !slices.Contains(allowed, u.Status) {
			onFinalized = errors.ModificationForbidden(
				fmt.Sprintf("finalized invoice cannot move to status %q", u.Status), allowed)
		}
		return r.explainStale(ctx, u.InvoiceID, u.IssuerID, onFinalized)
	}
	if err != nil {
		return mapWriteError(err, "failed to update invoice status")
	}

	return nil
}

// MarkSent records a delivery of a finalized invoice.
func (r *InvoiceRepository) MarkSent(ctx context.Context, id, issuerID string, at time.Time) error {
	query := `
		UPDATE invoices
		SET sent_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND issuer_id = $2
		  AND is_finalized = TRUE AND deleted_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, issuerID, at).Scan(&returnedID)

	if err == pgx.ErrNoRows {
		return r.explainMiss(ctx, id, issuerID,
			errors.New(errors.ErrCodeValidation, "invoice must be finalized before it can be sent"))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark invoice as sent")
	}

	return nil
}

// SoftDelete hides an invoice. The row and any archived PDF are kept.
func (r *InvoiceRepository) SoftDelete(ctx context.Context, id, issuerID string, at time.Time) error {
	query := `
		UPDATE invoices
		SET deleted_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND issuer_id = $2 AND deleted_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, id, issuerID, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete invoice")
	}

	if tag.RowsAffected() == 0 {
		return errors.NotFound("invoice", id)
	}

	return nil
}

// explainMiss turns a conditional update that matched nothing into NotFound
// when the invoice does not exist, or into onExisting otherwise.
func (r *InvoiceRepository) explainMiss(ctx context.Context, id, issuerID string, onExisting error) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1 AND issuer_id = $2 AND deleted_at IS NULL)`,
		id, issuerID,
	).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check invoice")
	}
	if !exists {
		return errors.NotFound("invoice", id)
	}
	return onExisting
}

// explainStale is explainMiss for updates guarded by updated_at. A finalized
// row yields onFinalized when it is set; any other surviving row changed
// since it was read.
func (r *InvoiceRepository) explainStale(ctx context.Context, id, issuerID string, onFinalized error) error {
	var finalized bool
	err := r.db.QueryRow(ctx,
		`SELECT is_finalized FROM invoices WHERE id = $1 AND issuer_id = $2 AND deleted_at IS NULL`,
		id, issuerID,
	).Scan(&finalized)
	if err == pgx.ErrNoRows {
		return errors.NotFound("invoice", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check invoice")
	}
	if finalized && onFinalized != nil {
		return onFinalized
	}
	return errors.Stale("invoice", id)
}

func mapWriteError(err error, message string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return errors.Wrap(err, errors.ErrCodeModificationForbidden, "finalized invoice is immutable").
			WithDetail("allowed", FinalizedStatuses)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(sc rowScanner) (*Invoice, error) {
	invoice := &Invoice{}
	var itemsJSON []byte

	err := sc.Scan(
		&invoice.ID,
		&invoice.IssuerID,
		&invoice.ClientID,
		&invoice.InvoiceNumber,
		&invoice.Status,
		&invoice.PaymentStatus,
		&invoice.IssueDate,
		&invoice.DueDate,
		&invoice.Currency,
		&itemsJSON,
		&invoice.Subtotal,
		&invoice.TaxAmount,
		&invoice.Total,
		&invoice.AmountPaid,
		&invoice.BalanceDue,
		&invoice.PaymentDate,
		&invoice.Notes,
		&invoice.IsFinalized,
		&invoice.FinalizedAt,
		&invoice.FinalizedBy,
		&invoice.PDFPath,
		&invoice.PDFHash,
		&invoice.SentAt,
		&invoice.DeletedAt,
		&invoice.CreatedBy,
		&invoice.CreatedAt,
		&invoice.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	invoice.Items = make([]InvoiceItem, 0)
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &invoice.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invoice items: %w", err)
		}
	}

	return invoice, nil
}
