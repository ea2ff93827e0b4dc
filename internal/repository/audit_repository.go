package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

// DefaultHistoryLimit caps History when the caller passes no limit.
const DefaultHistoryLimit = 100

// AuditRepository appends and reads immutable invoice audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has an update/delete-prevention
// trigger so this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	changes := entry.Changes
	if changes == nil {
		changes = []FieldChange{}
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit changes")
	}

	var metadataJSON []byte
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO invoice_audit_log
		    (invoice_id, issuer_id, action, performed_by,
		     changes, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
		RETURNING id, performed_at
	`

	err = r.db.QueryRow(ctx, query,
		entry.InvoiceID,
		entry.IssuerID,
		entry.Action,
		entry.PerformedBy,
		changesJSON,
		entry.IPAddress,
		entry.UserAgent,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// History returns an invoice's audit trail newest first; ties on
// performed_at fall back to insertion order.
func (r *AuditRepository) History(ctx context.Context, invoiceID, issuerID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
		SELECT id, invoice_id, issuer_id, action, performed_by, performed_at,
		       changes, ip_address, user_agent, metadata
		FROM invoice_audit_log
		WHERE invoice_id = $1 AND issuer_id = $2
		ORDER BY performed_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, invoiceID, issuerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit log")
	}
	return entries, nil
}

func (r *AuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var changesJSON, metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.InvoiceID,
		&entry.IssuerID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&changesJSON,
		&entry.IPAddress,
		&entry.UserAgent,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &entry.Changes); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit changes")
		}
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
