package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

// TemplateRepository handles issuer invoice templates
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create inserts a template. A new default demotes the previous one.
func (r *TemplateRepository) Create(ctx context.Context, t *Template) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if t.IsDefault {
			_, err := tx.Exec(ctx,
				`UPDATE invoice_templates SET is_default = FALSE, updated_at = NOW() WHERE issuer_id = $1 AND is_default`,
				t.IssuerID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to demote default template")
			}
		}

		query := `
			INSERT INTO invoice_templates (id, issuer_id, name, html, is_default)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, query, t.ID, t.IssuerID, t.Name, t.HTML, t.IsDefault).
			Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template")
		}
		return nil
	})
}

// GetDefault returns the issuer's default template, or nil when it has none.
func (r *TemplateRepository) GetDefault(ctx context.Context, issuerID string) (*Template, error) {
	t := &Template{}

	query := `
		SELECT id, issuer_id, name, html, is_default, created_at, updated_at
		FROM invoice_templates
		WHERE issuer_id = $1 AND is_default
	`

	err := r.db.QueryRow(ctx, query, issuerID).Scan(
		&t.ID,
		&t.IssuerID,
		&t.Name,
		&t.HTML,
		&t.IsDefault,
		&t.CreatedAt,
		&t.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get default template")
	}

	return t, nil
}
