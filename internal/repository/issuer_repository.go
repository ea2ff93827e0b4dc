package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

// IssuerRepository reads and maintains issuer profiles
type IssuerRepository struct {
	db *database.DB
}

// NewIssuerRepository creates a new issuer repository
func NewIssuerRepository(db *database.DB) *IssuerRepository {
	return &IssuerRepository{db: db}
}

// Upsert creates or replaces an issuer profile
func (r *IssuerRepository) Upsert(ctx context.Context, issuer *Issuer) error {
	if issuer.InvoicePrefix == "" {
		issuer.InvoicePrefix = "FAC"
	}

	query := `
		INSERT INTO issuers (id, legal_name, trade_name, siren, siret, vat_number,
		                     address_line1, address_line2, postal_code, city, country,
		                     email, iban, invoice_prefix)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE
		SET legal_name = EXCLUDED.legal_name,
		    trade_name = EXCLUDED.trade_name,
		    siren = EXCLUDED.siren,
		    siret = EXCLUDED.siret,
		    vat_number = EXCLUDED.vat_number,
		    address_line1 = EXCLUDED.address_line1,
		    address_line2 = EXCLUDED.address_line2,
		    postal_code = EXCLUDED.postal_code,
		    city = EXCLUDED.city,
		    country = EXCLUDED.country,
		    email = EXCLUDED.email,
		    iban = EXCLUDED.iban,
		    invoice_prefix = EXCLUDED.invoice_prefix,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		issuer.ID,
		issuer.LegalName,
		issuer.TradeName,
		issuer.SIREN,
		issuer.SIRET,
		issuer.VATNumber,
		issuer.AddressLine1,
		issuer.AddressLine2,
		issuer.PostalCode,
		issuer.City,
		issuer.Country,
		issuer.Email,
		issuer.IBAN,
		issuer.InvoicePrefix,
	).Scan(&issuer.CreatedAt, &issuer.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save issuer")
	}

	return nil
}

// GetByID retrieves an issuer
func (r *IssuerRepository) GetByID(ctx context.Context, id string) (*Issuer, error) {
	issuer := &Issuer{}

	query := `
		SELECT id, legal_name, trade_name, siren, siret, vat_number,
		       address_line1, address_line2, postal_code, city, country,
		       email, iban, invoice_prefix, created_at, updated_at
		FROM issuers
		WHERE id = $1
	`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&issuer.ID,
		&issuer.LegalName,
		&issuer.TradeName,
		&issuer.SIREN,
		&issuer.SIRET,
		&issuer.VATNumber,
		&issuer.AddressLine1,
		&issuer.AddressLine2,
		&issuer.PostalCode,
		&issuer.City,
		&issuer.Country,
		&issuer.Email,
		&issuer.IBAN,
		&issuer.InvoicePrefix,
		&issuer.CreatedAt,
		&issuer.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("issuer", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get issuer")
	}

	return issuer, nil
}

// InvoicePrefix returns the issuer's configured number prefix
func (r *IssuerRepository) InvoicePrefix(ctx context.Context, id string) (string, error) {
	var prefix string
	err := r.db.QueryRow(ctx, `SELECT invoice_prefix FROM issuers WHERE id = $1`, id).Scan(&prefix)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound("issuer", id)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to get issuer prefix")
	}
	return prefix, nil
}
