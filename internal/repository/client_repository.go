package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

// ClientRepository handles invoiced customers
type ClientRepository struct {
	db *database.DB
}

// NewClientRepository creates a new client repository
func NewClientRepository(db *database.DB) *ClientRepository {
	return &ClientRepository{db: db}
}

// Create inserts a client. client.ID must be set by the caller.
func (r *ClientRepository) Create(ctx context.Context, client *Client) error {
	query := `
		INSERT INTO clients (id, issuer_id, name, email, address_line1, postal_code, city, country, vat_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		client.ID,
		client.IssuerID,
		client.Name,
		client.Email,
		client.AddressLine1,
		client.PostalCode,
		client.City,
		client.Country,
		client.VATNumber,
	).Scan(&client.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create client")
	}

	return nil
}

// GetByID retrieves a client belonging to issuerID
func (r *ClientRepository) GetByID(ctx context.Context, id, issuerID string) (*Client, error) {
	client := &Client{}

	query := `
		SELECT id, issuer_id, name, email, address_line1, postal_code, city, country, vat_number, created_at
		FROM clients
		WHERE id = $1 AND issuer_id = $2
	`

	err := r.db.QueryRow(ctx, query, id, issuerID).Scan(
		&client.ID,
		&client.IssuerID,
		&client.Name,
		&client.Email,
		&client.AddressLine1,
		&client.PostalCode,
		&client.City,
		&client.Country,
		&client.VATNumber,
		&client.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("client", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get client")
	}

	return client, nil
}
