package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/sequence"
)

// CounterRepository is the Postgres-backed sequence.Counter
type CounterRepository struct {
	db *database.DB
}

// NewCounterRepository creates a new counter repository
func NewCounterRepository(db *database.DB) *CounterRepository {
	return &CounterRepository{db: db}
}

var _ sequence.Counter = (*CounterRepository)(nil)

// Next resets and increments the issuer's counter in a single statement.
// The row lock taken by ON CONFLICT DO UPDATE serialises concurrent callers,
// so the yearly reset happens once and the second caller sees 2, not 1.
// A counter already in a later year is left untouched.
func (r *CounterRepository) Next(ctx context.Context, issuerID string, year int) (sequence.Allocation, error) {
	query := `
		INSERT INTO issuer_counters (issuer_id, prefix, year, next_number)
		SELECT id, invoice_prefix, $2, 2 FROM issuers WHERE id = $1
		ON CONFLICT (issuer_id) DO UPDATE
		SET next_number = CASE WHEN issuer_counters.year = EXCLUDED.year
		                       THEN issuer_counters.next_number + 1
		                       ELSE 2 END,
		    year = EXCLUDED.year,
		    updated_at = NOW()
		WHERE issuer_counters.year <= EXCLUDED.year
		RETURNING prefix, next_number - 1, year
	`

	var alloc sequence.Allocation
	err := r.db.QueryRow(ctx, query, issuerID, year).Scan(&alloc.Prefix, &alloc.Sequence, &alloc.Year)
	if err == pgx.ErrNoRows {
		return sequence.Allocation{}, r.explainMiss(ctx, issuerID, year)
	}
	if err != nil {
		return sequence.Allocation{}, errors.Allocation(issuerID, err)
	}

	return alloc, nil
}

func (r *CounterRepository) explainMiss(ctx context.Context, issuerID string, year int) error {
	var counterYear *int
	err := r.db.QueryRow(ctx, `
		SELECT c.year
		FROM issuers i
		LEFT JOIN issuer_counters c ON c.issuer_id = i.id
		WHERE i.id = $1
	`, issuerID).Scan(&counterYear)
	if err == pgx.ErrNoRows {
		return errors.NotFound("issuer", issuerID)
	}
	if err != nil {
		return errors.Allocation(issuerID, err)
	}
	if counterYear != nil {
		return errors.Allocation(issuerID,
			fmt.Errorf("counter is at year %d, refusing to reset back to %d", *counterYear, year))
	}
	return errors.Allocation(issuerID, fmt.Errorf("counter update matched no row"))
}
