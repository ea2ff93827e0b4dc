package repository

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-ar-invoices/internal/database"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ar_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.Migrate(dsn))

	db, err := database.New(ctx, database.Config{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func seedIssuer(t *testing.T, repo *IssuerRepository, id string) *Issuer {
	t.Helper()
	issuer := &Issuer{
		ID:           id,
		LegalName:    "Acme SAS",
		SIREN:        "123456789",
		SIRET:        "12345678900012",
		VATNumber:    "FR12123456789",
		AddressLine1: "1 rue de la Paix",
		PostalCode:   "75002",
		City:         "Paris",
		Country:      "FR",
		Email:        "billing@acme.fr",
	}
	require.NoError(t, repo.Upsert(context.Background(), issuer))
	return issuer
}

func draftInvoice(issuerID, clientID, number string) *Invoice {
	issue := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	due := issue.AddDate(0, 0, 30)
	return &Invoice{
		ID:            uuid.NewString(),
		IssuerID:      issuerID,
		ClientID:      &clientID,
		InvoiceNumber: number,
		Status:        StatusDraft,
		PaymentStatus: PaymentUnpaid,
		IssueDate:     &issue,
		DueDate:       &due,
		Currency:      "EUR",
		Items: []InvoiceItem{{
			Description: "Consulting",
			Quantity:    decimal.NewFromInt(10),
			UnitPrice:   decimal.NewFromInt(100),
			VATRate:     decimal.NewFromInt(20),
			Total:       decimal.NewFromInt(1000),
		}},
		Subtotal:   decimal.NewFromInt(1000),
		TaxAmount:  decimal.NewFromInt(200),
		Total:      decimal.NewFromInt(1200),
		BalanceDue: decimal.NewFromInt(1200),
	}
}

func TestRepositories(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	issuers := NewIssuerRepository(db)
	clients := NewClientRepository(db)
	invoices := NewInvoiceRepository(db)
	counters := NewCounterRepository(db)
	audits := NewAuditRepository(db)
	templates := NewTemplateRepository(db)

	issuer := seedIssuer(t, issuers, "acme")
	client := &Client{ID: uuid.NewString(), IssuerID: issuer.ID, Name: "Beta Corp", Country: "FR"}
	require.NoError(t, clients.Create(ctx, client))

	t.Run("issuer and client lookups", func(t *testing.T) {
		got, err := issuers.GetByID(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "FAC", got.InvoicePrefix)

		_, err = issuers.GetByID(ctx, "ghost")
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

		c, err := clients.GetByID(ctx, client.ID, issuer.ID)
		require.NoError(t, err)
		assert.Equal(t, "Beta Corp", c.Name)

		_, err = clients.GetByID(ctx, client.ID, "other-issuer")
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("counter yearly reset and clock skew", func(t *testing.T) {
		seedIssuer(t, issuers, "counter-issuer")

		a, err := counters.Next(ctx, "counter-issuer", 2024)
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.Sequence)
		assert.Equal(t, "FAC", a.Prefix)

		a, err = counters.Next(ctx, "counter-issuer", 2024)
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.Sequence)

		const n = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seqs []int64
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := counters.Next(ctx, "counter-issuer", 2025)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seqs = append(seqs, got.Sequence)
				mu.Unlock()
			}()
		}
		wg.Wait()

		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		require.Len(t, seqs, n)
		for i, s := range seqs {
			assert.Equal(t, int64(i+1), s)
		}

		_, err = counters.Next(ctx, "counter-issuer", 2024)
		assert.True(t, errors.HasCode(err, errors.ErrCodeAllocation))

		_, err = counters.Next(ctx, "ghost", 2025)
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("invoice lifecycle", func(t *testing.T) {
		inv := draftInvoice(issuer.ID, client.ID, "FAC2025-BET-0001")
		require.NoError(t, invoices.Create(ctx, inv))

		dup := draftInvoice(issuer.ID, client.ID, "FAC2025-BET-0001")
		err := invoices.Create(ctx, dup)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

		got, err := invoices.GetByID(ctx, inv.ID, issuer.ID)
		require.NoError(t, err)
		assert.True(t, got.Total.Equal(decimal.NewFromInt(1200)))
		require.Len(t, got.Items, 1)
		assert.Equal(t, "Consulting", got.Items[0].Description)

		stale := *got
		got.Notes = "updated"
		require.NoError(t, invoices.UpdateDraft(ctx, got))
		assert.False(t, got.UpdatedAt.Equal(stale.UpdatedAt), "edit bumps the version")

		stale.Notes = "lost update"
		err = invoices.UpdateDraft(ctx, &stale)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

		at := time.Now().UTC()
		ok, err := invoices.MarkFinalized(ctx, Finalization{
			InvoiceID: inv.ID, IssuerID: issuer.ID, FinalizedBy: "user-1", FinalizedAt: at,
			PDFPath: "acme/2025/FAC2025-BET-0001.pdf", PDFHash: "ab", UpdatedAt: stale.UpdatedAt,
		})
		require.NoError(t, err)
		assert.False(t, ok, "flip rendered from an outdated version must not match")

		ok, err = invoices.MarkFinalized(ctx, Finalization{
			InvoiceID: inv.ID, IssuerID: issuer.ID, FinalizedBy: "user-1", FinalizedAt: at,
			PDFPath: "acme/2025/FAC2025-BET-0001.pdf", PDFHash: "ab", UpdatedAt: got.UpdatedAt,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = invoices.MarkFinalized(ctx, Finalization{
			InvoiceID: inv.ID, IssuerID: issuer.ID, FinalizedBy: "user-2", FinalizedAt: at,
			PDFPath: "other.pdf", PDFHash: "cd", UpdatedAt: got.UpdatedAt,
		})
		require.NoError(t, err)
		assert.False(t, ok, "second flip must not match")

		got, err = invoices.GetByID(ctx, inv.ID, issuer.ID)
		require.NoError(t, err)
		assert.True(t, got.IsFinalized)
		assert.Equal(t, StatusSent, got.Status)
		assert.Equal(t, "ab", *got.PDFHash)

		err = invoices.UpdateDraft(ctx, got)
		assert.True(t, errors.HasCode(err, errors.ErrCodeModificationForbidden))

		err = invoices.UpdateStatus(ctx, StatusUpdate{
			InvoiceID: inv.ID, IssuerID: issuer.ID, Status: StatusDraft, PaymentStatus: PaymentUnpaid,
			UpdatedAt: got.UpdatedAt,
		}, FinalizedStatuses)
		assert.True(t, errors.HasCode(err, errors.ErrCodeModificationForbidden))

		now := time.Now().UTC()
		err = invoices.UpdateStatus(ctx, StatusUpdate{
			InvoiceID: inv.ID, IssuerID: issuer.ID, Status: StatusPaid, PaymentStatus: PaymentPaid,
			AmountPaid: got.Total, BalanceDue: decimal.Zero, PaymentDate: &now, UpdatedAt: stale.UpdatedAt,
		}, FinalizedStatuses)
		assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

		require.NoError(t, invoices.UpdateStatus(ctx, StatusUpdate{
			InvoiceID: inv.ID, IssuerID: issuer.ID, Status: StatusPaid, PaymentStatus: PaymentPaid,
			AmountPaid: got.Total, BalanceDue: decimal.Zero, PaymentDate: &now, UpdatedAt: got.UpdatedAt,
		}, FinalizedStatuses))

		_, err = db.Exec(ctx, `UPDATE invoices SET total = 1 WHERE id = $1`, inv.ID)
		assert.Error(t, err, "trigger freezes finalized amounts")

		require.NoError(t, invoices.MarkSent(ctx, inv.ID, issuer.ID, now))

		list, total, err := invoices.List(ctx, ListFilter{IssuerID: issuer.ID, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Len(t, list, 1)

		require.NoError(t, invoices.SoftDelete(ctx, inv.ID, issuer.ID, now))
		_, err = invoices.GetByID(ctx, inv.ID, issuer.ID)
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
		err = invoices.SoftDelete(ctx, inv.ID, issuer.ID, now)
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("mark sent requires finalization", func(t *testing.T) {
		inv := draftInvoice(issuer.ID, client.ID, "FAC2025-BET-0099")
		require.NoError(t, invoices.Create(ctx, inv))
		err := invoices.MarkSent(ctx, inv.ID, issuer.ID, time.Now())
		assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
	})

	t.Run("audit log is append-only and ordered", func(t *testing.T) {
		invoiceID := uuid.NewString()
		for _, action := range []string{ActionCreated, ActionUpdated, ActionFinalized} {
			require.NoError(t, audits.Append(ctx, &AuditEntry{
				InvoiceID:   invoiceID,
				IssuerID:    issuer.ID,
				Action:      action,
				PerformedBy: "user-1",
				Changes:     []FieldChange{{Field: "status", OldValue: "draft", NewValue: "sent"}},
				Metadata:    map[string]any{"pdfHash": "ab"},
			}))
		}

		history, err := audits.History(ctx, invoiceID, issuer.ID, 0)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, ActionFinalized, history[0].Action)
		assert.Equal(t, ActionCreated, history[2].Action)
		assert.Equal(t, "ab", history[0].Metadata["pdfHash"])
		require.Len(t, history[0].Changes, 1)
		assert.Equal(t, "status", history[0].Changes[0].Field)

		_, err = db.Exec(ctx, `UPDATE invoice_audit_log SET action = 'deleted' WHERE invoice_id = $1`, invoiceID)
		assert.Error(t, err)
		_, err = db.Exec(ctx, `DELETE FROM invoice_audit_log WHERE invoice_id = $1`, invoiceID)
		assert.Error(t, err)

		limited, err := audits.History(ctx, invoiceID, issuer.ID, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("default template", func(t *testing.T) {
		none, err := templates.GetDefault(ctx, issuer.ID)
		require.NoError(t, err)
		assert.Nil(t, none)

		require.NoError(t, templates.Create(ctx, &Template{ID: uuid.NewString(), IssuerID: issuer.ID, Name: "v1", HTML: "<p>v1</p>", IsDefault: true}))
		require.NoError(t, templates.Create(ctx, &Template{ID: uuid.NewString(), IssuerID: issuer.ID, Name: "v2", HTML: "<p>v2</p>", IsDefault: true}))

		got, err := templates.GetDefault(ctx, issuer.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "v2", got.Name)
	})
}
