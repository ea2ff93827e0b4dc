package handler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/integrity"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/profile"
	"github.com/pesio-ai/be-ar-invoices/internal/render"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/sequence"
	"github.com/pesio-ai/be-ar-invoices/internal/service"
	"github.com/pesio-ai/be-ar-invoices/internal/service/servicetest"
	"github.com/pesio-ai/be-ar-invoices/internal/storage"
)

type testEnv struct {
	invoices  *service.InvoiceService
	finalizer *service.FinalizationService
	status    *service.StatusService
	rows      *servicetest.Invoices
	audit     *servicetest.Audit
	store     *storage.FSStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		rows:  servicetest.NewInvoices(),
		audit: &servicetest.Audit{},
		store: store,
	}

	counter := sequence.NewMemoryCounter()
	counter.AddIssuer("acme", "FAC")

	issuers := servicetest.Issuers{"acme": {
		ID:           "acme",
		LegalName:    "Acme SAS",
		SIREN:        "123456789",
		SIRET:        "12345678900012",
		VATNumber:    "FR12123456789",
		AddressLine1: "1 rue de la Paix",
		PostalCode:   "75002",
		City:         "Paris",
		Country:      "FR",
		Email:        "billing@acme.fr",
	}}
	clients := servicetest.Clients{"beta": {ID: "beta", IssuerID: "acme", Name: "Beta Corp"}}

	log := logger.Nop()
	recorder := audit.NewRecorder(env.audit, log, nil)

	env.invoices = service.NewInvoiceService(env.rows, clients, sequence.NewAllocator(counter, "FAC", log, nil), recorder, log)
	env.finalizer = service.NewFinalizationService(service.FinalizationDeps{
		Invoices:  env.rows,
		Issuers:   issuers,
		Clients:   clients,
		Templates: servicetest.Templates{},
		Renderer: render.RendererFunc(func(_ context.Context, in render.Input) ([]byte, error) {
			html, err := render.BuildHTML(in)
			if err != nil {
				return nil, err
			}
			return []byte("%PDF-1.7\n" + html), nil
		}),
		Store:         store,
		Integrity:     integrity.NewService(store),
		Profile:       profile.NewChecker(),
		Recorder:      recorder,
		RenderTimeout: time.Second,
		AwaitTimeout:  time.Second,
	}, log)
	env.status = service.NewStatusService(env.rows, recorder, nil, nil, log)

	return env
}

func (e *testEnv) createDraft(t *testing.T) *repository.Invoice {
	t.Helper()
	client := "beta"
	issue := time.Now().UTC()
	due := issue.AddDate(0, 0, 30)
	inv, err := e.invoices.CreateInvoice(context.Background(), &service.CreateInvoiceRequest{
		IssuerID:  "acme",
		ClientID:  &client,
		IssueDate: &issue,
		DueDate:   &due,
		Items: []service.ItemRequest{{
			Description: "Consulting",
			Quantity:    decimal.RequireFromString("10"),
			UnitPrice:   decimal.RequireFromString("100"),
			VATRate:     decimal.RequireFromString("20"),
		}},
		CreatedBy: "user-1",
	})
	require.NoError(t, err)
	return inv
}
