package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

func completeIssuer() *repository.Issuer {
	return &repository.Issuer{
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
	}
}

func TestCheck_Complete(t *testing.T) {
	ok, missing := NewChecker().Check(completeIssuer())
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestCheck_ReportsEveryProblem(t *testing.T) {
	issuer := completeIssuer()
	issuer.SIRET = ""
	issuer.SIREN = "12345"
	issuer.Country = "France"

	ok, missing := NewChecker().Check(issuer)
	assert.False(t, ok)
	assert.Equal(t, []string{"country", "siren", "siret"}, missing)
}

func TestCheck_Nil(t *testing.T) {
	ok, missing := NewChecker().Check(nil)
	assert.False(t, ok)
	assert.Equal(t, []string{"issuer"}, missing)
}

func TestViolations(t *testing.T) {
	issuer := completeIssuer()
	issuer.Email = "not-an-email"

	assert.Equal(t, []string{"issuer profile incomplete: email"}, NewChecker().Violations(issuer))
	assert.Nil(t, NewChecker().Violations(completeIssuer()))
}
