package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ar-invoices/internal/auth"
	"github.com/pesio-ai/be-ar-invoices/internal/integrity"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

func newTestServer(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)

	mux := http.NewServeMux()
	NewHTTPHandler(env.invoices, env.finalizer, env.status, logger.Nop()).Register(mux)

	authn := auth.NewAuthenticator(auth.Config{AllowHeaders: true})
	return env, authn.Middleware(mux)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderIssuerID, "acme")
	req.Header.Set(auth.HeaderUserID, "user-1")
	req.Header.Set("User-Agent", "handler-test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHTTP_RequiresCredentials(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
}

func TestHTTP_CreateInvoice(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/invoices", `{
		"clientId": "beta",
		"issueDate": "2025-03-15",
		"dueDate": "2025-04-14",
		"items": [{"description": "Consulting", "quantity": "2", "unitPrice": "150", "vatRate": "20"}]
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Regexp(t, `^FAC\d{4}-BET-0001$`, body["invoiceNumber"])
	assert.Equal(t, repository.StatusDraft, body["status"])
	assert.Equal(t, "360", body["total"])
	assert.Equal(t, false, body["isFinalized"])
}

func TestHTTP_CreateInvoice_BadInput(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"items": [`, "invalid_input"},
		{"bad date", `{"issueDate": "15/03/2025"}`, "invalid_input"},
		{"due before issue", `{"issueDate": "2025-03-15", "dueDate": "2025-03-01"}`, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/invoices", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestHTTP_GetInvoice_NotFound(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/v1/invoices/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"])
}

func TestHTTP_FinalizeLifecycle(t *testing.T) {
	env, h := newTestServer(t)
	draft := env.createDraft(t)
	base := "/api/v1/invoices/" + draft.ID

	rec := do(t, h, http.MethodPost, base+"/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, draft.InvoiceNumber, body["invoiceNumber"])
	assert.Equal(t, true, body["isFinalized"])
	assert.NotEmpty(t, body["finalizedAt"])
	hash, _ := body["pdfHash"].(string)
	assert.True(t, integrity.ValidHash(hash))

	t.Run("second finalize is rejected", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, base+"/finalize", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "already_finalized", decodeBody(t, rec)["error"])
	})

	t.Run("edits are forbidden", func(t *testing.T) {
		rec := do(t, h, http.MethodPut, base, `{"notes": "late change"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "modification_forbidden", body["error"])
		details, ok := body["details"].(map[string]any)
		require.True(t, ok)
		assert.ElementsMatch(t, []any{"paid", "partially_paid", "overdue", "cancelled"}, details["allowed"])
	})

	t.Run("verify", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, base+"/verify", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, true, body["verified"])
		assert.Equal(t, integrity.StatusVerified, body["status"])
		assert.Equal(t, hash, body["storedHash"])
	})

	t.Run("download", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, base+"/download-pdf", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename="`+draft.InvoiceNumber+`.pdf"`, rec.Header().Get("Content-Disposition"))
		assert.Equal(t, hash, rec.Header().Get("X-Content-SHA256"))
		assert.Equal(t, hash, integrity.Hash(rec.Body.Bytes()))
	})

	t.Run("view", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, base+"/view-pdf", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline;"))
	})

	t.Run("partial payment", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, base+"/status", `{"status": "partially_paid", "amountPaid": "200"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, repository.StatusPartiallyPaid, body["status"])
		assert.Equal(t, "200", body["amountPaid"])
		assert.Equal(t, "1000", body["balanceDue"])
	})

	t.Run("back to draft is forbidden", func(t *testing.T) {
		rec := do(t, h, http.MethodPatch, base+"/status", `{"status": "draft"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "modification_forbidden", decodeBody(t, rec)["error"])
	})

	t.Run("audit history", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, base+"/audit?limit=10", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, draft.ID, body["invoiceId"])
		entries, ok := body["entries"].([]any)
		require.True(t, ok)
		require.NotEmpty(t, entries)

		actions := make([]string, 0, len(entries))
		for _, e := range entries {
			actions = append(actions, e.(map[string]any)["action"].(string))
		}
		assert.Contains(t, actions, repository.ActionFinalized)
		assert.Contains(t, actions, repository.ActionCreated)
	})

	last := env.audit.Last(draft.ID)
	require.NotNil(t, last)
	require.NotNil(t, last.UserAgent)
	assert.Equal(t, "handler-test", *last.UserAgent)
}

func TestHTTP_VerifyDetectsTampering(t *testing.T) {
	env, h := newTestServer(t)
	draft := env.createDraft(t)
	base := "/api/v1/invoices/" + draft.ID

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, base+"/finalize", "").Code)

	inv := env.rows.Get(draft.ID)
	path := filepath.Join(env.store.Root(), *inv.PDFPath)
	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.7 altered"), 0o600))

	rec := do(t, h, http.MethodGet, base+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["verified"])
	assert.Equal(t, integrity.StatusMismatch, body["status"])
	assert.NotEqual(t, body["storedHash"], body["currentHash"])

	require.NoError(t, os.Remove(path))
	rec = do(t, h, http.MethodGet, base+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, integrity.StatusMissing, body["status"])
	require.Contains(t, body, "currentHash")
	assert.Equal(t, "", body["currentHash"])
}

func TestHTTP_VerifyDraft(t *testing.T) {
	env, h := newTestServer(t)
	draft := env.createDraft(t)

	rec := do(t, h, http.MethodGet, "/api/v1/invoices/"+draft.ID+"/verify", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeBody(t, rec)["error"])
}

func TestHTTP_DeleteInvoice(t *testing.T) {
	env, h := newTestServer(t)
	draft := env.createDraft(t)

	rec := do(t, h, http.MethodDelete, "/api/v1/invoices/"+draft.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/v1/invoices/"+draft.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTP_ListInvoices(t *testing.T) {
	env, h := newTestServer(t)
	env.createDraft(t)
	env.createDraft(t)

	rec := do(t, h, http.MethodGet, "/api/v1/invoices?page=1&pageSize=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["invoices"], 1)

	rec = do(t, h, http.MethodGet, "/api/v1/invoices?page=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
