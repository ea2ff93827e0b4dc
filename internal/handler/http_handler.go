package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ar-invoices/internal/audit"
	"github.com/pesio-ai/be-ar-invoices/internal/auth"
	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/middleware"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
	"github.com/pesio-ai/be-ar-invoices/internal/service"
)

const (
	dateLayout   = "2006-01-02"
	maxBodyBytes = 1 << 20
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	invoices  *service.InvoiceService
	finalizer *service.FinalizationService
	status    *service.StatusService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	invoices *service.InvoiceService,
	finalizer *service.FinalizationService,
	status *service.StatusService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		invoices:  invoices,
		finalizer: finalizer,
		status:    status,
		log:       log.WithComponent("http"),
	}
}

// Register mounts the invoice API on mux. Every route expects an
// authenticated request.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/invoices", h.CreateInvoice)
	mux.HandleFunc("GET /api/v1/invoices", h.ListInvoices)
	mux.HandleFunc("GET /api/v1/invoices/{id}", h.GetInvoice)
	mux.HandleFunc("PUT /api/v1/invoices/{id}", h.UpdateInvoice)
	mux.HandleFunc("DELETE /api/v1/invoices/{id}", h.DeleteInvoice)
	mux.HandleFunc("POST /api/v1/invoices/{id}/finalize", h.FinalizeInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}/verify", h.VerifyInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}/download-pdf", h.DownloadPDF)
	mux.HandleFunc("GET /api/v1/invoices/{id}/view-pdf", h.ViewPDF)
	mux.HandleFunc("PATCH /api/v1/invoices/{id}/status", h.UpdateStatus)
	mux.HandleFunc("POST /api/v1/invoices/{id}/send", h.SendInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}/audit", h.AuditHistory)
}

type invoiceBody struct {
	ClientID      *string               `json:"clientId"`
	InvoicePrefix string                `json:"invoicePrefix"`
	IssueDate     *string               `json:"issueDate"`
	DueDate       *string               `json:"dueDate"`
	Currency      *string               `json:"currency"`
	Items         []service.ItemRequest `json:"items"`
	Notes         *string               `json:"notes"`
}

type statusBody struct {
	Status     string           `json:"status"`
	AmountPaid *decimal.Decimal `json:"amountPaid"`
}

type errorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// CreateInvoice handles POST /api/v1/invoices
func (h *HTTPHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	var body invoiceBody
	if !h.decode(w, r, &body) {
		return
	}

	issueDate, err := parseDate("issueDate", body.IssueDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dueDate, err := parseDate("dueDate", body.DueDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	req := &service.CreateInvoiceRequest{
		IssuerID:      uc.IssuerID,
		ClientID:      body.ClientID,
		InvoicePrefix: body.InvoicePrefix,
		IssueDate:     issueDate,
		DueDate:       dueDate,
		Items:         body.Items,
		CreatedBy:     uc.UserID,
	}
	if body.Currency != nil {
		req.Currency = *body.Currency
	}
	if body.Notes != nil {
		req.Notes = *body.Notes
	}

	invoice, err := h.invoices.CreateInvoice(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, invoice)
}

// ListInvoices handles GET /api/v1/invoices?status=&page=&pageSize=
func (h *HTTPHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var status *string
	if s := q.Get("status"); s != "" {
		status = &s
	}
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(q.Get("pageSize"), "pageSize")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.invoices.ListInvoices(ctx, uc.IssuerID, status, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetInvoice handles GET /api/v1/invoices/{id}
func (h *HTTPHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	invoice, err := h.invoices.GetInvoice(ctx, r.PathValue("id"), uc.IssuerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, invoice)
}

// UpdateInvoice handles PUT /api/v1/invoices/{id}
func (h *HTTPHandler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	var body invoiceBody
	if !h.decode(w, r, &body) {
		return
	}

	issueDate, err := parseDate("issueDate", body.IssueDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dueDate, err := parseDate("dueDate", body.DueDate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	invoice, err := h.invoices.UpdateDraft(ctx, &service.UpdateDraftRequest{
		ID:        r.PathValue("id"),
		IssuerID:  uc.IssuerID,
		ClientID:  body.ClientID,
		IssueDate: issueDate,
		DueDate:   dueDate,
		Currency:  body.Currency,
		Items:     body.Items,
		Notes:     body.Notes,
		UpdatedBy: uc.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, invoice)
}

// DeleteInvoice handles DELETE /api/v1/invoices/{id}
func (h *HTTPHandler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	if err := h.invoices.DeleteInvoice(ctx, r.PathValue("id"), uc.IssuerID, uc.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// FinalizeInvoice handles POST /api/v1/invoices/{id}/finalize
func (h *HTTPHandler) FinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	invoice, err := h.finalizer.Finalize(ctx, uc.IssuerID, r.PathValue("id"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, FinalizeResult(invoice))
}

// VerifyInvoice handles GET /api/v1/invoices/{id}/verify
func (h *HTTPHandler) VerifyInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	result, err := h.finalizer.Verify(ctx, uc.IssuerID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// DownloadPDF handles GET /api/v1/invoices/{id}/download-pdf
func (h *HTTPHandler) DownloadPDF(w http.ResponseWriter, r *http.Request) {
	h.servePDF(w, r, "attachment")
}

// ViewPDF handles GET /api/v1/invoices/{id}/view-pdf
func (h *HTTPHandler) ViewPDF(w http.ResponseWriter, r *http.Request) {
	h.servePDF(w, r, "inline")
}

func (h *HTTPHandler) servePDF(w http.ResponseWriter, r *http.Request, disposition string) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	doc, err := h.finalizer.OpenDocument(ctx, uc.IssuerID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, doc.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Data)))
	w.Header().Set("X-Content-SHA256", doc.Hash)
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Data)
}

// UpdateStatus handles PATCH /api/v1/invoices/{id}/status
func (h *HTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	var body statusBody
	if !h.decode(w, r, &body) {
		return
	}

	invoice, err := h.status.UpdateStatus(ctx, &service.StatusChangeRequest{
		InvoiceID:  r.PathValue("id"),
		IssuerID:   uc.IssuerID,
		Status:     body.Status,
		AmountPaid: body.AmountPaid,
		ChangedBy:  uc.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":            invoice.ID,
		"status":        invoice.Status,
		"paymentStatus": invoice.PaymentStatus,
		"amountPaid":    invoice.AmountPaid,
		"balanceDue":    invoice.BalanceDue,
		"paymentDate":   invoice.PaymentDate,
	})
}

// SendInvoice handles POST /api/v1/invoices/{id}/send. Delivery happens
// elsewhere; this records it.
func (h *HTTPHandler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	invoice, err := h.status.MarkSent(ctx, uc.IssuerID, r.PathValue("id"), uc.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, invoice)
}

// AuditHistory handles GET /api/v1/invoices/{id}/audit?limit=
func (h *HTTPHandler) AuditHistory(w http.ResponseWriter, r *http.Request) {
	ctx, uc, ok := h.identify(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	entries, err := h.invoices.History(ctx, id, uc.IssuerID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"invoiceId": id, "entries": entries})
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// FinalizeResult is the response body of a successful finalize.
func FinalizeResult(invoice *repository.Invoice) map[string]any {
	out := map[string]any{
		"invoiceNumber": invoice.InvoiceNumber,
		"isFinalized":   invoice.IsFinalized,
		"finalizedAt":   invoice.FinalizedAt,
		"pdfHash":       "",
	}
	if invoice.PDFHash != nil {
		out["pdfHash"] = *invoice.PDFHash
	}
	return out
}

// identify resolves the caller and attaches the audit request metadata.
func (h *HTTPHandler) identify(w http.ResponseWriter, r *http.Request) (context.Context, *auth.UserContext, bool) {
	uc, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return nil, nil, false
	}
	ctx := audit.WithRequestInfo(r.Context(), audit.RequestInfo{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	return ctx, uc, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)

	if !errors.ClientFacing(code) {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("code", string(code)).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeJSON(w, status, errorResponse{
			Error:   "internal_error",
			Message: "an internal error occurred",
		})
		return
	}

	resp := errorResponse{Error: strings.ToLower(string(code)), Message: err.Error()}
	var e *errors.Error
	if errors.As(err, &e) {
		resp.Message = e.Message
		resp.Details = e.Details
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseDate(field string, s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil, errors.InvalidInput(field, "invalid date format, expected YYYY-MM-DD")
	}
	return &t, nil
}

func queryInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(field, "must be a non-negative integer")
	}
	return n, nil
}

// clientIP prefers the first X-Forwarded-For hop set by the ingress.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
