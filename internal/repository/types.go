package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Invoice lifecycle ────────────────────────────────────────────────────────

const (
	StatusDraft         = "draft"
	StatusSent          = "sent"
	StatusPaid          = "paid"
	StatusPartiallyPaid = "partially_paid"
	StatusOverdue       = "overdue"
	StatusCancelled     = "cancelled"
)

const (
	PaymentUnpaid  = "unpaid"
	PaymentPartial = "partial"
	PaymentPaid    = "paid"
)

// FinalizedStatuses are the only statuses a finalized invoice may move to.
var FinalizedStatuses = []string{StatusPaid, StatusPartiallyPaid, StatusOverdue, StatusCancelled}

// ValidStatus reports whether s is a known invoice status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusSent, StatusPaid, StatusPartiallyPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// ── Domain types ─────────────────────────────────────────────────────────────

// Issuer is the company emitting invoices.
type Issuer struct {
	ID            string    `json:"id"`
	LegalName     string    `json:"legalName" validate:"required"`
	TradeName     string    `json:"tradeName,omitempty"`
	SIREN         string    `json:"siren" validate:"required,len=9,numeric"`
	SIRET         string    `json:"siret" validate:"required,len=14,numeric"`
	VATNumber     string    `json:"vatNumber" validate:"required"`
	AddressLine1  string    `json:"addressLine1" validate:"required"`
	AddressLine2  string    `json:"addressLine2,omitempty"`
	PostalCode    string    `json:"postalCode" validate:"required"`
	City          string    `json:"city" validate:"required"`
	Country       string    `json:"country" validate:"required,iso3166_1_alpha2"`
	Email         string    `json:"email" validate:"required,email"`
	IBAN          string    `json:"iban,omitempty"`
	InvoicePrefix string    `json:"invoicePrefix"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Client is the invoiced customer.
type Client struct {
	ID           string    `json:"id"`
	IssuerID     string    `json:"issuerId"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	AddressLine1 string    `json:"addressLine1,omitempty"`
	PostalCode   string    `json:"postalCode,omitempty"`
	City         string    `json:"city,omitempty"`
	Country      string    `json:"country,omitempty"`
	VATNumber    string    `json:"vatNumber,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// InvoiceItem is one line, stored inside the invoice's items JSONB array.
type InvoiceItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	VATRate     decimal.Decimal `json:"vatRate"` // percent, e.g. 20
	Total       decimal.Decimal `json:"total"`   // quantity * unitPrice, before tax
}

// Invoice is one issued or draft document.
type Invoice struct {
	ID            string          `json:"id"`
	IssuerID      string          `json:"issuerId"`
	ClientID      *string         `json:"clientId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"paymentStatus"`
	IssueDate     *time.Time      `json:"issueDate"`
	DueDate       *time.Time      `json:"dueDate"`
	Currency      string          `json:"currency"`
	Items         []InvoiceItem   `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"taxAmount"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	BalanceDue    decimal.Decimal `json:"balanceDue"`
	PaymentDate   *time.Time      `json:"paymentDate"`
	Notes         string          `json:"notes,omitempty"`
	IsFinalized   bool            `json:"isFinalized"`
	FinalizedAt   *time.Time      `json:"finalizedAt"`
	FinalizedBy   *string         `json:"finalizedBy"`
	PDFPath       *string         `json:"pdfPath"`
	PDFHash       *string         `json:"pdfHash"`
	SentAt        *time.Time      `json:"sentAt"`
	DeletedAt     *time.Time      `json:"-"`
	CreatedBy     *string         `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Template is an issuer's HTML invoice layout.
type Template struct {
	ID        string    `json:"id"`
	IssuerID  string    `json:"issuerId"`
	Name      string    `json:"name"`
	HTML      string    `json:"html"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ── Audit ────────────────────────────────────────────────────────────────────

const (
	ActionCreated             = "created"
	ActionUpdated             = "updated"
	ActionFinalized           = "finalized"
	ActionSent                = "sent"
	ActionDeleted             = "deleted"
	ActionModificationAttempt = "modification_attempt"
)

// FieldChange records one field's before and after values.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// AuditEntry is one immutable record in the invoice audit log.
type AuditEntry struct {
	ID          int64          `json:"id"`
	InvoiceID   string         `json:"invoiceId"`
	IssuerID    string         `json:"issuerId"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performedBy"`
	PerformedAt time.Time      `json:"performedAt"`
	Changes     []FieldChange  `json:"changes"`
	IPAddress   *string        `json:"ipAddress,omitempty"`
	UserAgent   *string        `json:"userAgent,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ── Mutation parameters ──────────────────────────────────────────────────────

// ListFilter narrows List.
type ListFilter struct {
	IssuerID string
	Status   *string
	Limit    int
	Offset   int
}

// Finalization is the set of fields written when an invoice is locked.
type Finalization struct {
	InvoiceID   string
	IssuerID    string
	FinalizedBy string
	FinalizedAt time.Time
	PDFPath     string
	PDFHash     string
	// UpdatedAt is the version the document was rendered from. The flip only
	// applies while the row still carries it.
	UpdatedAt time.Time
}

// StatusUpdate carries a status change and its payment side effects.
type StatusUpdate struct {
	InvoiceID     string
	IssuerID      string
	Status        string
	PaymentStatus string
	AmountPaid    decimal.Decimal
	BalanceDue    decimal.Decimal
	PaymentDate   *time.Time
	// UpdatedAt is the version the payment amounts were computed from.
	UpdatedAt time.Time
}
