// Package servicetest provides in-memory implementations of the service
// collaborators for tests. They mirror the conditional-update semantics of
// the Postgres repositories.
package servicetest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/repository"
)

// Invoices mimics the conditional updates of repository.InvoiceRepository.
type Invoices struct {
	mu   sync.Mutex
	rows map[string]*repository.Invoice
	last time.Time
	// FlipErr, when set, is returned by MarkFinalized.
	FlipErr error
}

// NewInvoices creates an empty store.
func NewInvoices() *Invoices {
	return &Invoices{rows: make(map[string]*repository.Invoice)}
}

// Create stores a draft and rejects a duplicate number within an issuer.
func (m *Invoices) Create(_ context.Context, inv *repository.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.IssuerID == inv.IssuerID && r.InvoiceNumber == inv.InvoiceNumber {
			return errors.New(errors.ErrCodeConflict, "invoice number already exists")
		}
	}
	now := m.tick()
	inv.CreatedAt, inv.UpdatedAt = now, now
	m.rows[inv.ID] = clone(inv)
	return nil
}

// tick returns a strictly increasing timestamp, so every write yields a new
// row version.
func (m *Invoices) tick() time.Time {
	now := time.Now()
	if !now.After(m.last) {
		now = m.last.Add(time.Microsecond)
	}
	m.last = now
	return now
}

func (m *Invoices) live(id, issuerID string) (*repository.Invoice, error) {
	r, ok := m.rows[id]
	if !ok || r.IssuerID != issuerID || r.DeletedAt != nil {
		return nil, errors.NotFound("invoice", id)
	}
	return r, nil
}

// GetByID returns a copy of a live invoice.
func (m *Invoices) GetByID(_ context.Context, id, issuerID string) (*repository.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.live(id, issuerID)
	if err != nil {
		return nil, err
	}
	return clone(r), nil
}

// List pages through an issuer's live invoices, newest number first.
func (m *Invoices) List(_ context.Context, f repository.ListFilter) ([]*repository.Invoice, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*repository.Invoice
	for _, r := range m.rows {
		if r.IssuerID != f.IssuerID || r.DeletedAt != nil {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		all = append(all, clone(r))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].InvoiceNumber > all[j].InvoiceNumber })
	total := int64(len(all))
	if f.Offset >= len(all) {
		return []*repository.Invoice{}, total, nil
	}
	end := min(f.Offset+f.Limit, len(all))
	return all[f.Offset:end], total, nil
}

// UpdateDraft replaces an unfinalized invoice still at inv.UpdatedAt.
func (m *Invoices) UpdateDraft(_ context.Context, inv *repository.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.live(inv.ID, inv.IssuerID)
	if err != nil {
		return err
	}
	if r.IsFinalized {
		return errors.ModificationForbidden("invoice is finalized and can no longer be edited", repository.FinalizedStatuses)
	}
	if !r.UpdatedAt.Equal(inv.UpdatedAt) {
		return errors.Stale("invoice", inv.ID)
	}
	inv.UpdatedAt = m.tick()
	m.rows[inv.ID] = clone(inv)
	return nil
}

// MarkFinalized locks an unfinalized invoice still at f.UpdatedAt. It fails
// with FlipErr when set.
func (m *Invoices) MarkFinalized(_ context.Context, f repository.Finalization) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FlipErr != nil {
		return false, m.FlipErr
	}
	r, err := m.live(f.InvoiceID, f.IssuerID)
	if err != nil || r.IsFinalized || !r.UpdatedAt.Equal(f.UpdatedAt) {
		return false, nil
	}
	r.UpdatedAt = m.tick()
	at := f.FinalizedAt
	r.IsFinalized = true
	r.FinalizedAt = &at
	r.FinalizedBy = &f.FinalizedBy
	r.PDFPath = &f.PDFPath
	r.PDFHash = &f.PDFHash
	if r.Status == repository.StatusDraft {
		r.Status = repository.StatusSent
	}
	return true, nil
}

// UpdateStatus applies a status change to an invoice still at u.UpdatedAt.
// Finalized invoices only accept allowed targets.
func (m *Invoices) UpdateStatus(_ context.Context, u repository.StatusUpdate, allowed []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.live(u.InvoiceID, u.IssuerID)
	if err != nil {
		return err
	}
	if r.IsFinalized && !slices.Contains(allowed, u.Status) {
		return errors.ModificationForbidden("finalized invoice cannot move to status "+u.Status, allowed)
	}
	if !r.UpdatedAt.Equal(u.UpdatedAt) {
		return errors.Stale("invoice", u.InvoiceID)
	}
	r.UpdatedAt = m.tick()
	r.Status = u.Status
	r.PaymentStatus = u.PaymentStatus
	r.AmountPaid = u.AmountPaid
	r.BalanceDue = u.BalanceDue
	r.PaymentDate = u.PaymentDate
	return nil
}

// MarkSent stamps the delivery time of a finalized invoice.
func (m *Invoices) MarkSent(_ context.Context, id, issuerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.live(id, issuerID)
	if err != nil {
		return err
	}
	if !r.IsFinalized {
		return errors.New(errors.ErrCodeValidation, "invoice must be finalized before it can be sent")
	}
	r.SentAt = &at
	r.UpdatedAt = m.tick()
	return nil
}

// SoftDelete hides a live invoice.
func (m *Invoices) SoftDelete(_ context.Context, id, issuerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.live(id, issuerID)
	if err != nil {
		return err
	}
	r.DeletedAt = &at
	r.UpdatedAt = m.tick()
	return nil
}

// Get returns a copy of the stored row, deleted or not.
func (m *Invoices) Get(id string) *repository.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.rows[id])
}

// Issuers is a fixed issuer set.
type Issuers map[string]*repository.Issuer

// GetByID returns the issuer with the given id.
func (m Issuers) GetByID(_ context.Context, id string) (*repository.Issuer, error) {
	if i, ok := m[id]; ok {
		return i, nil
	}
	return nil, errors.NotFound("issuer", id)
}

// Clients is a fixed client set.
type Clients map[string]*repository.Client

// GetByID returns a client owned by issuerID.
func (m Clients) GetByID(_ context.Context, id, issuerID string) (*repository.Client, error) {
	if c, ok := m[id]; ok && c.IssuerID == issuerID {
		return c, nil
	}
	return nil, errors.NotFound("client", id)
}

// Templates maps issuer ids to their default template.
type Templates map[string]*repository.Template

// GetDefault returns the issuer's template, or nil for the built-in one.
func (m Templates) GetDefault(_ context.Context, issuerID string) (*repository.Template, error) {
	return m[issuerID], nil
}

// Audit is an append-only entry list.
type Audit struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

// Append numbers and timestamps an entry, then stores it.
func (m *Audit) Append(_ context.Context, e *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	e.PerformedAt = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

// History returns up to limit entries of an invoice, newest first.
func (m *Audit) History(_ context.Context, invoiceID, issuerID string, limit int) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*repository.AuditEntry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.entries[i]; e.InvoiceID == invoiceID && e.IssuerID == issuerID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Actions lists the actions recorded for an invoice, oldest first.
func (m *Audit) Actions(invoiceID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.InvoiceID == invoiceID {
			out = append(out, e.Action)
		}
	}
	return out
}

// Last returns the newest entry of an invoice.
func (m *Audit) Last(invoiceID string) *repository.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].InvoiceID == invoiceID {
			return m.entries[i]
		}
	}
	return nil
}

// Event is one published lifecycle event.
type Event struct {
	Kind      string
	InvoiceID string
	Previous  string
}

// Events records published events. Err, when set, is returned by every
// publish after recording.
type Events struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// All returns the published events in order.
func (m *Events) All() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// PublishFinalized records a finalized event.
func (m *Events) PublishFinalized(_ context.Context, inv *repository.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Kind: "finalized", InvoiceID: inv.ID})
	return m.Err
}

// PublishStatusChanged records a status_changed event.
func (m *Events) PublishStatusChanged(_ context.Context, inv *repository.Invoice, previous string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Kind: "status_changed", InvoiceID: inv.ID, Previous: previous})
	return m.Err
}

func clone(inv *repository.Invoice) *repository.Invoice {
	if inv == nil {
		return nil
	}
	c := *inv
	if inv.Items != nil {
		c.Items = append([]repository.InvoiceItem(nil), inv.Items...)
	}
	return &c
}
