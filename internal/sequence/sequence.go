// Package sequence allocates per-issuer invoice numbers that reset every
// calendar year. Numbers may have gaps but are never issued twice.
package sequence

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
	"github.com/pesio-ai/be-ar-invoices/internal/logger"
	"github.com/pesio-ai/be-ar-invoices/internal/metrics"
)

// DefaultPrefix is used when neither the caller nor the counter supplies one.
const DefaultPrefix = "FAC"

// Allocation is what a Counter hands back for one increment.
type Allocation struct {
	Sequence int64
	Prefix   string
	Year     int
}

// Counter performs the atomic reset-and-increment on an issuer's counter.
// Implementations must make the yearly reset and the increment indivisible,
// and must refuse to move a counter back to an earlier year.
type Counter interface {
	Next(ctx context.Context, issuerID string, year int) (Allocation, error)
}

// Number is a formatted invoice number.
type Number struct {
	Formatted string
	Sequence  int64
	Year      int
}

// Allocator formats numbers handed out by a Counter.
type Allocator struct {
	counter       Counter
	defaultPrefix string
	log           *logger.Logger
	metrics       *metrics.Metrics
}

// NewAllocator creates an Allocator.
func NewAllocator(counter Counter, defaultPrefix string, log *logger.Logger, m *metrics.Metrics) *Allocator {
	if defaultPrefix == "" {
		defaultPrefix = DefaultPrefix
	}
	return &Allocator{
		counter:       counter,
		defaultPrefix: defaultPrefix,
		log:           log.WithComponent("sequence"),
		metrics:       m,
	}
}

// Allocate issues the next number for issuerID in nowYear. A failure after
// this call returns leaves a gap; callers retry the whole creation, never
// Allocate alone.
func (a *Allocator) Allocate(ctx context.Context, issuerID string, nowYear int, prefixOverride, clientName string) (Number, error) {
	if issuerID == "" {
		return Number{}, errors.InvalidInput("issuer_id", "issuer id is required")
	}

	alloc, err := a.counter.Next(ctx, issuerID, nowYear)
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeNotFound) {
			a.metrics.IncAllocationFailure()
			a.log.Error().Err(err).
				Str("issuer_id", issuerID).
				Int("year", nowYear).
				Msg("Invoice number allocation failed")
		}
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			return Number{}, errors.Allocation(issuerID, err)
		}
		return Number{}, err
	}

	prefix := prefixOverride
	if prefix == "" {
		prefix = alloc.Prefix
	}
	if prefix == "" {
		prefix = a.defaultPrefix
	}

	n := Number{
		Formatted: FormatNumber(prefix, alloc.Year, ClientInitials(clientName), alloc.Sequence),
		Sequence:  alloc.Sequence,
		Year:      alloc.Year,
	}

	a.log.Debug().
		Str("issuer_id", issuerID).
		Str("invoice_number", n.Formatted).
		Int64("sequence", n.Sequence).
		Msg("Invoice number allocated")

	return n, nil
}

// FormatNumber renders {prefix}{year}-{initials-}{seq:04d}.
func FormatNumber(prefix string, year int, initials string, seq int64) string {
	if initials != "" {
		return fmt.Sprintf("%s%d-%s-%04d", prefix, year, initials, seq)
	}
	return fmt.Sprintf("%s%d-%04d", prefix, year, seq)
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// ClientInitials returns the first three letters of name, uppercased, with
// accents folded and everything else dropped. "Beta Corp" gives "BET".
func ClientInitials(name string) string {
	folded, _, err := transform.String(foldAccents, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	for _, r := range folded {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		if b.Len() == 3 {
			break
		}
	}
	return b.String()
}
