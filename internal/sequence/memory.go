package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

type memoryCounter struct {
	prefix string
	year   int
	next   int64
}

// MemoryCounter is an in-process Counter with the same semantics as the
// datastore-backed ones. It backs tests and single-process tooling.
type MemoryCounter struct {
	mu       sync.Mutex
	issuers  map[string]string
	counters map[string]*memoryCounter
}

// NewMemoryCounter creates a MemoryCounter that knows no issuers.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		issuers:  make(map[string]string),
		counters: make(map[string]*memoryCounter),
	}
}

// AddIssuer registers an issuer with its default prefix.
func (m *MemoryCounter) AddIssuer(issuerID, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issuers[issuerID] = prefix
}

// Next implements Counter.
func (m *MemoryCounter) Next(_ context.Context, issuerID string, year int) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix, ok := m.issuers[issuerID]
	if !ok {
		return Allocation{}, errors.NotFound("issuer", issuerID)
	}

	c, ok := m.counters[issuerID]
	if !ok {
		c = &memoryCounter{prefix: prefix, year: year, next: 1}
		m.counters[issuerID] = c
	}
	if c.year > year {
		return Allocation{}, errors.Allocation(issuerID,
			fmt.Errorf("counter is at year %d, refusing to reset back to %d", c.year, year))
	}
	if c.year != year {
		c.year = year
		c.next = 1
	}

	seq := c.next
	c.next++
	return Allocation{Sequence: seq, Prefix: c.prefix, Year: year}, nil
}
