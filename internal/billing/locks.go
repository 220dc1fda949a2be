package billing

import "sync"

// invoiceLocks provides per-invoice mutual exclusion for reconciliation.
// Operations on different invoices are fully independent; two confirmation
// signals racing for the same invoice serialize here. The lock only ever
// covers the local read-modify-write, never gateway I/O.
type invoiceLocks struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newInvoiceLocks() *invoiceLocks {
	return &invoiceLocks{entries: make(map[int64]*lockEntry)}
}

// lock acquires the mutex for the given invoice and returns its release
// function. Entries are reference-counted so the map does not grow with
// every invoice ever settled.
func (l *invoiceLocks) lock(invoiceID int64) func() {
	l.mu.Lock()
	e, ok := l.entries[invoiceID]
	if !ok {
		e = &lockEntry{}
		l.entries[invoiceID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, invoiceID)
		}
		l.mu.Unlock()
	}
}
