// Package memory provides an in-memory storage backend for tests and local
// runs. It honors the Upsert contract exactly: one logical record per id.
package memory

import (
	"context"
	"sync"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/storage"
)

// Record is one stored logical record.
type Record struct {
	ID             string
	RecordType     envelope.RecordType
	Classification envelope.Classification
	Payload        map[string]interface{}
	Writes         int
}

// Backend is an in-memory implementation of storage.Backend.
type Backend struct {
	name      string
	encrypted bool

	mu      sync.Mutex
	records map[string]*Record
	pending []error
}

var _ storage.Backend = (*Backend)(nil)

// New creates a memory backend. The encrypted flag controls whether the
// backend claims encryption-at-rest, letting tests exercise both sides of
// the classification policy.
func New(name string, encrypted bool) *Backend {
	return &Backend{
		name:      name,
		encrypted: encrypted,
		records:   make(map[string]*Record),
	}
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return b.name }

// EncryptedAtRest implements storage.Backend.
func (b *Backend) EncryptedAtRest() bool { return b.encrypted }

// FailNext queues errors to be returned by subsequent Upsert calls, in
// order, before normal operation resumes. Used to simulate backend outages.
func (b *Backend) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, errs...)
}

// Upsert implements storage.Backend.
func (b *Backend) Upsert(ctx context.Context, id string, recordType envelope.RecordType, classification envelope.Classification, payload map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 {
		err := b.pending[0]
		b.pending = b.pending[1:]
		return err
	}

	if existing, ok := b.records[id]; ok {
		existing.RecordType = recordType
		existing.Classification = classification
		existing.Payload = payload
		existing.Writes++
		return nil
	}

	b.records[id] = &Record{
		ID:             id,
		RecordType:     recordType,
		Classification: classification,
		Payload:        payload,
		Writes:         1,
	}
	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close(ctx context.Context) error { return nil }

// Get returns the stored record for an id.
func (b *Backend) Get(id string) (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	return r, ok
}

// Len returns the number of distinct logical records stored.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
