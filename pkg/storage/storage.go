// Package storage defines the backend write contract and the router that
// maps envelopes onto concrete backends. Backends expose a single
// idempotent Upsert keyed by envelope id, keeping backend technology
// swappable without touching the engine core.
package storage

import (
	"context"

	"github.com/meridianhq/conduit/pkg/envelope"
)

// Backend is a storage adapter. Upsert must be idempotent: writing the same
// id twice results in exactly one logical record, never duplicates. Retries
// and duplicate collection both cause repeated writes of the same id.
type Backend interface {
	// Name identifies the backend in routing config and logs
	Name() string
	// EncryptedAtRest reports whether the backend satisfies the
	// encryption requirement of classifications >= confidential
	EncryptedAtRest() bool
	// Upsert writes or replaces the record with the given id
	Upsert(ctx context.Context, id string, recordType envelope.RecordType, classification envelope.Classification, payload map[string]interface{}) error
	// Close releases backend resources
	Close(ctx context.Context) error
}
