// Package postgres implements the relational storage backend on PostgreSQL.
// Records land in a single table keyed by envelope id; every write is an
// upsert so redelivery never duplicates rows.
package postgres

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/storage"
)

// Schema for the records table. Migrations are owned by the operator; the
// backend only assumes this shape exists.
//
//	CREATE TABLE IF NOT EXISTS records (
//	    id             UUID PRIMARY KEY,
//	    record_type    TEXT NOT NULL,
//	    classification TEXT NOT NULL,
//	    payload        JSONB NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
//	);

// Backend is a PostgreSQL implementation of storage.Backend.
type Backend struct {
	pool      *pgxpool.Pool
	table     string
	encrypted bool
}

var _ storage.Backend = (*Backend)(nil)

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg config.RelationalConfig) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "relational backend requires a DSN")
	}

	table := cfg.Table
	if table == "" {
		table = "records"
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping postgres")
	}

	return &Backend{
		pool:      pool,
		table:     table,
		encrypted: cfg.EncryptedAtRest,
	}, nil
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return storage.BackendRelational }

// EncryptedAtRest implements storage.Backend.
func (b *Backend) EncryptedAtRest() bool { return b.encrypted }

// Upsert implements storage.Backend. The write is keyed by id; a conflicting
// row is replaced, never duplicated.
func (b *Backend) Upsert(ctx context.Context, id string, recordType envelope.RecordType, classification envelope.Classification, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode payload")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, record_type, classification, payload, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			record_type    = EXCLUDED.record_type,
			classification = EXCLUDED.classification,
			payload        = EXCLUDED.payload,
			updated_at     = now()`, b.table)

	if _, err := b.pool.Exec(ctx, query, id, string(recordType), classification.String(), data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "postgres upsert failed").
			WithDetail("id", id)
	}

	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close(ctx context.Context) error {
	b.pool.Close()
	return nil
}
