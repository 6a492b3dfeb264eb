// Package timeseries implements the time-series storage backend on Redis.
// Each record is stored as a hash keyed by envelope id, with a sorted-set
// index ordered by capture time for range queries by downstream consumers.
package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/storage"
)

// Backend is a Redis implementation of storage.Backend for metric records.
type Backend struct {
	client    *redis.Client
	keyPrefix string
	encrypted bool
}

var _ storage.Backend = (*Backend)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.TimeSeriesConfig) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping redis")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "conduit"
	}

	return &Backend{
		client:    client,
		keyPrefix: prefix,
		encrypted: cfg.EncryptedAtRest,
	}, nil
}

// NewWithClient wraps an existing Redis client (used by tests with
// miniredis).
func NewWithClient(client *redis.Client, keyPrefix string, encrypted bool) *Backend {
	return &Backend{client: client, keyPrefix: keyPrefix, encrypted: encrypted}
}

// Name implements storage.Backend.
func (b *Backend) Name() string { return storage.BackendTimeSeries }

// EncryptedAtRest implements storage.Backend.
func (b *Backend) EncryptedAtRest() bool { return b.encrypted }

// Upsert implements storage.Backend. HSET and ZADD are both last-write-wins
// on the same key/member, so repeated writes of one id stay idempotent.
func (b *Backend) Upsert(ctx context.Context, id string, recordType envelope.RecordType, classification envelope.Classification, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode payload")
	}

	score := float64(time.Now().UnixMilli())
	if raw, ok := payload[envelope.KeyCapturedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			score = float64(ts.UnixMilli())
		} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			score = float64(ts.UnixMilli())
		}
	}

	recordKey := b.recordKey(recordType, id)
	indexKey := b.indexKey(recordType)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, recordKey, map[string]interface{}{
		"record_type":    string(recordType),
		"classification": classification.String(),
		"payload":        string(data),
	})
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: score, Member: id})

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "redis upsert failed").
			WithDetail("id", id)
	}

	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close(ctx context.Context) error {
	return b.client.Close()
}

// Count returns the number of indexed records for a record type.
func (b *Backend) Count(ctx context.Context, recordType envelope.RecordType) (int64, error) {
	n, err := b.client.ZCard(ctx, b.indexKey(recordType)).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, "redis zcard failed")
	}
	return n, nil
}

func (b *Backend) recordKey(recordType envelope.RecordType, id string) string {
	return fmt.Sprintf("%s:%s:%s", b.keyPrefix, recordType, id)
}

func (b *Backend) indexKey(recordType envelope.RecordType) string {
	return fmt.Sprintf("%s:%s:index", b.keyPrefix, recordType)
}
