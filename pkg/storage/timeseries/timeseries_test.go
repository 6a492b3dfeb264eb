package timeseries

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, "conduit-test", false), mr
}

func samplePayload(key string, capturedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		envelope.KeyExternalKey: key,
		envelope.KeyCapturedAt:  capturedAt.Format(time.RFC3339Nano),
		"value":                 12.5,
	}
}

func TestUpsertStoresRecordAndIndex(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()

	capturedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	err := backend.Upsert(ctx, "id-1", envelope.RecordTypeMetric, envelope.ClassificationUnclassified, samplePayload("m-1", capturedAt))
	require.NoError(t, err)

	assert.True(t, mr.Exists("conduit-test:metric:id-1"))
	assert.Equal(t, "metric", mr.HGet("conduit-test:metric:id-1", "record_type"))
	assert.Equal(t, "unclassified", mr.HGet("conduit-test:metric:id-1", "classification"))

	count, err := backend.Count(ctx, envelope.RecordTypeMetric)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpsertIsIdempotent(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	capturedAt := time.Now().UTC()
	payload := samplePayload("m-2", capturedAt)

	require.NoError(t, backend.Upsert(ctx, "id-2", envelope.RecordTypeMetric, envelope.ClassificationUnclassified, payload))
	require.NoError(t, backend.Upsert(ctx, "id-2", envelope.RecordTypeMetric, envelope.ClassificationUnclassified, payload))

	count, err := backend.Count(ctx, envelope.RecordTypeMetric)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "repeated upserts of one id must keep one indexed record")
}

func TestUpsertIndexScoreUsesCapturedAt(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()

	capturedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, backend.Upsert(ctx, "id-3", envelope.RecordTypeMetric, envelope.ClassificationUnclassified, samplePayload("m-3", capturedAt)))

	score, err := mr.ZScore("conduit-test:metric:index", "id-3")
	require.NoError(t, err)
	assert.Equal(t, float64(capturedAt.UnixMilli()), score)
}

func TestUpsertConnectionFailureIsRetryable(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()

	mr.Close()

	err := backend.Upsert(ctx, "id-4", envelope.RecordTypeMetric, envelope.ClassificationUnclassified, samplePayload("m-4", time.Now()))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
