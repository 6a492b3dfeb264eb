package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/storage"
	"github.com/meridianhq/conduit/pkg/storage/memory"
)

func newEnvelope(t *testing.T, rt envelope.RecordType, class envelope.Classification, key string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("NCA", rt, class, envelope.PriorityRoutine, map[string]interface{}{
		envelope.KeyExternalKey: key,
		envelope.KeyCapturedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return env
}

func newTestRouter(t *testing.T) (*storage.Router, *memory.Backend, *memory.Backend, *memory.Backend) {
	t.Helper()
	relational := memory.New(storage.BackendRelational, true)
	timeseries := memory.New(storage.BackendTimeSeries, false)
	document := memory.New(storage.BackendDocument, false)

	router, err := storage.NewRouter(map[string]storage.Backend{
		storage.BackendRelational: relational,
		storage.BackendTimeSeries: timeseries,
		storage.BackendDocument:   document,
	}, nil)
	require.NoError(t, err)

	return router, relational, timeseries, document
}

func TestRouteByRecordType(t *testing.T) {
	router, relational, timeseries, document := newTestRouter(t)
	ctx := context.Background()

	cases := []struct {
		rt      envelope.RecordType
		backend *memory.Backend
	}{
		{envelope.RecordTypeOperation, relational},
		{envelope.RecordTypePersonnel, relational},
		{envelope.RecordTypeIncident, relational},
		{envelope.RecordTypeAsset, relational},
		{envelope.RecordTypeCommunication, relational},
		{envelope.RecordTypeMetric, timeseries},
		{envelope.RecordTypeDocument, document},
		{envelope.RecordTypeCompliance, document},
	}

	for _, tc := range cases {
		env := newEnvelope(t, tc.rt, envelope.ClassificationUnclassified, "key-"+string(tc.rt))
		require.NoError(t, router.Route(ctx, env))
		_, ok := tc.backend.Get(env.ID)
		assert.True(t, ok, "record type %s should land in backend %s", tc.rt, tc.backend.Name())
	}
}

func TestRouteUpsertIsIdempotent(t *testing.T) {
	router, relational, _, _ := newTestRouter(t)
	ctx := context.Background()

	env := newEnvelope(t, envelope.RecordTypeOperation, envelope.ClassificationUnclassified, "op-1")
	require.NoError(t, router.Route(ctx, env))
	// Simulate a retry after a false-negative success.
	require.NoError(t, router.Route(ctx, env))

	assert.Equal(t, 1, relational.Len())
	rec, ok := relational.Get(env.ID)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Writes)
}

func TestRoutePolicyViolationIsTerminal(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	ctx := context.Background()

	// document backend is not encrypted at rest; secret must fail terminally
	env := newEnvelope(t, envelope.RecordTypeDocument, envelope.ClassificationSecret, "doc-secret")
	err := router.Route(ctx, env)
	require.Error(t, err)
	assert.True(t, errors.IsTerminal(err))
	assert.True(t, errors.IsType(err, errors.ErrorTypePolicy))
	assert.False(t, errors.IsRetryable(err))
}

func TestRouteConfidentialAllowedOnEncryptedBackend(t *testing.T) {
	router, relational, _, _ := newTestRouter(t)
	ctx := context.Background()

	env := newEnvelope(t, envelope.RecordTypePersonnel, envelope.ClassificationTopSecret, "p-1")
	require.NoError(t, router.Route(ctx, env))
	_, ok := relational.Get(env.ID)
	assert.True(t, ok)
}

func TestRouteChecksumMismatchIsTerminal(t *testing.T) {
	router, _, _, _ := newTestRouter(t)
	ctx := context.Background()

	env := newEnvelope(t, envelope.RecordTypeOperation, envelope.ClassificationUnclassified, "op-2")
	env.Payload["mutated_after_checksum"] = true

	err := router.Route(ctx, env)
	require.Error(t, err)
	assert.True(t, errors.IsTerminal(err))
}

func TestNewRouterRejectsUnknownBackend(t *testing.T) {
	_, err := storage.NewRouter(map[string]storage.Backend{
		storage.BackendRelational: memory.New(storage.BackendRelational, true),
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNewRouterCustomRoutes(t *testing.T) {
	mem := memory.New(storage.BackendMemory, true)
	router, err := storage.NewRouter(map[string]storage.Backend{
		storage.BackendMemory: mem,
	}, map[envelope.RecordType]string{
		envelope.RecordTypeOperation:     storage.BackendMemory,
		envelope.RecordTypePersonnel:     storage.BackendMemory,
		envelope.RecordTypeIncident:      storage.BackendMemory,
		envelope.RecordTypeAsset:         storage.BackendMemory,
		envelope.RecordTypeCommunication: storage.BackendMemory,
		envelope.RecordTypeMetric:        storage.BackendMemory,
		envelope.RecordTypeDocument:      storage.BackendMemory,
		envelope.RecordTypeCompliance:    storage.BackendMemory,
	})
	require.NoError(t, err)

	env := newEnvelope(t, envelope.RecordTypeMetric, envelope.ClassificationUnclassified, "m-1")
	require.NoError(t, router.Route(context.Background(), env))
	assert.Equal(t, 1, mem.Len())
}
