package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/logger"
)

// Backend names used in routing configuration.
const (
	BackendRelational = "relational"
	BackendTimeSeries = "timeseries"
	BackendDocument   = "document"
	BackendMemory     = "memory"
)

// DefaultRoutes is the routing table applied for record types the
// configuration does not override.
func DefaultRoutes() map[envelope.RecordType]string {
	return map[envelope.RecordType]string{
		envelope.RecordTypeOperation:     BackendRelational,
		envelope.RecordTypePersonnel:     BackendRelational,
		envelope.RecordTypeIncident:      BackendRelational,
		envelope.RecordTypeAsset:         BackendRelational,
		envelope.RecordTypeCommunication: BackendRelational,
		envelope.RecordTypeMetric:        BackendTimeSeries,
		envelope.RecordTypeDocument:      BackendDocument,
		envelope.RecordTypeCompliance:    BackendDocument,
	}
}

// Router maps (record_type, classification) to a backend write and enforces
// the classification policy before any byte reaches storage. The router
// never retries; errors are tagged retryable or terminal for the worker
// pool to act on.
type Router struct {
	routes   map[envelope.RecordType]Backend
	backends map[string]Backend
	logger   *zap.Logger
}

// NewRouter builds a router from registered backends and a route table
// mapping record types to backend names. Unmapped record types fall back
// to the default table.
func NewRouter(backends map[string]Backend, routes map[envelope.RecordType]string) (*Router, error) {
	if len(backends) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no storage backends registered")
	}

	resolved := make(map[envelope.RecordType]Backend)
	merged := DefaultRoutes()
	for rt, name := range routes {
		merged[rt] = name
	}

	for rt, name := range merged {
		backend, ok := backends[name]
		if !ok {
			return nil, errors.New(errors.ErrorTypeConfig,
				fmt.Sprintf("route %s -> %s references unregistered backend", rt, name))
		}
		resolved[rt] = backend
	}

	return &Router{
		routes:   resolved,
		backends: backends,
		logger:   logger.Get().With(zap.String("component", "storage_router")),
	}, nil
}

// Route delivers one envelope to its backend. A classification the routed
// backend cannot protect fails terminally; the router never downgrades
// classification to make a write succeed.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) error {
	backend, ok := r.routes[env.RecordType]
	if !ok {
		return errors.New(errors.ErrorTypeValidation,
			fmt.Sprintf("no backend routed for record type %s", env.RecordType)).
			WithDetail("envelope_id", env.ID)
	}

	if env.Classification.RequiresEncryption() && !backend.EncryptedAtRest() {
		r.logger.Error("classification policy violation",
			zap.String("envelope_id", env.ID),
			zap.String("source", env.Source),
			zap.String("classification", env.Classification.String()),
			zap.String("backend", backend.Name()))
		return errors.New(errors.ErrorTypePolicy,
			fmt.Sprintf("classification %s requires encrypted-at-rest storage, backend %s does not support it",
				env.Classification, backend.Name())).
			WithDetail("envelope_id", env.ID).
			WithDetail("backend", backend.Name())
	}

	if err := env.VerifyChecksum(); err != nil {
		return err
	}

	return backend.Upsert(ctx, env.ID, env.RecordType, env.Classification, env.Payload)
}

// BackendFor returns the backend a record type routes to.
func (r *Router) BackendFor(rt envelope.RecordType) (Backend, bool) {
	b, ok := r.routes[rt]
	return b, ok
}

// Close closes every registered backend, returning the first error.
func (r *Router) Close(ctx context.Context) error {
	var firstErr error
	for name, b := range r.backends {
		if err := b.Close(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ErrorTypeInternal, "failed to close backend "+name)
		}
	}
	return firstErr
}
