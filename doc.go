// Package conduit is a continuous multi-source data synchronization engine.
// It collects records from heterogeneous upstream sources, normalizes them
// into envelopes, and delivers them to classification-aware storage backends
// with priority scheduling, bounded retry, and composite health scoring.
//
// # Architecture
//
// The engine is organized around a single unit of work, the envelope. A
// source connector emits envelopes; everything downstream of the connector
// operates on nothing else.
//
//  1. Source connectors poll upstream systems on a configured cadence and
//     emit normalized envelopes. Sources with layered access paths use a
//     fallback chain (RSS, then API, then scraping) inside one collect call.
//
//  2. The dispatcher is a bounded priority queue. Envelopes pop in priority
//     order, FIFO within a tier; a duplicate envelope id replaces the queued
//     copy so the newest payload wins.
//
//  3. The worker pool delivers envelopes through the storage router.
//     Retryable failures requeue after capped exponential backoff with
//     jitter; terminal failures are published to the audit trail and never
//     retried.
//
//  4. The storage router maps record types to backends and enforces the
//     classification policy: sensitive records only land on backends that
//     are encrypted at rest.
//
//  5. The health tracker folds delivery outcomes, queue utilization, and
//     per-source availability into a composite 0-100 score exposed over
//     HTTP alongside Prometheus metrics.
//
// # Quick Start
//
// Run the engine against simulated sources with in-memory storage:
//
//	conduit run --config conduit.yaml --memory
//
// Assemble the engine programmatically:
//
//	cfg := config.NewEngineConfig()
//	router, _ := storage.NewRouter(backends, nil)
//	eng := engine.New(cfg, specs, router, audit.Noop{})
//	_ = eng.Run(ctx)
//
// # Key Packages
//
//	pkg/envelope   - The normalized unit of work and its lifecycle
//	pkg/connector  - Source connector contract, fallback chains, registry
//	pkg/storage    - Backend contract, router, and backend implementations
//	pkg/audit      - Terminal-failure audit trail
//	pkg/config     - Unified configuration management
//	pkg/errors     - Structured error handling
//	pkg/logger     - Structured logging
//	internal/engine - Dispatcher, worker pool, health, supervisor
package conduit
