// Package connector defines the contract every upstream collector satisfies.
// The engine only requires a connector to emit normalized envelopes on
// demand; scheduling, timeouts, and failure accounting live in the
// supervisor.
package connector

import (
	"context"
	"time"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
)

// Collector produces envelopes from an upstream source. Each call to
// Collect is independent; implementations must not rely on shared mutable
// state across calls. Collect must honor ctx cancellation — the supervisor
// bounds every call with a per-source timeout.
type Collector interface {
	Collect(ctx context.Context) ([]*envelope.Envelope, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context) ([]*envelope.Envelope, error)

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context) ([]*envelope.Envelope, error) {
	return f(ctx)
}

// Spec describes one registered source: the collector implementation plus
// the schedule and priority hint the supervisor uses.
type Spec struct {
	// Name identifies the source in envelopes and health snapshots
	Name string
	// PollInterval is the collection cadence
	PollInterval time.Duration
	// Timeout bounds a single Collect call
	Timeout time.Duration
	// PriorityHint is the default priority for envelopes this source emits
	PriorityHint envelope.Priority
	// Collector is the implementation
	Collector Collector
}

// OptionStrategy is the connector option key carrying the strategy a
// factory should build when the source is configured as a fallback chain.
const OptionStrategy = "strategy"

// Strategy tags one collection mechanism in a fallback chain.
type Strategy string

const (
	StrategyRSS    Strategy = "rss"
	StrategyAPI    Strategy = "api"
	StrategyScrape Strategy = "scrape"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRSS, StrategyAPI, StrategyScrape:
		return Strategy(s), nil
	}
	return "", errors.New(errors.ErrorTypeConfig, "unknown collection strategy "+s)
}
