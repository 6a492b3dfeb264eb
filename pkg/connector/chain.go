package connector

import (
	"context"
	"sync"

	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
)

// StrategyCollector pairs a collection strategy tag with its implementation.
type StrategyCollector struct {
	Strategy  Strategy
	Collector Collector
}

// Chain tries an ordered list of collection strategies within one Collect
// call and returns the first success. Sources with layered access paths
// (RSS feed, then API, then scraping) use a Chain so a single degraded path
// never silences the source. The strategy that produced the envelopes is
// recorded for health attribution.
type Chain struct {
	strategies []StrategyCollector

	mu   sync.RWMutex
	last Strategy
}

// NewChain creates a fallback chain from the given strategies, tried in
// order.
func NewChain(strategies ...StrategyCollector) *Chain {
	return &Chain{strategies: strategies}
}

// Collect tries each strategy in order until one succeeds. The error of the
// last strategy is returned when every strategy fails; earlier failures are
// attached as details.
func (c *Chain) Collect(ctx context.Context) ([]*envelope.Envelope, error) {
	if len(c.strategies) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "fallback chain has no strategies")
	}

	var lastErr error
	for _, sc := range c.strategies {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "collection cancelled")
		}

		envs, err := sc.Collector.Collect(ctx)
		if err == nil {
			c.mu.Lock()
			c.last = sc.Strategy
			c.mu.Unlock()
			return envs, nil
		}
		lastErr = errors.Wrap(err, errors.ErrorTypeConnection, "strategy failed").
			WithDetail("strategy", string(sc.Strategy))
	}

	return nil, lastErr
}

// LastStrategy returns the strategy that served the most recent successful
// Collect, or the empty string when none has succeeded yet.
func (c *Chain) LastStrategy() Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
