// Package sim provides a deterministic simulated source for local runs and
// end-to-end tests. It emits sequence-numbered envelopes of a configurable
// record type and can inject periodic collection failures.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/connector"
	"github.com/meridianhq/conduit/pkg/connector/registry"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
)

func init() {
	if err := registry.Register("sim", NewFromConfig); err != nil {
		panic(err)
	}
}

// Source is a simulated connector emitting deterministic envelopes.
type Source struct {
	name           string
	recordType     envelope.RecordType
	classification envelope.Classification
	priority       envelope.Priority
	perCollect     int
	failEvery      int
	strategy       string
	strategyDown   bool

	calls uint64
	seq   uint64
}

// NewFromConfig builds a simulated source from connector options:
//
//	record_type     envelope record type (default "operation")
//	classification  sensitivity level (default "unclassified")
//	count           envelopes per collect (default 1)
//	fail_every      every Nth collect fails (0 disables)
//	fail_strategies comma-separated strategies that always fail, for
//	                exercising fallback chains
func NewFromConfig(cfg config.SourceConfig) (connector.Collector, error) {
	rt := envelope.RecordTypeOperation
	if s, ok := cfg.Options["record_type"]; ok {
		parsed, err := envelope.ParseRecordType(s)
		if err != nil {
			return nil, err
		}
		rt = parsed
	}

	class := envelope.ClassificationUnclassified
	if s, ok := cfg.Options["classification"]; ok {
		parsed, err := envelope.ParseClassification(s)
		if err != nil {
			return nil, err
		}
		class = parsed
	}

	priority, err := envelope.ParsePriority(cfg.PriorityHint)
	if err != nil {
		return nil, err
	}

	perCollect := 1
	if s, ok := cfg.Options["count"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, errors.New(errors.ErrorTypeConfig, "sim: count must be a positive integer")
		}
		perCollect = n
	}

	failEvery := 0
	if s, ok := cfg.Options["fail_every"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, errors.New(errors.ErrorTypeConfig, "sim: fail_every must be a non-negative integer")
		}
		failEvery = n
	}

	strategy := cfg.Options[connector.OptionStrategy]
	strategyDown := false
	if s, ok := cfg.Options["fail_strategies"]; ok && strategy != "" {
		for _, name := range strings.Split(s, ",") {
			if strings.TrimSpace(name) == strategy {
				strategyDown = true
			}
		}
	}

	return &Source{
		name:           cfg.Name,
		recordType:     rt,
		classification: class,
		priority:       priority,
		perCollect:     perCollect,
		failEvery:      failEvery,
		strategy:       strategy,
		strategyDown:   strategyDown,
	}, nil
}

// Collect emits the next batch of simulated envelopes.
func (s *Source) Collect(ctx context.Context) ([]*envelope.Envelope, error) {
	call := atomic.AddUint64(&s.calls, 1)
	if s.strategyDown {
		return nil, errors.New(errors.ErrorTypeConnection, "sim: strategy unavailable").
			WithDetail("strategy", s.strategy)
	}
	if s.failEvery > 0 && call%uint64(s.failEvery) == 0 {
		return nil, errors.New(errors.ErrorTypeConnection, "sim: injected collection failure").
			WithDetail("call", call)
	}

	envs := make([]*envelope.Envelope, 0, s.perCollect)
	for i := 0; i < s.perCollect; i++ {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "sim: collection cancelled")
		}

		seq := atomic.AddUint64(&s.seq, 1)
		payload := map[string]interface{}{
			envelope.KeyExternalKey: fmt.Sprintf("%s-%06d", s.name, seq),
			envelope.KeyCapturedAt:  time.Now().UTC().Format(time.RFC3339Nano),
			"sequence":              seq,
		}

		env, err := envelope.New(s.name, s.recordType, s.classification, s.priority, payload)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, nil
}
