// Package registry manages connector factory registration. Connector
// packages register themselves in init(); the CLI assembles sources from
// configuration by type name.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/connector"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
	"github.com/meridianhq/conduit/pkg/logger"
)

// Factory is a function that creates a collector from a source config.
type Factory func(cfg config.SourceConfig) (connector.Collector, error)

// Registry manages connector factory registration and instantiation.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory under a type name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s already registered", name))
	}

	r.factories[name] = factory
	r.logger.Info("connector registered", zap.String("type", name))
	return nil
}

// Create instantiates a collector of the given type
func (r *Registry) Create(name string, cfg config.SourceConfig) (connector.Collector, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector %s not found", name))
	}

	c, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create connector %s", name))
	}

	return c, nil
}

// BuildSpec assembles a source spec from its configuration. A source with no
// strategies gets a single collector. A source with strategies gets one
// collector per strategy, each created with the strategy name injected into
// its options, wrapped in a fallback chain tried in configuration order.
func (r *Registry) BuildSpec(src config.SourceConfig) (connector.Spec, error) {
	hint, err := envelope.ParsePriority(src.PriorityHint)
	if err != nil {
		return connector.Spec{}, err
	}

	var collector connector.Collector
	if len(src.Strategies) == 0 {
		collector, err = r.Create(src.Type, src)
		if err != nil {
			return connector.Spec{}, err
		}
	} else {
		chain := make([]connector.StrategyCollector, 0, len(src.Strategies))
		for _, raw := range src.Strategies {
			strategy, err := connector.ParseStrategy(raw)
			if err != nil {
				return connector.Spec{}, errors.Wrap(err, errors.ErrorTypeConfig,
					fmt.Sprintf("source %s has an invalid strategy chain", src.Name))
			}

			scoped := src
			scoped.Options = make(map[string]string, len(src.Options)+1)
			for k, v := range src.Options {
				scoped.Options[k] = v
			}
			scoped.Options[connector.OptionStrategy] = string(strategy)

			c, err := r.Create(src.Type, scoped)
			if err != nil {
				return connector.Spec{}, err
			}
			chain = append(chain, connector.StrategyCollector{Strategy: strategy, Collector: c})
		}
		collector = connector.NewChain(chain...)
	}

	return connector.Spec{
		Name:         src.Name,
		PollInterval: src.PollInterval,
		Timeout:      src.Timeout,
		PriorityHint: hint,
		Collector:    collector,
	}, nil
}

// List returns the registered connector type names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Has checks if a connector type is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Global registry functions

// Register registers a connector factory in the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// Create instantiates a collector from the global registry
func Create(name string, cfg config.SourceConfig) (connector.Collector, error) {
	return globalRegistry.Create(name, cfg)
}

// BuildSpec assembles a source spec from the global registry
func BuildSpec(src config.SourceConfig) (connector.Spec, error) {
	return globalRegistry.BuildSpec(src)
}

// List returns registered connector types from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a connector type is registered in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}
