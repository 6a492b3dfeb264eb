package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/connector"
	"github.com/meridianhq/conduit/pkg/connector/registry"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/errors"
)

func TestRegisteredAsSim(t *testing.T) {
	assert.True(t, registry.Has("sim"))
}

func TestCollectEmitsSequencedEnvelopes(t *testing.T) {
	c, err := NewFromConfig(config.SourceConfig{
		Name: "NCA",
		Type: "sim",
		Options: map[string]string{
			"record_type": "incident",
			"count":       "3",
		},
	})
	require.NoError(t, err)

	envs, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 3)

	for i, env := range envs {
		assert.Equal(t, "NCA", env.Source)
		assert.Equal(t, envelope.RecordTypeIncident, env.RecordType)
		assert.Equal(t, uint64(i+1), env.Payload["sequence"])
	}

	// Sequence numbers continue across calls.
	envs, err = c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), envs[0].Payload["sequence"])
}

func TestCollectInjectsPeriodicFailure(t *testing.T) {
	c, err := NewFromConfig(config.SourceConfig{
		Name:    "SAMA",
		Type:    "sim",
		Options: map[string]string{"fail_every": "2"},
	})
	require.NoError(t, err)

	_, err = c.Collect(context.Background())
	require.NoError(t, err)

	_, err = c.Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	_, err = c.Collect(context.Background())
	require.NoError(t, err)
}

func TestFailStrategiesDrivesFallback(t *testing.T) {
	r := registry.NewRegistry()
	require.NoError(t, r.Register("sim", NewFromConfig))

	// rss is marked down, so a chained source falls through to api.
	spec, err := r.BuildSpec(config.SourceConfig{
		Name:       "MoH",
		Type:       "sim",
		Strategies: []string{"rss", "api"},
		Options:    map[string]string{"fail_strategies": "rss"},
	})
	require.NoError(t, err)

	chain, ok := spec.Collector.(*connector.Chain)
	require.True(t, ok)

	envs, err := chain.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, connector.StrategyAPI, chain.LastStrategy())
}

func TestNewFromConfigRejectsBadOptions(t *testing.T) {
	_, err := NewFromConfig(config.SourceConfig{
		Name:    "NCA",
		Options: map[string]string{"record_type": "unknown"},
	})
	require.Error(t, err)

	_, err = NewFromConfig(config.SourceConfig{
		Name:    "NCA",
		Options: map[string]string{"count": "0"},
	})
	require.Error(t, err)

	_, err = NewFromConfig(config.SourceConfig{
		Name:    "NCA",
		Options: map[string]string{"fail_every": "-1"},
	})
	require.Error(t, err)
}

func TestClassificationOption(t *testing.T) {
	c, err := NewFromConfig(config.SourceConfig{
		Name:    "MoI",
		Options: map[string]string{"classification": "secret"},
	})
	require.NoError(t, err)

	envs, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.ClassificationSecret, envs[0].Classification)
	assert.True(t, envs[0].Classification.RequiresEncryption())
}
