package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads an EngineConfig from the given YAML file, applying environment
// overrides with the CONDUIT_ prefix (e.g. CONDUIT_WORKERS_COUNT=16).
// Defaults from NewEngineConfig are used for anything the file omits.
func Load(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := NewEngineConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
