package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config file, applies defaults for absent sections,
// overlays environment variables, and validates. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment variables. A set variable
// overrides the matching value from the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BRAINWAVE_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("BRAINWAVE_APPROVAL_MODE"); v != "" {
		cfg.Approval.Mode = v
	}
	if v := os.Getenv("BRAINWAVE_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("BRAINWAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}
