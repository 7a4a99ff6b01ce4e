package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// applyEnv overlays DRIPSEND_* environment variables onto cfg. The file (or
// the defaults) loses to the environment, so deployments can tweak single
// knobs without editing the config file.
func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "DRIPSEND_"}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}
