package config

import "github.com/caarlos0/env/v11"

// EnvPrefix is prepended to every environment override
const EnvPrefix = "CHARLOTTE_"

// ApplyEnv overrides fields from CHARLOTTE_* variables, e.g.
// CHARLOTTE_MQTT_BROKER or CHARLOTTE_OBSERVER_INTERVAL_MS. Unset variables
// leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}
