package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
)

// SchedulerConfig contains the per-agent dispatch rate limits. Every agent
// gets its own token bucket and queue built from these numbers.
type SchedulerConfig struct {
	// TokensPerMinute is the sustained message rate per agent.
	TokensPerMinute int `yaml:"tokens_per_minute"`

	// Burst caps how many tokens an idle agent can accumulate.
	Burst int `yaml:"burst"`

	// QueueLimit bounds the number of jobs waiting per agent; submissions
	// beyond it are rejected as rate limited.
	QueueLimit int `yaml:"queue_limit"`
}

// DefaultSchedulerConfig returns the scheduler limits used when no config
// file overrides them.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TokensPerMinute: 100,
		Burst:           100,
		QueueLimit:      500,
	}
}

// Validate performs basic validation of a SchedulerConfig value:
// - All limits must be positive
// - Burst must not exceed tokens_per_minute
func (cfg *SchedulerConfig) Validate() error {
	if cfg.TokensPerMinute <= 0 {
		return errors.New("scheduler tokens_per_minute must be positive")
	}

	if cfg.Burst <= 0 {
		return errors.New("scheduler burst must be positive")
	}

	if cfg.QueueLimit <= 0 {
		return errors.New("scheduler queue_limit must be positive")
	}

	if cfg.Burst > cfg.TokensPerMinute {
		return fmt.Errorf(
			"scheduler burst (%d) must not exceed tokens_per_minute (%d)",
			cfg.Burst, cfg.TokensPerMinute,
		)
	}

	return nil
}

// unmarshalSchedulerConfig implements a custom YAML unmarshaler for
// SchedulerConfig. Validates the value after unmarshaling.
func unmarshalSchedulerConfig(value *SchedulerConfig, data []byte) error {
	type Aux SchedulerConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = SchedulerConfig(aux)

	if err := value.Validate(); err != nil {
		return err
	}

	return nil
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}

func init() {
	// Register unmarshalers of custom types with the YAML library
	yaml.RegisterCustomUnmarshaler[SchedulerConfig](unmarshalSchedulerConfig)
}
