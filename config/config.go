// Package config holds the SDK configuration. Values come from defaults,
// optionally overridden by a YAML file supplied by the host application.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top level SDK configuration.
type Config struct {
	// API holds the platform API settings.
	API APIConfig `yaml:"api"`

	// Chain holds chain timing parameters used by the poller and the
	// session expiration math.
	Chain ChainConfig `yaml:"chain"`

	// Recovery holds the scrypt parameters for the PIN-derived recovery
	// key. They must match the parameters the server used when creating
	// the user's salt.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Sessions holds session provisioning settings.
	Sessions SessionConfig `yaml:"sessions"`

	// PricePoint holds the currency pair used by the pay rule.
	PricePoint PricePointConfig `yaml:"price_point"`
}

// APIConfig holds platform API settings.
type APIConfig struct {
	Endpoint      string `yaml:"endpoint"`
	SignatureKind string `yaml:"signature_kind"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// ChainConfig holds chain timing parameters.
type ChainConfig struct {
	BlockGenerationTimeSec int `yaml:"block_generation_time_sec"`
	ConfirmationBlocks     int `yaml:"confirmation_blocks"`
	MaxPollRetries         int `yaml:"max_poll_retries"`
}

// RecoveryConfig holds the scrypt parameters for recovery key derivation.
type RecoveryConfig struct {
	ScryptN    int `yaml:"scrypt_n"`
	ScryptR    int `yaml:"scrypt_r"`
	ScryptP    int `yaml:"scrypt_p"`
	OutputSize int `yaml:"output_size"`
	PinLength  int `yaml:"min_pin_length"`
}

// SessionConfig holds session provisioning settings.
type SessionConfig struct {
	// CountOnActivation is how many session keys are created during user
	// activation.
	CountOnActivation int `yaml:"count_on_activation"`
}

// PricePointConfig holds the currency pair used by the pay rule.
type PricePointConfig struct {
	TokenSymbol    string `yaml:"token_symbol"`
	CurrencySymbol string `yaml:"currency_symbol"`
}

// Load reads configuration from a YAML file layered over the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Endpoint:      "https://api.stagingost.com/testnet/v2",
			SignatureKind: "OST1-PS",
			TimeoutMS:     30000,
		},
		Chain: ChainConfig{
			BlockGenerationTimeSec: 3,
			ConfirmationBlocks:     6,
			MaxPollRetries:         20,
		},
		Recovery: RecoveryConfig{
			ScryptN:    1 << 14,
			ScryptR:    8,
			ScryptP:    1,
			OutputSize: 32,
			PinLength:  6,
		},
		Sessions: SessionConfig{
			CountOnActivation: 1,
		},
		PricePoint: PricePointConfig{
			TokenSymbol:    "OST",
			CurrencySymbol: "USD",
		},
	}
}
